// Command taskbrew is a small client for the session API. Each invocation
// logs in fresh; nothing is persisted between runs.
//
//	taskbrew register -email alice@example.com
//	taskbrew verify -token <token from the email>
//	taskbrew me -email alice@example.com -repeat 3 -interval 10m
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"taskbrew/internal/platform/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	app := newApp(os.Stdin, os.Stdout, logger.NewWithWriter(os.Stderr, envOr("LOG_LEVEL", "warn"), "text"))
	if err := app.run(ctx, os.Args[1:]); err != nil {
		if !errors.Is(err, errUsage) {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
