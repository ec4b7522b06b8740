package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"golang.org/x/term"

	"taskbrew/pkg/email"
	"taskbrew/pkg/sessionclient"
)

const defaultServer = "http://localhost:3000/api"

var errUsage = errors.New("usage")

// readPassword is a test seam for term.ReadPassword.
var readPassword = term.ReadPassword

type app struct {
	in     *bufio.Reader
	out    io.Writer
	logger *slog.Logger
}

func newApp(in io.Reader, out io.Writer, logger *slog.Logger) *app {
	return &app{in: bufio.NewReader(in), out: out, logger: logger}
}

func (a *app) usage() {
	fmt.Fprintln(a.out, `usage: taskbrew <command> [flags]

commands:
  register  create an account (-email, -name)
  verify    confirm an email address (-token)
  me        log in and show the current user (-email, -repeat, -interval)`)
}

func (a *app) run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		a.usage()
		return errUsage
	}

	fs := flag.NewFlagSet(args[0], flag.ContinueOnError)
	fs.SetOutput(a.out)
	server := fs.String("server", envOr("TASKBREW_SERVER", defaultServer), "API base URL")
	addr := fs.String("email", "", "account email")
	name := fs.String("name", "", "display name (derived from the email when empty)")
	token := fs.String("token", "", "verification token")
	repeat := fs.Int("repeat", 1, "number of /users/me calls")
	interval := fs.Duration("interval", 0, "pause between repeated calls")
	if err := fs.Parse(args[1:]); err != nil {
		return errUsage
	}

	agent, err := sessionclient.New(*server,
		sessionclient.WithLogger(a.logger),
		sessionclient.OnSessionEnded(func() {
			fmt.Fprintln(a.out, "session ended; log in again")
		}),
	)
	if err != nil {
		return err
	}

	switch args[0] {
	case "register":
		return a.register(ctx, agent, *addr, *name)
	case "verify":
		return a.verify(ctx, agent, *token)
	case "me":
		return a.me(ctx, agent, *addr, *repeat, *interval)
	default:
		a.usage()
		return errUsage
	}
}

func (a *app) register(ctx context.Context, agent *sessionclient.Agent, addr, name string) error {
	addr, err := a.ensureEmail(addr)
	if err != nil {
		return err
	}
	if name == "" {
		name = email.DisplayName(addr)
	}
	pw, err := a.password()
	if err != nil {
		return err
	}

	user, err := agent.Register(ctx, addr, pw, name)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "registered %s as %q; check your inbox for the verification link\n", user.Email, user.Name)
	return nil
}

func (a *app) verify(ctx context.Context, agent *sessionclient.Agent, token string) error {
	if token == "" {
		return fmt.Errorf("%w: -token is required", errUsage)
	}
	if err := agent.VerifyEmail(ctx, token); err != nil {
		return err
	}
	fmt.Fprintln(a.out, "email verified; you can now log in")
	return nil
}

func (a *app) me(ctx context.Context, agent *sessionclient.Agent, addr string, repeat int, interval time.Duration) error {
	addr, err := a.ensureEmail(addr)
	if err != nil {
		return err
	}
	pw, err := a.password()
	if err != nil {
		return err
	}

	if _, err := agent.Login(ctx, addr, pw); err != nil {
		if errors.Is(err, sessionclient.ErrEmailNotVerified) {
			return errors.New("verify your email address before logging in")
		}
		return err
	}
	defer func() {
		if err := agent.Logout(context.WithoutCancel(ctx)); err != nil {
			a.logger.Warn("logout failed", "error", err)
		}
	}()

	for i := range max(repeat, 1) {
		if i > 0 && interval > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(interval):
			}
		}
		user, err := agent.Me(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.out, "%s <%s> verified=%t\n", user.Name, user.Email, user.EmailVerified)
	}
	return nil
}

func (a *app) ensureEmail(addr string) (string, error) {
	if addr != "" {
		return addr, nil
	}
	fmt.Fprint(a.out, "Email: ")
	line, err := a.in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func (a *app) password() (string, error) {
	fmt.Fprint(a.out, "Password: ")
	pw, err := readPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(a.out)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(pw), nil
}
