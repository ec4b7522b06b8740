// Package email sends account verification mail.
//
// SMTPMailer retries a failed send with exponential backoff. When every
// attempt fails it reports a fallback delivery carrying the verification URL
// so the caller can log it for an operator to hand to the user. Registration
// never fails because mail could not be sent.
//
// Each attempt runs under its own deadline and the whole send under a budget,
// so a server that accepts the connection and never answers costs at most
// the budget.
package email

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"html/template"
	"log/slog"
	"net"
	"net/smtp"
	"net/url"
	"strconv"
	"strings"
	"time"

	"taskbrew/internal/platform/config"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

const (
	DefaultMaxAttempts    = 3
	DefaultAttemptTimeout = 3 * time.Second
	// DefaultSendBudget stays below the HTTP server's write timeout.
	DefaultSendBudget  = 10 * time.Second
	defaultInitialWait = 500 * time.Millisecond
	subject            = "Verify your email address"
)

// Delivery is the outcome of a verification send.
type Delivery struct {
	// Fallback is true when the mail was not sent and VerificationURL must
	// reach the user some other way.
	Fallback        bool
	MessageID       string
	VerificationURL string
}

// SendFunc delivers one message. It must give up once ctx is done.
type SendFunc func(ctx context.Context, addr string, a smtp.Auth, from string, to []string, msg []byte) error

type SMTPMailer struct {
	cfg            config.EmailConfig
	clientURL      string
	send           SendFunc
	newBackOff     func() backoff.BackOff
	maxAttempts    int
	attemptTimeout time.Duration
	budget         time.Duration
	logger         *slog.Logger
}

type Option func(*SMTPMailer)

func WithLogger(logger *slog.Logger) Option {
	return func(m *SMTPMailer) {
		m.logger = logger
	}
}

func WithSendFunc(send SendFunc) Option {
	return func(m *SMTPMailer) {
		m.send = send
	}
}

// WithBackOff replaces the wait policy between attempts.
func WithBackOff(factory func() backoff.BackOff) Option {
	return func(m *SMTPMailer) {
		m.newBackOff = factory
	}
}

func WithMaxAttempts(n int) Option {
	return func(m *SMTPMailer) {
		if n > 0 {
			m.maxAttempts = n
		}
	}
}

// WithAttemptTimeout bounds one dial-to-QUIT exchange.
func WithAttemptTimeout(d time.Duration) Option {
	return func(m *SMTPMailer) {
		if d > 0 {
			m.attemptTimeout = d
		}
	}
}

// WithSendBudget bounds all attempts plus the waits between them.
func WithSendBudget(d time.Duration) Option {
	return func(m *SMTPMailer) {
		if d > 0 {
			m.budget = d
		}
	}
}

func NewSMTPMailer(cfg config.EmailConfig, clientURL string, opts ...Option) *SMTPMailer {
	m := &SMTPMailer{
		cfg:            cfg,
		clientURL:      strings.TrimRight(clientURL, "/"),
		send:           SendMail,
		maxAttempts:    DefaultMaxAttempts,
		attemptTimeout: DefaultAttemptTimeout,
		budget:         DefaultSendBudget,
		logger:         slog.Default(),
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = defaultInitialWait
			b.Multiplier = 2
			b.RandomizationFactor = 0
			return b
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// VerificationURL is the link the user follows to verify their address.
func VerificationURL(clientURL, token string) string {
	return strings.TrimRight(clientURL, "/") + "/verify-email?token=" + url.QueryEscape(token)
}

func (m *SMTPMailer) SendVerificationEmail(ctx context.Context, to, name, token string) (Delivery, error) {
	link := VerificationURL(m.clientURL, token)
	messageID := fmt.Sprintf("<%s@%s>", uuid.NewString(), m.cfg.Host)

	msg, err := buildMessage(m.cfg.User, to, name, link, messageID)
	if err != nil {
		return Delivery{}, fmt.Errorf("build verification email: %w", err)
	}

	addr := net.JoinHostPort(m.cfg.Host, strconv.Itoa(m.cfg.Port))
	var auth smtp.Auth
	if m.cfg.User != "" {
		auth = smtp.PlainAuth("", m.cfg.User, m.cfg.Password, m.cfg.Host)
	}

	ctx, cancel := context.WithTimeout(ctx, m.budget)
	defer cancel()

	attempt := 0
	op := func() error {
		attempt++
		attemptCtx, cancelAttempt := context.WithTimeout(ctx, m.attemptTimeout)
		err := m.send(attemptCtx, addr, auth, m.cfg.User, []string{to}, msg)
		cancelAttempt()
		if err != nil {
			m.logger.WarnContext(ctx, "verification email attempt failed",
				"attempt", attempt,
				"max_attempts", m.maxAttempts,
				"error", err,
			)
		}
		return err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(m.newBackOff(), uint64(m.maxAttempts-1)),
		ctx,
	)
	if err := backoff.Retry(op, policy); err != nil {
		m.logger.WarnContext(ctx, "all verification email attempts failed",
			"attempts", attempt,
			"error", err,
		)
		return Delivery{Fallback: true, VerificationURL: link}, nil
	}

	m.logger.InfoContext(ctx, "verification email sent", "message_id", messageID)
	return Delivery{MessageID: messageID, VerificationURL: link}, nil
}

// SendMail is net/smtp.SendMail bounded by ctx: the dial honours ctx and the
// connection deadline is ctx's deadline, so a silent server cannot hold the
// caller past it.
func SendMail(ctx context.Context, addr string, a smtp.Auth, from string, to []string, msg []byte) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("smtp address: %w", err)
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial smtp: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	// Cancellation without a deadline still unblocks pending I/O.
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	c, err := smtp.NewClient(conn, host)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("smtp greeting: %w", err)
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: host}); err != nil {
			return fmt.Errorf("smtp starttls: %w", err)
		}
	}
	if a != nil {
		if ok, _ := c.Extension("AUTH"); ok {
			if err := c.Auth(a); err != nil {
				return fmt.Errorf("smtp auth: %w", err)
			}
		}
	}
	if err := c.Mail(from); err != nil {
		return fmt.Errorf("smtp mail from: %w", err)
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return fmt.Errorf("smtp rcpt to: %w", err)
		}
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("smtp write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp end data: %w", err)
	}
	return c.Quit()
}

// LogMailer sends nothing and always reports a fallback delivery, so the
// caller logs the verification URL. Used when no SMTP account is configured.
type LogMailer struct {
	clientURL string
	logger    *slog.Logger
}

func NewLogMailer(clientURL string, logger *slog.Logger) *LogMailer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMailer{clientURL: clientURL, logger: logger}
}

func (m *LogMailer) SendVerificationEmail(ctx context.Context, to, _ string, token string) (Delivery, error) {
	link := VerificationURL(m.clientURL, token)
	m.logger.DebugContext(ctx, "email delivery disabled", "to", to)
	return Delivery{Fallback: true, VerificationURL: link}, nil
}

var bodyTemplate = template.Must(template.New("verify").Parse(`<div style="max-width: 600px; margin: 0 auto; font-family: Arial, sans-serif;">
  <h2>Welcome to Task Brew, {{.Name}}!</h2>
  <p>Please verify your email address by following the link below:</p>
  <p><a href="{{.URL}}">Verify Email Address</a></p>
  <p>If the link doesn't work, copy this address into your browser:<br>{{.URL}}</p>
  <p>If you didn't create an account with Task Brew, please ignore this email.</p>
</div>
`))

func buildMessage(from, to, name, link, messageID string) ([]byte, error) {
	var body bytes.Buffer
	if err := bodyTemplate.Execute(&body, struct{ Name, URL string }{name, link}); err != nil {
		return nil, err
	}

	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	fmt.Fprintf(&b, "Message-ID: %s\r\n", messageID)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=UTF-8\r\n\r\n")
	b.Write(body.Bytes())
	return b.Bytes(), nil
}
