package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/sawpanic/boombust/internal/domain"
	"github.com/sawpanic/boombust/internal/secrets"
)

// SMTP credential names in the secret store.
const (
	SMTPUserSecret     = "smtp.username"
	SMTPPasswordSecret = "smtp.password"
)

// EmailConfig locates the SMTP relay and the recipients.
type EmailConfig struct {
	Host string   `yaml:"host" validate:"required_with=To"`
	Port int      `yaml:"port"`
	From string   `yaml:"from"`
	To   []string `yaml:"to"`
}

// Email delivers through an authenticated SMTP relay.
type Email struct {
	cfg     EmailConfig
	secrets secrets.Provider
	send    func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewEmail builds the email notifier.
func NewEmail(cfg EmailConfig, vault secrets.Provider) *Email {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	return &Email{cfg: cfg, secrets: vault, send: smtp.SendMail}
}

// WithSendFunc overrides the SMTP call for tests.
func (e *Email) WithSendFunc(fn func(addr string, a smtp.Auth, from string, to []string, msg []byte) error) *Email {
	e.send = fn
	return e
}

func (e *Email) Channel() domain.Channel { return domain.ChannelEmail }

func (e *Email) Send(ctx context.Context, env Envelope) error {
	if e.cfg.Host == "" || len(e.cfg.To) == 0 {
		return domain.ConfigErr("email", "smtp host and recipients required", nil)
	}
	user, err := e.secrets.Get(ctx, SMTPUserSecret)
	if err != nil {
		return domain.AuthErr("email", "smtp username unavailable", err)
	}
	password, err := e.secrets.Get(ctx, SMTPPasswordSecret)
	if err != nil {
		return domain.AuthErr("email", "smtp password unavailable", err)
	}

	from := e.cfg.From
	if from == "" {
		from = user
	}

	addr := fmt.Sprintf("%s:%d", e.cfg.Host, e.cfg.Port)
	auth := smtp.PlainAuth("", user, password, e.cfg.Host)
	msg := formatEmail(from, e.cfg.To, env)

	if err := e.send(addr, auth, from, e.cfg.To, msg); err != nil {
		return domain.DispatchErr("email", "smtp send failed", err)
	}
	return nil
}

// formatEmail renders a minimal RFC 5322 message.
func formatEmail(from string, to []string, env Envelope) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&b, "Subject: [%s] %s %s alert\r\n", strings.ToUpper(string(env.Severity)), env.DataSource, env.MetricName)
	b.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	fmt.Fprintf(&b, "%s\r\n\r\n", env.Message)
	fmt.Fprintf(&b, "Observed:  %g\r\n", env.ObservedValue)
	fmt.Fprintf(&b, "Baseline:  %g\r\n", env.BaselineValue)
	fmt.Fprintf(&b, "Threshold: %g\r\n", env.Threshold)
	fmt.Fprintf(&b, "Triggered: %s\r\n", env.TriggeredAt.UTC().Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(&b, "Alert ID:  %s\r\n", env.ID)
	return []byte(b.String())
}
