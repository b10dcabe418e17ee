// Package mail sends operator notifications about denied login
// attempts. The SMTP notifier renders a short plain-text message and
// delivers it to the configured admin recipients; deployments without
// an SMTP relay use [NopNotifier].
package mail

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"text/template"
	"time"

	sserr "github.com/helixmed/authgate/pkg/errors"
	"github.com/helixmed/authgate/pkg/identity"
	"github.com/helixmed/authgate/pkg/token"
)

// ----------------------------------------------------------------------------
// Configuration
// ----------------------------------------------------------------------------

const (
	// DefaultPort is the submission port, used when no port is configured.
	DefaultPort = 587

	// DefaultTimeout bounds a single SMTP delivery end to end.
	DefaultTimeout = 10 * time.Second

	// DefaultSystemName appears in the message subject and body when no
	// deployment name is configured.
	DefaultSystemName = "HelixMed"
)

// Config holds SMTP relay settings.
type Config struct {
	// Host is the SMTP relay hostname. Required.
	Host string `json:"host" yaml:"host" env:"MAIL_SMTP_HOST"`

	// Port is the SMTP relay port. Defaults to 587.
	Port int `json:"port" yaml:"port" env:"MAIL_SMTP_PORT" envDefault:"587"`

	// Username authenticates against the relay. Leave empty for
	// relays that accept unauthenticated submission.
	Username string `json:"username" yaml:"username" env:"MAIL_SMTP_USERNAME"`

	// Password authenticates against the relay.
	Password token.Secret `json:"-" yaml:"password" env:"MAIL_SMTP_PASSWORD"`

	// From is the envelope and header sender address. Required.
	From string `json:"from" yaml:"from" env:"MAIL_FROM"`

	// AdminRecipients receive denied-access notifications. At least
	// one is required.
	AdminRecipients []string `json:"admin_recipients" yaml:"admin_recipients" env:"MAIL_ADMIN_RECIPIENTS"`

	// SystemName is the deployment name shown in messages.
	SystemName string `json:"system_name" yaml:"system_name" env:"MAIL_SYSTEM_NAME" envDefault:"HelixMed"`

	// StartTLS upgrades the connection before authenticating. When
	// true and the relay does not advertise STARTTLS, delivery fails.
	StartTLS bool `json:"start_tls" yaml:"start_tls" env:"MAIL_SMTP_STARTTLS" envDefault:"true"`

	// Timeout bounds a single delivery. Defaults to 10s.
	Timeout time.Duration `json:"timeout" yaml:"timeout" env:"MAIL_SMTP_TIMEOUT" envDefault:"10s"`
}

// Validate checks the configuration and applies defaults.
func (c *Config) Validate() *sserr.Error {
	if c.Host == "" {
		return sserr.New(sserr.CodeInternalConfiguration, "smtp host is required")
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.Port < 1 || c.Port > 65535 {
		return sserr.Newf(sserr.CodeInternalConfiguration, "invalid smtp port: %d", c.Port)
	}
	if c.From == "" {
		return sserr.New(sserr.CodeInternalConfiguration, "sender address is required")
	}
	if len(c.AdminRecipients) == 0 {
		return sserr.New(sserr.CodeInternalConfiguration, "at least one admin recipient is required")
	}
	if c.SystemName == "" {
		c.SystemName = DefaultSystemName
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	return nil
}

// ----------------------------------------------------------------------------
// SMTP notifier
// ----------------------------------------------------------------------------

var deniedTemplate = template.Must(template.New("denied").Parse(
	`A login to {{.SystemName}} was denied because it matched no registered user.

Subject:    {{.Subject}}
Connection: {{.Connection}}
Email:      {{if .Email}}{{.Email}}{{else}}(none){{end}}
Time:       {{.Time}}

If this user should have access, create an account for them and have
them log in again.
`))

// sendFunc delivers a rendered message. Swapped out in tests.
type sendFunc func(ctx context.Context, msg []byte) error

// SMTPNotifier delivers denied-access notifications over SMTP.
type SMTPNotifier struct {
	config Config
	logger *slog.Logger
	send   sendFunc
	now    func() time.Time
}

var _ identity.DenialNotifier = (*SMTPNotifier)(nil)

// NewSMTPNotifier creates a notifier for the given relay. The relay is
// not contacted until the first notification.
func NewSMTPNotifier(cfg Config, logger *slog.Logger) (*SMTPNotifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	n := &SMTPNotifier{
		config: cfg,
		logger: logger,
		now:    time.Now,
	}
	n.send = n.deliver
	return n, nil
}

// NotifyAccessDenied renders and delivers the denied-access message to
// the configured admin recipients.
func (n *SMTPNotifier) NotifyAccessDenied(ctx context.Context, subject, connectionID, email string) error {
	var body bytes.Buffer
	err := deniedTemplate.Execute(&body, struct {
		SystemName, Subject, Connection, Email, Time string
	}{
		SystemName: n.config.SystemName,
		Subject:    subject,
		Connection: connectionID,
		Email:      email,
		Time:       n.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return sserr.Wrap(err, sserr.CodeInternal, "failed to render denial message")
	}

	msg := n.message("User denied access to "+n.config.SystemName, body.Bytes())
	if err := n.send(ctx, msg); err != nil {
		return err
	}

	n.logger.InfoContext(ctx, "sent denied access notification",
		"subject", subject,
		"connection_id", connectionID,
		"recipients", len(n.config.AdminRecipients))
	return nil
}

// message assembles RFC 5322 headers and the body into a wire message.
func (n *SMTPNotifier) message(subject string, body []byte) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "From: %s\r\n", n.config.From)
	fmt.Fprintf(&buf, "To: %s\r\n", strings.Join(n.config.AdminRecipients, ", "))
	fmt.Fprintf(&buf, "Subject: %s\r\n", subject)
	fmt.Fprintf(&buf, "Date: %s\r\n", n.now().UTC().Format(time.RFC1123Z))
	buf.WriteString("MIME-Version: 1.0\r\n")
	buf.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	buf.WriteString("\r\n")
	buf.Write(bytes.ReplaceAll(body, []byte("\n"), []byte("\r\n")))
	return buf.Bytes()
}

// deliver submits the message to the relay. One connection per message,
// the denial path is rare enough that pooling is not worth it.
func (n *SMTPNotifier) deliver(ctx context.Context, msg []byte) error {
	addr := net.JoinHostPort(n.config.Host, strconv.Itoa(n.config.Port))

	if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > n.config.Timeout {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.config.Timeout)
		defer cancel()
	}

	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return wrapError(err, "failed to connect to smtp relay")
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, n.config.Host)
	if err != nil {
		_ = conn.Close()
		return wrapError(err, "smtp handshake failed")
	}
	defer func() { _ = client.Close() }()

	if n.config.StartTLS {
		if ok, _ := client.Extension("STARTTLS"); !ok {
			return sserr.New(sserr.CodeUnavailableDependency, "smtp relay does not support STARTTLS")
		}
		tlsCfg := &tls.Config{
			ServerName: n.config.Host,
			MinVersion: tls.VersionTLS12,
		}
		if err := client.StartTLS(tlsCfg); err != nil {
			return wrapError(err, "smtp STARTTLS failed")
		}
	}

	if n.config.Username != "" {
		auth := smtp.PlainAuth("", n.config.Username, n.config.Password.Value(), n.config.Host)
		if err := client.Auth(auth); err != nil {
			return wrapError(err, "smtp authentication failed")
		}
	}

	if err := client.Mail(n.config.From); err != nil {
		return wrapError(err, "smtp sender rejected")
	}
	for _, rcpt := range n.config.AdminRecipients {
		if err := client.Rcpt(rcpt); err != nil {
			return wrapError(err, "smtp recipient rejected")
		}
	}

	w, err := client.Data()
	if err != nil {
		return wrapError(err, "smtp data command failed")
	}
	if _, err := w.Write(msg); err != nil {
		_ = w.Close()
		return wrapError(err, "failed to write message body")
	}
	if err := w.Close(); err != nil {
		return wrapError(err, "smtp delivery failed")
	}

	return wrapError(client.Quit(), "smtp quit failed")
}

func wrapError(err error, msg string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return sserr.Wrap(err, sserr.CodeTimeoutUpstream, msg)
	}
	return sserr.Wrap(err, sserr.CodeUnavailableDependency, msg)
}

// ----------------------------------------------------------------------------
// No-op notifier
// ----------------------------------------------------------------------------

// NopNotifier discards notifications. Used when no SMTP relay is
// configured.
type NopNotifier struct{}

var _ identity.DenialNotifier = NopNotifier{}

// NotifyAccessDenied does nothing.
func (NopNotifier) NotifyAccessDenied(context.Context, string, string, string) error {
	return nil
}
