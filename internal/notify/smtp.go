package notify

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

const defaultSMTPTimeout = 30 * time.Second

var errMissingSMTPHost = errors.New("notify: smtp host is required")

var recipientValidator = validator.New()

// SMTPConfig configures SMTPMailer.
type SMTPConfig struct {
	Host          string
	Port          int
	Username      string
	Password      string
	From          string
	FromName      string
	UseTLS        bool
	Timeout       time.Duration
	RatePerSecond float64
	Logger        *zap.Logger
}

// SMTPMailer sends email through an SMTP relay.
type SMTPMailer struct {
	cfg       SMTPConfig
	guard     *guard
	transport func(ctx context.Context, to string, message []byte) error
	clock     func() time.Time
}

// NewSMTPMailer constructs a mailer. The connection is opened per message.
func NewSMTPMailer(cfg SMTPConfig) (*SMTPMailer, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, errMissingSMTPHost
	}
	if err := recipientValidator.Var(cfg.From, "required,email"); err != nil {
		return nil, fmt.Errorf("notify: invalid smtp from address %q: %w", cfg.From, err)
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultSMTPTimeout
	}
	if cfg.FromName == "" {
		cfg.FromName = "NatureNet"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	mailer := &SMTPMailer{
		cfg:   cfg,
		guard: newGuard("smtp", cfg.RatePerSecond, logger),
		clock: time.Now,
	}
	mailer.transport = mailer.sendSMTP
	return mailer, nil
}

// Send delivers one email.
func (m *SMTPMailer) Send(ctx context.Context, email Email) error {
	if err := recipientValidator.Var(email.To, "required,email"); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidRecipient, email.To)
	}
	message := m.buildMessage(email)
	return m.guard.do(ctx, func(ctx context.Context) error {
		return m.transport(ctx, email.To, message)
	})
}

func (m *SMTPMailer) buildMessage(email Email) []byte {
	var msg strings.Builder

	msg.WriteString(fmt.Sprintf("From: %s <%s>\r\n", mime.QEncoding.Encode("utf-8", m.cfg.FromName), m.cfg.From))
	msg.WriteString(fmt.Sprintf("To: %s\r\n", email.To))
	msg.WriteString(fmt.Sprintf("Subject: %s\r\n", mime.QEncoding.Encode("utf-8", email.Subject)))
	msg.WriteString(fmt.Sprintf("Date: %s\r\n", m.clock().UTC().Format(time.RFC1123Z)))
	msg.WriteString("MIME-Version: 1.0\r\n")
	if email.HTML {
		msg.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	} else {
		msg.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	}
	msg.WriteString("\r\n")
	msg.WriteString(strings.ReplaceAll(email.Body, "\n", "\r\n"))

	return []byte(msg.String())
}

func (m *SMTPMailer) sendSMTP(ctx context.Context, to string, message []byte) error {
	addr := net.JoinHostPort(m.cfg.Host, fmt.Sprintf("%d", m.cfg.Port))

	dialer := &net.Dialer{Timeout: m.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("connect to smtp server: %w", err)
	}
	defer func() { _ = conn.Close() }()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(m.cfg.Timeout))
	}

	client, err := smtp.NewClient(conn, m.cfg.Host)
	if err != nil {
		return fmt.Errorf("create smtp client: %w", err)
	}
	defer func() { _ = client.Close() }()

	if m.cfg.UseTLS {
		tlsConfig := &tls.Config{ServerName: m.cfg.Host, MinVersion: tls.VersionTLS12}
		if err := client.StartTLS(tlsConfig); err != nil {
			return fmt.Errorf("start tls: %w", err)
		}
	}
	if m.cfg.Username != "" && m.cfg.Password != "" {
		auth := smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("smtp authentication: %w", err)
		}
	}
	if err := client.Mail(m.cfg.From); err != nil {
		return fmt.Errorf("set sender: %w", err)
	}
	if err := client.Rcpt(to); err != nil {
		return fmt.Errorf("set recipient: %w", err)
	}
	writer, err := client.Data()
	if err != nil {
		return fmt.Errorf("open data: %w", err)
	}
	if _, err := writer.Write(message); err != nil {
		_ = writer.Close()
		return fmt.Errorf("write message: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close data: %w", err)
	}
	return client.Quit()
}
