// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeep Contributors

package notify

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/samber/oops"
)

// Sender delivers a single notification.
type Sender interface {
	Send(ctx context.Context, job Job) error
}

// ResetSubject is the subject line of password reset mail.
const ResetSubject = "Password Reset Request"

// ResetLink builds the link a user follows to reset their password.
func ResetLink(appHost, resetPath, token string) string {
	return fmt.Sprintf("%s/%s/%s", strings.TrimRight(appHost, "/"), strings.Trim(resetPath, "/"), token)
}

// SMTPConfig configures an SMTPSender.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	// StartTLS upgrades a plain connection before authenticating.
	StartTLS bool
	// ImplicitTLS dials the server over TLS (SMTPS, usually port 465).
	ImplicitTLS bool
	Timeout     time.Duration
	// AppHost and ResetPath form the reset link: {AppHost}/{ResetPath}/{token}.
	AppHost   string
	ResetPath string
}

// SMTPSender mails plain-text reset links.
type SMTPSender struct {
	cfg     SMTPConfig
	deliver func(ctx context.Context, from, to string, msg []byte) error
}

// NewSMTPSender creates an SMTPSender.
func NewSMTPSender(cfg SMTPConfig) (*SMTPSender, error) {
	if cfg.Host == "" {
		return nil, oops.Code("NOTIFY_CONFIG_INVALID").Errorf("smtp host is required")
	}
	if cfg.Port <= 0 {
		return nil, oops.Code("NOTIFY_CONFIG_INVALID").With("port", cfg.Port).Errorf("smtp port must be positive")
	}
	if cfg.From == "" {
		return nil, oops.Code("NOTIFY_CONFIG_INVALID").Errorf("smtp from address is required")
	}
	if cfg.StartTLS && cfg.ImplicitTLS {
		return nil, oops.Code("NOTIFY_CONFIG_INVALID").Errorf("starttls and implicit tls are mutually exclusive")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	s := &SMTPSender{cfg: cfg}
	s.deliver = s.smtpDeliver
	return s, nil
}

// Send mails the reset link for job.
func (s *SMTPSender) Send(ctx context.Context, job Job) error {
	msg := s.message(job)
	if err := s.deliver(ctx, s.cfg.From, job.Email, msg); err != nil {
		return oops.Code("NOTIFY_SMTP_FAILED").
			With("host", s.cfg.Host).
			With("port", s.cfg.Port).
			Wrap(err)
	}
	return nil
}

func (s *SMTPSender) message(job Job) []byte {
	link := ResetLink(s.cfg.AppHost, s.cfg.ResetPath, job.Token)

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", s.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", job.Email)
	fmt.Fprintf(&b, "Subject: %s\r\n", ResetSubject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	fmt.Fprintf(&b, "Click this link to reset your password:\r\n %s\r\n", link)
	return []byte(b.String())
}

func (s *SMTPSender) smtpDeliver(ctx context.Context, from, to string, msg []byte) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	tlsConfig := &tls.Config{ServerName: s.cfg.Host, MinVersion: tls.VersionTLS12}
	dialer := &net.Dialer{}

	var conn net.Conn
	var err error
	if s.cfg.ImplicitTLS {
		conn, err = (&tls.Dialer{NetDialer: dialer, Config: tlsConfig}).DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return oops.With("operation", "dial").Wrap(err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline) //nolint:errcheck // best effort, dial already succeeded
	}

	client, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		_ = conn.Close() //nolint:errcheck // handshake error takes precedence
		return oops.With("operation", "handshake").Wrap(err)
	}
	defer client.Close() //nolint:errcheck // Quit below reports delivery errors

	if s.cfg.StartTLS {
		if err := client.StartTLS(tlsConfig); err != nil {
			return oops.With("operation", "starttls").Wrap(err)
		}
	}
	if s.cfg.Username != "" {
		auth := smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
		if err := client.Auth(auth); err != nil {
			return oops.With("operation", "auth").Wrap(err)
		}
	}
	if err := client.Mail(from); err != nil {
		return oops.With("operation", "mail from").Wrap(err)
	}
	if err := client.Rcpt(to); err != nil {
		return oops.With("operation", "rcpt to").Wrap(err)
	}
	w, err := client.Data()
	if err != nil {
		return oops.With("operation", "data").Wrap(err)
	}
	if _, err := w.Write(msg); err != nil {
		_ = w.Close() //nolint:errcheck // write error takes precedence
		return oops.With("operation", "write body").Wrap(err)
	}
	if err := w.Close(); err != nil {
		return oops.With("operation", "end data").Wrap(err)
	}
	if err := client.Quit(); err != nil {
		return oops.With("operation", "quit").Wrap(err)
	}
	return nil
}

// LogSender logs reset notifications instead of mailing them. For
// development only: the usable link is logged at DEBUG, so it stays out of
// logs at the default level.
type LogSender struct {
	logger    *slog.Logger
	appHost   string
	resetPath string
}

// NewLogSender creates a LogSender writing to logger.
func NewLogSender(logger *slog.Logger, appHost, resetPath string) *LogSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSender{logger: logger, appHost: appHost, resetPath: resetPath}
}

// Send logs the notification at INFO with a token fingerprint, and the
// full reset link at DEBUG.
func (s *LogSender) Send(ctx context.Context, job Job) error {
	s.logger.InfoContext(ctx, "password reset link",
		"email", job.Email,
		"subject", ResetSubject,
		"token_sha256", TokenFingerprint(job.Token),
	)
	s.logger.DebugContext(ctx, "password reset link for development",
		"email", job.Email,
		"reset_link", ResetLink(s.appHost, s.resetPath, job.Token),
	)
	return nil
}

// TokenFingerprint identifies a token in logs without revealing it: the
// first 12 hex digits of its SHA-256.
func TokenFingerprint(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:6])
}
