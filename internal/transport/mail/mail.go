// Package mail sends rendered notices as email.
package mail

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/mail"
	"net/smtp"
	"strings"
	"time"

	"noticed/pkg/logx"
)

// Message is one outgoing email. To holds RFC 5322 addresses,
// optionally with display names ("Ana" <ana@example.com>).
type Message struct {
	Subject string
	Body    string
	From    string
	To      []string
}

// Sender delivers a message synchronously. Retries are the caller's concern.
type Sender interface {
	Send(ctx context.Context, m Message) error
}

type SMTPConfig struct {
	Addr     string // host:port
	Username string
	Password string
	// Host used for PLAIN auth; derived from Addr when empty.
	Host string
}

// SMTP sends through a relay with net/smtp.
type SMTP struct {
	cfg  SMTPConfig
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewSMTP(cfg SMTPConfig) (*SMTP, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, errors.New("smtp addr is empty")
	}
	if cfg.Host == "" {
		h, _, err := net.SplitHostPort(cfg.Addr)
		if err != nil {
			return nil, fmt.Errorf("smtp addr: %w", err)
		}
		cfg.Host = h
	}
	return &SMTP{cfg: cfg, send: smtp.SendMail}, nil
}

func (s *SMTP) Send(ctx context.Context, m Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	from, err := mail.ParseAddress(m.From)
	if err != nil {
		return fmt.Errorf("from address: %w", err)
	}
	rcpt := make([]string, 0, len(m.To))
	for _, to := range m.To {
		a, err := mail.ParseAddress(to)
		if err != nil {
			return fmt.Errorf("to address %q: %w", to, err)
		}
		rcpt = append(rcpt, a.Address)
	}
	if len(rcpt) == 0 {
		return errors.New("no recipients")
	}
	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}
	return s.send(s.cfg.Addr, auth, from.Address, rcpt, Compose(m, time.Now()))
}

// Compose builds a plain text RFC 5322 message.
func Compose(m Message, now time.Time) []byte {
	var b strings.Builder
	b.WriteString("From: " + m.From + "\r\n")
	b.WriteString("To: " + strings.Join(m.To, ", ") + "\r\n")
	b.WriteString("Subject: " + mime.QEncoding.Encode("utf-8", m.Subject) + "\r\n")
	b.WriteString("Date: " + now.Format(time.RFC1123Z) + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n")
	b.WriteString("Content-Transfer-Encoding: 8bit\r\n\r\n")
	b.WriteString(strings.ReplaceAll(m.Body, "\n", "\r\n"))
	return []byte(b.String())
}

// Log writes messages to the logger instead of sending them.
type Log struct {
	log logx.Logger
}

func NewLog(log logx.Logger) *Log {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Log{log: log}
}

func (l *Log) Send(ctx context.Context, m Message) error {
	l.log.Info("email",
		logx.String("from", m.From),
		logx.Strs("to", m.To),
		logx.String("subject", m.Subject),
		logx.Int("body_len", len(m.Body)),
	)
	return nil
}
