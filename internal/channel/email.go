package channel

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"sync"

	"noticed/internal/notice"
	"noticed/internal/render"
	mailx "noticed/internal/transport/mail"
	"noticed/pkg/logx"
)

type EmailConfig struct {
	// Production sends to recipients. Otherwise every message goes to Admins.
	Production bool
	From       string
	Admins     []string
}

// Email renders short.txt and full.txt and sends them as subject and body.
type Email struct {
	Gate
	render render.Renderer
	sender mailx.Sender
	site   Site
	log    logx.Logger

	mu  sync.RWMutex
	cfg EmailConfig
}

func NewEmail(g Gate, r render.Renderer, s mailx.Sender, site Site, cfg EmailConfig, log logx.Logger) *Email {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Email{Gate: g, render: r, sender: s, site: site, cfg: cfg, log: log.With(logx.String("channel", g.Desc.ID))}
}

func (e *Email) Apply(cfg EmailConfig) {
	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
}

func (e *Email) config() EmailConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// CanSend additionally requires an email address.
func (e *Email) CanSend(ctx context.Context, user notice.User, cat notice.Category, scope notice.Scope) (bool, error) {
	if strings.TrimSpace(user.Email) == "" {
		return false, nil
	}
	return e.Gate.CanSend(ctx, user, cat, scope)
}

func (e *Email) Deliver(ctx context.Context, d Delivery) error {
	cfg := e.config()
	data := templateData(d, e.site)

	short, err := renderNotice(ctx, e.render, d, "short.txt", data)
	if err != nil {
		return err
	}
	full, err := renderNotice(ctx, e.render, d, "full.txt", data)
	if err != nil {
		return err
	}

	subject, err := e.wrap(ctx, "email_subject.txt", data, short)
	if err != nil {
		return err
	}
	subject = strings.TrimSpace(strings.NewReplacer("\r", "", "\n", "").Replace(subject))
	body, err := e.wrap(ctx, "email_body.txt", data, full)
	if err != nil {
		return err
	}

	if cfg.Production {
		return e.sender.Send(ctx, mailx.Message{
			Subject: subject,
			Body:    body,
			From:    cfg.From,
			To:      []string{Address(d.Recipient)},
		})
	}

	if len(cfg.Admins) == 0 {
		e.log.Warn("email not sent: non-production without admins", logx.Int64("recipient", d.Recipient.ID))
		return fmt.Errorf("%w: no admin addresses outside production", ErrNotDelivered)
	}
	var errs []error
	for _, admin := range cfg.Admins {
		err := e.sender.Send(ctx, mailx.Message{Subject: subject, Body: body, From: cfg.From, To: []string{admin}})
		if err != nil {
			errs = append(errs, fmt.Errorf("admin %s: %w", admin, err))
		}
	}
	return errors.Join(errs...)
}

// wrap renders a site wide wrapper template around message. A missing
// wrapper leaves message as is.
func (e *Email) wrap(ctx context.Context, format string, data map[string]any, message string) (string, error) {
	wd := make(map[string]any, len(data)+1)
	for k, v := range data {
		wd[k] = v
	}
	wd["message"] = message
	out, err := e.render.Render(ctx, "", format, wd)
	if errors.Is(err, render.ErrTemplateNotFound) {
		return message, nil
	}
	return out, err
}

// Address formats u as "Full Name" <email>.
func Address(u notice.User) string {
	if u.FullName == "" {
		return u.Email
	}
	return (&mail.Address{Name: u.FullName, Address: u.Email}).String()
}
