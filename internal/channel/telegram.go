package channel

import (
	"context"
	"strings"

	"noticed/internal/notice"
	"noticed/internal/render"
	"noticed/internal/transport/telegram"
)

// Telegram pushes the short form to the recipient's bound chat.
type Telegram struct {
	Gate
	render render.Renderer
	msgr   telegram.Messenger
	site   Site
}

func NewTelegram(g Gate, r render.Renderer, m telegram.Messenger, site Site) *Telegram {
	return &Telegram{Gate: g, render: r, msgr: m, site: site}
}

func (t *Telegram) CanSend(ctx context.Context, user notice.User, cat notice.Category, scope notice.Scope) (bool, error) {
	if user.ChatID == 0 {
		return false, nil
	}
	return t.Gate.CanSend(ctx, user, cat, scope)
}

func (t *Telegram) Deliver(ctx context.Context, d Delivery) error {
	text, err := renderNotice(ctx, t.render, d, "short.txt", templateData(d, t.site))
	if err != nil {
		return err
	}
	return t.msgr.SendText(ctx, d.Recipient.ChatID, strings.TrimSpace(text))
}
