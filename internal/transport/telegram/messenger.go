// Package telegram pushes notices to Telegram chats.
package telegram

import (
	"context"
	"errors"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"
)

type Config struct {
	Token     string
	ParseMode string // "", "HTML", "Markdown"
	// Offline skips the getMe handshake in NewBot.
	Offline bool
	Timeout time.Duration
}

// Messenger sends text to a chat.
type Messenger interface {
	SendText(ctx context.Context, chatID int64, text string) error
}

// Bot is a send-only telebot client. Nothing polls for updates.
type Bot struct {
	parseMode string
	send      func(chatID int64, text string, opt *tele.SendOptions) error
}

func New(cfg Config) (*Bot, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Offline: cfg.Offline,
		Poller:  &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	return &Bot{
		parseMode: cfg.ParseMode,
		send: func(chatID int64, text string, opt *tele.SendOptions) error {
			_, err := b.Send(&tele.Chat{ID: chatID}, text, opt)
			return err
		},
	}, nil
}

// SendText splits long text into message sized chunks and sends them in order.
func (b *Bot) SendText(ctx context.Context, chatID int64, text string) error {
	if chatID == 0 {
		return errors.New("telegram chat id is zero")
	}
	for _, chunk := range splitText(text, textLimit, b.parseMode) {
		if err := ctx.Err(); err != nil {
			return err
		}
		opt := &tele.SendOptions{ParseMode: tele.ParseMode(b.parseMode), DisableWebPagePreview: true}
		if err := b.send(chatID, chunk, opt); err != nil {
			return err
		}
	}
	return nil
}

// Forwarder adapts a Messenger to a fixed chat, e.g. for operator alerts.
type Forwarder struct {
	M      Messenger
	ChatID int64
}

func (f Forwarder) Forward(ctx context.Context, text string) error {
	return f.M.SendText(ctx, f.ChatID, text)
}

const textLimit = 4000

// splitText cuts s into chunks of at most limit runes, preferring newline
// boundaries and, in HTML mode, never cutting inside a tag.
func splitText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = textLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))

		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				// Avoid tiny chunks.
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}

		if strings.EqualFold(parseMode, "HTML") && end < len(rs) {
			open, closed := -1, -1
			for i := start; i < end; i++ {
				switch rs[i] {
				case '<':
					open = i
				case '>':
					closed = i
				}
			}
			if open > closed && open > start+1 {
				end = open
			}
		}

		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
