// Package dispatch evaluates every channel for every recipient of a notice
// and either delivers immediately or defers the whole request to the queue.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"noticed/internal/channel"
	"noticed/internal/eventbus"
	"noticed/internal/locale"
	"noticed/internal/notice"
	"noticed/internal/queue"
	"noticed/pkg/logx"
)

type Config struct {
	// QueueAll defers every Send that does not force Now.
	QueueAll      bool
	DefaultLocale locale.ID
}

// Catalog resolves a category by label.
type Catalog interface {
	Get(ctx context.Context, label string) (notice.Category, error)
}

// Channels lists the enabled channels in dispatch order.
type Channels interface {
	Channels() []channel.Channel
}

type Deps struct {
	Catalog  Catalog
	Channels Channels
	Locales  locale.Resolver // optional
	Ambient  *locale.Ambient // optional
	Queue    queue.Store     // optional; Queue fails without it
	Bus      eventbus.Bus    // optional
	Log      logx.Logger
}

type Engine struct {
	catalog  Catalog
	channels Channels
	locales  locale.Resolver
	ambient  *locale.Ambient
	queue    queue.Store
	bus      eventbus.Bus
	log      logx.Logger
	newID    func() string

	mu  sync.RWMutex
	cfg Config
}

func New(cfg Config, d Deps) *Engine {
	e := &Engine{
		catalog:  d.Catalog,
		channels: d.Channels,
		locales:  d.Locales,
		ambient:  d.Ambient,
		queue:    d.Queue,
		bus:      d.Bus,
		log:      d.Log,
		newID:    uuid.NewString,
		cfg:      cfg,
	}
	if e.bus == nil {
		e.bus = eventbus.Nop{}
	}
	if e.log.IsZero() {
		e.log = logx.Nop()
	}
	return e
}

func (e *Engine) Apply(cfg Config) {
	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
}

func (e *Engine) config() Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// SendNow delivers label to every user on every eligible channel.
//
// An unknown label fails the whole call before anything is delivered. Every
// other failure is confined to its (recipient, channel) pair and logged.
// sent reports whether at least one channel delivered something.
func (e *Engine) SendNow(ctx context.Context, users []notice.User, label string, extra notice.Context, sender *notice.User, scope notice.Scope) (sent bool, err error) {
	cat, err := e.catalog.Get(ctx, label)
	if err != nil {
		return false, err
	}
	cfg := e.config()
	id := e.newID()
	log := e.log.With(logx.String("dispatch_id", id), logx.String("label", label))

	var amb *locale.Scope
	if e.ambient != nil {
		amb = e.ambient.Enter()
		defer amb.Close()
	}

	chans := e.channels.Channels()
	for _, user := range users {
		if err := ctx.Err(); err != nil {
			return sent, err
		}
		loc := e.resolveLocale(ctx, user, extra, cfg, log)
		if amb != nil {
			amb.Activate(loc)
		}
		uctx := locale.WithLocale(ctx, loc)
		d := channel.Delivery{
			Recipient: user,
			Sender:    sender,
			Category:  cat,
			Context:   project(extra, loc),
			Locale:    loc,
			Scope:     scope,
		}
		for _, ch := range chans {
			ev := eventbus.DispatchEvent{DispatchID: id, Label: label, RecipientID: user.ID, Channel: ch.ID()}
			if d.Context.Disallowed(ch.ID()) {
				ev.Reason = "disallowed"
				e.bus.Publish(eventbus.Event{Type: eventbus.Skipped, Data: ev})
				continue
			}
			res, err := attempt(uctx, ch, d)
			switch res {
			case delivered:
				sent = true
				e.bus.Publish(eventbus.Event{Type: eventbus.Delivered, Data: ev})
			case ineligible, withheld:
				ev.Reason = res.String()
				if err != nil {
					ev.Reason = err.Error()
				}
				e.bus.Publish(eventbus.Event{Type: eventbus.Skipped, Data: ev})
			case failed:
				ev.Error = err.Error()
				log.Warn("delivery failed",
					logx.Int64("recipient", user.ID),
					logx.String("channel", ch.ID()),
					logx.Err(err),
				)
				e.bus.Publish(eventbus.Event{Type: eventbus.Failed, Data: ev})
			}
		}
	}
	return sent, nil
}

type result int

const (
	failed result = iota
	ineligible
	withheld
	delivered
)

func (r result) String() string {
	switch r {
	case ineligible:
		return "ineligible"
	case withheld:
		return "withheld"
	case delivered:
		return "delivered"
	}
	return "failed"
}

// attempt runs the capability check and the delivery for one pair,
// turning panics into errors.
func attempt(ctx context.Context, ch channel.Channel, d channel.Delivery) (res result, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = failed, fmt.Errorf("channel %s panicked: %v", ch.ID(), r)
		}
	}()
	ok, err := ch.CanSend(ctx, d.Recipient, d.Category, d.Scope)
	if err != nil {
		return failed, fmt.Errorf("can send: %w", err)
	}
	if !ok {
		return ineligible, nil
	}
	if err := ch.Deliver(ctx, d); err != nil {
		if errors.Is(err, channel.ErrNotDelivered) {
			return withheld, err
		}
		return failed, err
	}
	return delivered, nil
}

// resolveLocale prefers a language pinned in the context, then the user's
// own, then the configured default.
func (e *Engine) resolveLocale(ctx context.Context, user notice.User, extra notice.Context, cfg Config, log logx.Logger) locale.ID {
	if l := extra.Language(); l != "" {
		return locale.Normalize(l)
	}
	if e.locales == nil {
		return cfg.DefaultLocale
	}
	id, err := e.locales.Resolve(ctx, user)
	if err != nil || id == "" {
		if err != nil && !errors.Is(err, locale.ErrLocaleUnavailable) {
			log.Debug("locale lookup failed", logx.Int64("recipient", user.ID), logx.Err(err))
		}
		return cfg.DefaultLocale
	}
	return id
}

// project copies extra and swaps a translatable target for its
// locale specific form. The caller's map is never modified.
func project(extra notice.Context, loc locale.ID) notice.Context {
	out := extra.Clone()
	if t, ok := out[notice.KeyTarget].(notice.Translatable); ok && loc != "" {
		out[notice.KeyTarget] = t.InLocale(string(loc))
	}
	return out
}
