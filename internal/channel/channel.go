// Package channel implements the delivery channels (email, on-site, Telegram)
// behind one capability interface, plus the ordered registry the dispatcher walks.
package channel

import (
	"context"
	"errors"
	"fmt"

	"noticed/internal/locale"
	"noticed/internal/notice"
	"noticed/internal/render"
)

// ErrNotDelivered reports a Deliver call that did nothing on purpose
// (suppressed duplicate, inactive recipient). It is not a failure.
var ErrNotDelivered = errors.New("notice not delivered")

// Descriptor is the channel id plus its spam sensitivity.
type Descriptor = notice.Medium

// Delivery is everything a channel needs to deliver one notice to one recipient.
type Delivery struct {
	Recipient notice.User
	Sender    *notice.User
	Category  notice.Category
	// Context is already projected for Locale; channels may read but not mutate it.
	Context notice.Context
	Locale  locale.ID
	Scope   notice.Scope
}

type Channel interface {
	ID() string
	Descriptor() Descriptor
	CanSend(ctx context.Context, user notice.User, cat notice.Category, scope notice.Scope) (bool, error)
	Deliver(ctx context.Context, d Delivery) error
}

// PreferenceResolver is the subset of preference.Resolver the gate needs.
type PreferenceResolver interface {
	Resolve(ctx context.Context, user notice.User, cat notice.Category, m notice.Medium, scope notice.Scope) (bool, error)
}

// Gate is the capability check shared by every channel: the category must
// be published and the recipient's effective preference must be "send".
// The preference default already encodes the sensitivity comparison.
type Gate struct {
	Desc  Descriptor
	Prefs PreferenceResolver
}

func (g Gate) ID() string             { return g.Desc.ID }
func (g Gate) Descriptor() Descriptor { return g.Desc }

func (g Gate) CanSend(ctx context.Context, user notice.User, cat notice.Category, scope notice.Scope) (bool, error) {
	if !cat.State.Deliverable() {
		return false, nil
	}
	if g.Prefs == nil {
		return g.Desc.DefaultSend(cat), nil
	}
	return g.Prefs.Resolve(ctx, user, cat, g.Desc, scope)
}

// Site describes the deployment the notices link back to.
type Site struct {
	ID       int64
	Name     string
	Domain   string
	Protocol string // "https" when empty
}

func (s Site) BaseURL() string {
	if s.Domain == "" {
		return ""
	}
	p := s.Protocol
	if p == "" {
		p = "https"
	}
	return p + "://" + s.Domain
}

// templateData merges the caller context with the keys every template can rely on.
// sender and target_url come from linkTarget.
func templateData(d Delivery, site Site) map[string]any {
	data := make(map[string]any, len(d.Context)+10)
	for k, v := range d.Context {
		data[k] = v
	}
	sender, target := linkTarget(d)
	data["recipient"] = d.Recipient
	if sender != nil {
		data["sender"] = *sender
	} else {
		data["sender"] = nil
	}
	data["target_url"] = target
	data["notice"] = d.Category.PastTense
	data["category"] = d.Category
	data["current_site"] = site
	data["base_url"] = site.BaseURL()
	data["default_http_protocol"] = site.Protocol
	data["locale"] = string(d.Locale)
	return data
}

// renderNotice renders format under the context's app label, falling back to
// the category label when the override has no such template.
func renderNotice(ctx context.Context, r render.Renderer, d Delivery, format string, data map[string]any) (string, error) {
	label := d.Category.Label
	if ns := d.Context.AppLabel(); ns != "" && ns != label {
		out, err := r.Render(ctx, ns, format, data)
		if !errors.Is(err, render.ErrTemplateNotFound) {
			return out, err
		}
	}
	out, err := r.Render(ctx, label, format, data)
	if err != nil {
		return "", fmt.Errorf("%s/%s: %w", label, format, err)
	}
	return out, nil
}
