package channel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"noticed/internal/notice"
	"noticed/internal/render"
	"noticed/internal/storage"
	"noticed/pkg/logx"
)

type OnSiteConfig struct {
	// SuppressionWindow is the minimum gap between identical on-site notices.
	// Zero suppresses any identical notice regardless of age.
	SuppressionWindow time.Duration
}

// OnSite stores a notice record the user sees in their feed.
type OnSite struct {
	Gate
	render render.Renderer
	store  storage.NoticeStore
	site   Site
	log    logx.Logger
	now    func() time.Time

	mu  sync.RWMutex
	cfg OnSiteConfig
}

func NewOnSite(g Gate, r render.Renderer, store storage.NoticeStore, site Site, cfg OnSiteConfig, log logx.Logger) *OnSite {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &OnSite{
		Gate:   g,
		render: r,
		store:  store,
		site:   site,
		cfg:    cfg,
		now:    time.Now,
		log:    log.With(logx.String("channel", g.Desc.ID)),
	}
}

func (o *OnSite) Apply(cfg OnSiteConfig) {
	o.mu.Lock()
	o.cfg = cfg
	o.mu.Unlock()
}

func (o *OnSite) window() time.Duration {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.cfg.SuppressionWindow
}

func (o *OnSite) Deliver(ctx context.Context, d Delivery) error {
	if !d.Recipient.IsActive {
		return fmt.Errorf("%w: recipient %d inactive", ErrNotDelivered, d.Recipient.ID)
	}

	sender, target := linkTarget(d)
	data := templateData(d, o.site)

	msg, err := renderNotice(ctx, o.render, d, "full.html", data)
	if err != nil {
		return err
	}

	now := o.now()
	n := notice.Notice{
		RecipientID: d.Recipient.ID,
		SenderID:    notice.UserID(sender),
		CategoryID:  d.Category.ID,
		Message:     msg,
		AddedAt:     now,
		Unseen:      true,
		OnSite:      true,
		SiteID:      o.site.ID,
	}
	if target != "" {
		n.TargetURL = &target
	}

	created, ok, err := o.store.CreateNoticeUnlessRecent(ctx, n, o.window(), now)
	if err != nil {
		return err
	}
	if !ok {
		o.log.Debug("duplicate notice suppressed",
			logx.Int64("recipient", d.Recipient.ID),
			logx.String("label", d.Category.Label),
			logx.String("target_url", target),
		)
		return fmt.Errorf("%w: duplicate within suppression window", ErrNotDelivered)
	}
	o.log.Debug("notice stored", logx.Int64("notice_id", created.ID), logx.Int64("recipient", d.Recipient.ID))
	return nil
}

// linkTarget picks the effective sender and the url the notice links to.
//
// A message in the context wins for both. Otherwise the target entity's url is
// used unless the recipient is the target, in which case (and when there is no
// target) the sender's profile url is used.
func linkTarget(d Delivery) (*notice.User, string) {
	sender := d.Sender
	if m, ok := d.Context.Message(); ok {
		if from := m.From(); from != nil {
			sender = from
		}
		return sender, m.AbsoluteURL()
	}
	senderURL := ""
	if sender != nil {
		senderURL = sender.AbsoluteURL()
	}
	target, ok := d.Context.Target()
	if !ok || notice.IsEntity(target, d.Recipient.Ref()) {
		return sender, senderURL
	}
	if l, ok := target.(notice.Linked); ok {
		if u := l.AbsoluteURL(); u != "" {
			return sender, u
		}
	}
	return sender, senderURL
}
