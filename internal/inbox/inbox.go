// Package inbox is the read side of on-site notices: listing, unseen
// counts, archiving and seen tracking.
package inbox

import (
	"context"
	"time"

	"noticed/internal/notice"
	"noticed/internal/storage"
)

// Filter narrows NoticesFor. Archived notices are hidden unless
// IncludeArchived is set.
type Filter struct {
	IncludeArchived bool
	Unseen          *bool
	OnSite          *bool
	// Sent lists notices the user sent instead of received.
	Sent  bool
	Limit int
}

type Inbox struct {
	store  storage.NoticeStore
	siteID int64
	now    func() time.Time
}

// New scopes every query to siteID (0 means all sites).
func New(store storage.NoticeStore, siteID int64) *Inbox {
	return &Inbox{store: store, siteID: siteID, now: time.Now}
}

func (b *Inbox) query(userID int64, f Filter) storage.NoticeQuery {
	q := storage.NoticeQuery{SiteID: b.siteID, Unseen: f.Unseen, OnSite: f.OnSite, Limit: f.Limit}
	id := userID
	if f.Sent {
		q.SenderID = &id
	} else {
		q.RecipientID = &id
	}
	if !f.IncludeArchived {
		no := false
		q.Archived = &no
	}
	return q
}

// NoticesFor returns matching notices, newest first.
func (b *Inbox) NoticesFor(ctx context.Context, userID int64, f Filter) ([]notice.Notice, error) {
	return b.store.ListNotices(ctx, b.query(userID, f))
}

func (b *Inbox) Received(ctx context.Context, userID int64) ([]notice.Notice, error) {
	return b.NoticesFor(ctx, userID, Filter{})
}

func (b *Inbox) Sent(ctx context.Context, userID int64) ([]notice.Notice, error) {
	return b.NoticesFor(ctx, userID, Filter{Sent: true})
}

func (b *Inbox) UnseenCount(ctx context.Context, userID int64) (int, error) {
	yes := true
	return b.store.CountNotices(ctx, b.query(userID, Filter{Unseen: &yes}))
}

func (b *Inbox) Archive(ctx context.Context, id int64) error {
	return b.store.ArchiveNotice(ctx, id)
}

// IsUnseen reports whether the notice was unseen and marks it seen.
// A second call returns false.
func (b *Inbox) IsUnseen(ctx context.Context, id int64) (bool, error) {
	return b.store.MarkNoticeSeen(ctx, id)
}

// MarkAllSeen marks every unseen notice of the user as seen and records the
// newest one as the user's last seen notice. It returns how many flipped.
func (b *Inbox) MarkAllSeen(ctx context.Context, userID int64) (int, error) {
	yes := true
	list, err := b.store.ListNotices(ctx, b.query(userID, Filter{Unseen: &yes, IncludeArchived: true}))
	if err != nil {
		return 0, err
	}
	n := 0
	for _, rec := range list {
		flipped, err := b.store.MarkNoticeSeen(ctx, rec.ID)
		if err != nil {
			return n, err
		}
		if flipped {
			n++
		}
	}
	if len(list) > 0 {
		err = b.store.PutLastSeen(ctx, notice.LastSeen{RecipientID: userID, NoticeID: list[0].ID, SeenAt: b.now()})
	}
	return n, err
}

// LastSeen returns the newest notice the user acknowledged through MarkAllSeen.
func (b *Inbox) LastSeen(ctx context.Context, userID int64) (notice.LastSeen, bool, error) {
	return b.store.GetLastSeen(ctx, userID)
}
