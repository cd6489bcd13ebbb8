package storage

import (
	"context"
	"errors"
	"time"

	"noticed/internal/notice"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "memory": process-local maps (tests, single-shot tooling)
//   - "sqlite": SQLite database file
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// NoticeQuery filters notice listings. Nil pointers mean "any".
type NoticeQuery struct {
	RecipientID *int64
	SenderID    *int64
	SiteID      int64
	Archived    *bool
	Unseen      *bool
	OnSite      *bool
	Limit       int
}

// Batch is one queued dispatch payload.
type Batch struct {
	ID        int64
	Payload   []byte
	CreatedAt time.Time
}

type CategoryStore interface {
	CategoryByLabel(ctx context.Context, label string) (notice.Category, error)
	ListCategories(ctx context.Context) ([]notice.Category, error)
	InsertCategory(ctx context.Context, c notice.Category) (notice.Category, error)
	UpdateCategory(ctx context.Context, c notice.Category) error
}

type PreferenceStore interface {
	// GetPreference returns ok=false when no explicit row exists for the exact key.
	GetPreference(ctx context.Context, userID, categoryID int64, channel string, scope notice.Scope) (p notice.Preference, ok bool, err error)
	PutPreference(ctx context.Context, p notice.Preference) error
	PreferencesForUser(ctx context.Context, userID int64) ([]notice.Preference, error)
}

type NoticeStore interface {
	// CreateNoticeUnlessRecent inserts n unless an on-site notice with the same Key
	// was added after now-window. A zero window suppresses on any existing match.
	// The check and the insert are atomic with respect to other calls on the same store.
	CreateNoticeUnlessRecent(ctx context.Context, n notice.Notice, window time.Duration, now time.Time) (created notice.Notice, ok bool, err error)
	// LatestNotice returns the most recent on-site notice for key.
	LatestNotice(ctx context.Context, key notice.Key) (notice.Notice, bool, error)
	GetNotice(ctx context.Context, id int64) (notice.Notice, error)
	ListNotices(ctx context.Context, q NoticeQuery) ([]notice.Notice, error)
	CountNotices(ctx context.Context, q NoticeQuery) (int, error)
	ArchiveNotice(ctx context.Context, id int64) error
	// MarkNoticeSeen clears the unseen flag and reports whether it was set.
	MarkNoticeSeen(ctx context.Context, id int64) (wasUnseen bool, err error)
	PutLastSeen(ctx context.Context, ls notice.LastSeen) error
	GetLastSeen(ctx context.Context, recipientID int64) (notice.LastSeen, bool, error)
}

type BatchStore interface {
	AppendBatch(ctx context.Context, payload []byte) (int64, error)
	// ClaimBatch removes and returns the oldest batch; ok=false when none is queued.
	ClaimBatch(ctx context.Context) (b Batch, ok bool, err error)
	CountBatches(ctx context.Context) (int, error)
}

type UserStore interface {
	PutUser(ctx context.Context, u notice.User) error
	User(ctx context.Context, id int64) (notice.User, error)
	UserByEmail(ctx context.Context, email string) (notice.User, error)
	SetLanguage(ctx context.Context, userID int64, lang string) error
	Language(ctx context.Context, userID int64) (string, bool, error)
}

// Store is the full persistence API used by the dispatcher.
type Store interface {
	CategoryStore
	PreferenceStore
	NoticeStore
	BatchStore
	UserStore
	Close() error
}
