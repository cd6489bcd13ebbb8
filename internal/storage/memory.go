package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"noticed/internal/notice"
)

type prefKey struct {
	user     int64
	category int64
	channel  string
	scope    notice.Scope
}

// memoryStore keeps everything in maps behind one mutex.
type memoryStore struct {
	mu sync.Mutex

	seq int64

	categories map[int64]notice.Category
	prefs      map[prefKey]notice.Preference
	notices    map[int64]notice.Notice
	lastSeen   map[int64]notice.LastSeen
	batches    []Batch
	users      map[int64]notice.User
	languages  map[int64]string
}

// NewMemory returns an empty process-local store.
func NewMemory() Store {
	return &memoryStore{
		categories: map[int64]notice.Category{},
		prefs:      map[prefKey]notice.Preference{},
		notices:    map[int64]notice.Notice{},
		lastSeen:   map[int64]notice.LastSeen{},
		users:      map[int64]notice.User{},
		languages:  map[int64]string{},
	}
}

func (s *memoryStore) nextID() int64 {
	s.seq++
	return s.seq
}

func (s *memoryStore) Close() error { return nil }

func (s *memoryStore) CategoryByLabel(ctx context.Context, label string) (notice.Category, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.categories {
		if c.Label == label {
			return c, nil
		}
	}
	return notice.Category{}, notice.ErrCategoryNotFound
}

func (s *memoryStore) ListCategories(ctx context.Context) ([]notice.Category, error) {
	_ = ctx
	s.mu.Lock()
	out := make([]notice.Category, 0, len(s.categories))
	for _, c := range s.categories {
		out = append(out, c)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Label < out[j].Label })
	return out, nil
}

func (s *memoryStore) InsertCategory(ctx context.Context, c notice.Category) (notice.Category, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cur := range s.categories {
		if cur.Label == c.Label {
			return notice.Category{}, errDuplicateLabel(c.Label)
		}
	}
	c.ID = s.nextID()
	s.categories[c.ID] = c
	return c, nil
}

func (s *memoryStore) UpdateCategory(ctx context.Context, c notice.Category) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.categories[c.ID]; !ok {
		return notice.ErrCategoryNotFound
	}
	s.categories[c.ID] = c
	return nil
}

func (s *memoryStore) GetPreference(ctx context.Context, userID, categoryID int64, channel string, scope notice.Scope) (notice.Preference, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.prefs[prefKey{userID, categoryID, channel, scope}]
	return p, ok, nil
}

func (s *memoryStore) PutPreference(ctx context.Context, p notice.Preference) error {
	_ = ctx
	s.mu.Lock()
	s.prefs[prefKey{p.UserID, p.CategoryID, p.Channel, p.Scope}] = p
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) PreferencesForUser(ctx context.Context, userID int64) ([]notice.Preference, error) {
	_ = ctx
	s.mu.Lock()
	var out []notice.Preference
	for k, p := range s.prefs {
		if k.user == userID {
			out = append(out, p)
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CategoryID != out[j].CategoryID {
			return out[i].CategoryID < out[j].CategoryID
		}
		if out[i].Channel != out[j].Channel {
			return out[i].Channel < out[j].Channel
		}
		return out[i].Scope.String() < out[j].Scope.String()
	})
	return out, nil
}

func (s *memoryStore) latestLocked(key notice.Key) (notice.Notice, bool) {
	var (
		best  notice.Notice
		found bool
	)
	for _, n := range s.notices {
		if !n.OnSite || n.Key() != key {
			continue
		}
		if !found || n.AddedAt.After(best.AddedAt) || (n.AddedAt.Equal(best.AddedAt) && n.ID > best.ID) {
			best, found = n, true
		}
	}
	return best, found
}

func (s *memoryStore) CreateNoticeUnlessRecent(ctx context.Context, n notice.Notice, window time.Duration, now time.Time) (notice.Notice, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.latestLocked(n.Key()); ok {
		if window <= 0 || prev.AddedAt.After(now.Add(-window)) {
			return notice.Notice{}, false, nil
		}
	}
	n.ID = s.nextID()
	if n.AddedAt.IsZero() {
		n.AddedAt = now
	}
	s.notices[n.ID] = n
	return n, true, nil
}

func (s *memoryStore) LatestNotice(ctx context.Context, key notice.Key) (notice.Notice, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.latestLocked(key)
	return n, ok, nil
}

func (s *memoryStore) GetNotice(ctx context.Context, id int64) (notice.Notice, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notices[id]
	if !ok {
		return notice.Notice{}, notice.ErrNoticeNotFound
	}
	return n, nil
}

func matchNotice(n notice.Notice, q NoticeQuery) bool {
	if q.RecipientID != nil && n.RecipientID != *q.RecipientID {
		return false
	}
	if q.SenderID != nil && (n.SenderID == nil || *n.SenderID != *q.SenderID) {
		return false
	}
	if q.SiteID != 0 && n.SiteID != q.SiteID {
		return false
	}
	if q.Archived != nil && n.Archived != *q.Archived {
		return false
	}
	if q.Unseen != nil && n.Unseen != *q.Unseen {
		return false
	}
	if q.OnSite != nil && n.OnSite != *q.OnSite {
		return false
	}
	return true
}

func (s *memoryStore) ListNotices(ctx context.Context, q NoticeQuery) ([]notice.Notice, error) {
	_ = ctx
	s.mu.Lock()
	var out []notice.Notice
	for _, n := range s.notices {
		if matchNotice(n, q) {
			out = append(out, n)
		}
	}
	s.mu.Unlock()
	// Newest first.
	sort.Slice(out, func(i, j int) bool {
		if !out[i].AddedAt.Equal(out[j].AddedAt) {
			return out[i].AddedAt.After(out[j].AddedAt)
		}
		return out[i].ID > out[j].ID
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *memoryStore) CountNotices(ctx context.Context, q NoticeQuery) (int, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, rec := range s.notices {
		if matchNotice(rec, q) {
			n++
		}
	}
	return n, nil
}

func (s *memoryStore) ArchiveNotice(ctx context.Context, id int64) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notices[id]
	if !ok {
		return notice.ErrNoticeNotFound
	}
	n.Archived = true
	s.notices[id] = n
	return nil
}

func (s *memoryStore) MarkNoticeSeen(ctx context.Context, id int64) (bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notices[id]
	if !ok {
		return false, notice.ErrNoticeNotFound
	}
	was := n.Unseen
	n.Unseen = false
	s.notices[id] = n
	return was, nil
}

func (s *memoryStore) PutLastSeen(ctx context.Context, ls notice.LastSeen) error {
	_ = ctx
	s.mu.Lock()
	s.lastSeen[ls.RecipientID] = ls
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) GetLastSeen(ctx context.Context, recipientID int64) (notice.LastSeen, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	ls, ok := s.lastSeen[recipientID]
	return ls, ok, nil
}

func (s *memoryStore) AppendBatch(ctx context.Context, payload []byte) (int64, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	b := Batch{ID: s.nextID(), Payload: append([]byte(nil), payload...), CreatedAt: time.Now()}
	s.batches = append(s.batches, b)
	return b.ID, nil
}

func (s *memoryStore) ClaimBatch(ctx context.Context) (Batch, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.batches) == 0 {
		return Batch{}, false, nil
	}
	b := s.batches[0]
	s.batches[0] = Batch{}
	s.batches = s.batches[1:]
	return b, true, nil
}

func (s *memoryStore) CountBatches(ctx context.Context) (int, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches), nil
}

func (s *memoryStore) PutUser(ctx context.Context, u notice.User) error {
	_ = ctx
	s.mu.Lock()
	s.users[u.ID] = u
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) User(ctx context.Context, id int64) (notice.User, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return notice.User{}, notice.ErrUserNotFound
	}
	return u, nil
}

func (s *memoryStore) UserByEmail(ctx context.Context, email string) (notice.User, error) {
	_ = ctx
	email = strings.TrimSpace(email)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if strings.EqualFold(u.Email, email) {
			return u, nil
		}
	}
	return notice.User{}, notice.ErrUserNotFound
}

func (s *memoryStore) SetLanguage(ctx context.Context, userID int64, lang string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[userID]; !ok {
		return notice.ErrUserNotFound
	}
	s.languages[userID] = lang
	return nil
}

func (s *memoryStore) Language(ctx context.Context, userID int64) (string, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.languages[userID]
	return l, ok && l != "", nil
}
