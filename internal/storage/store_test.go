package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"noticed/internal/notice"
	logx "noticed/pkg/logx"
)

func forEachDriver(t *testing.T, fn func(t *testing.T, st Store)) {
	t.Helper()
	drivers := []struct {
		name string
		open func(t *testing.T) Store
	}{
		{name: "memory", open: func(t *testing.T) Store { return NewMemory() }},
		{name: "sqlite", open: func(t *testing.T) Store {
			st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "noticed.db")}, logx.Nop())
			if err != nil {
				t.Fatalf("open sqlite: %v", err)
			}
			return st
		}},
	}
	for _, d := range drivers {
		d := d
		t.Run(d.name, func(t *testing.T) {
			st := d.open(t)
			t.Cleanup(func() { _ = st.Close() })
			fn(t, st)
		})
	}
}

func strPtr(s string) *string { return &s }
func i64Ptr(v int64) *int64  { return &v }
func boolPtr(v bool) *bool    { return &v }

func TestCategoriesRoundTrip(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		c, err := st.InsertCategory(ctx, notice.Category{Label: "welcome", Display: "Welcome", Default: 2, State: notice.StatePublished})
		if err != nil {
			t.Fatalf("InsertCategory: %v", err)
		}
		if c.ID == 0 {
			t.Fatal("expected assigned id")
		}
		if _, err := st.InsertCategory(ctx, notice.Category{Label: "welcome"}); err == nil {
			t.Fatal("expected duplicate label error")
		}
		c.State = notice.StateDraft
		if err := st.UpdateCategory(ctx, c); err != nil {
			t.Fatalf("UpdateCategory: %v", err)
		}
		got, err := st.CategoryByLabel(ctx, "welcome")
		if err != nil {
			t.Fatalf("CategoryByLabel: %v", err)
		}
		if got != c {
			t.Fatalf("CategoryByLabel = %+v, want %+v", got, c)
		}
		if _, err := st.CategoryByLabel(ctx, "missing"); !errors.Is(err, notice.ErrCategoryNotFound) {
			t.Fatalf("missing label err = %v", err)
		}
	})
}

func TestPreferencesKeyedByScope(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		group := notice.Scope{Kind: "group", ID: 3}
		if err := st.PutPreference(ctx, notice.Preference{UserID: 1, CategoryID: 2, Channel: "email", Send: false}); err != nil {
			t.Fatal(err)
		}
		if err := st.PutPreference(ctx, notice.Preference{UserID: 1, CategoryID: 2, Channel: "email", Scope: group, Send: true}); err != nil {
			t.Fatal(err)
		}
		// Upsert keeps one row per key.
		if err := st.PutPreference(ctx, notice.Preference{UserID: 1, CategoryID: 2, Channel: "email", Scope: group, Send: true}); err != nil {
			t.Fatal(err)
		}

		p, ok, err := st.GetPreference(ctx, 1, 2, "email", group)
		if err != nil || !ok || !p.Send {
			t.Fatalf("scoped preference = %+v ok=%v err=%v", p, ok, err)
		}
		p, ok, err = st.GetPreference(ctx, 1, 2, "email", notice.Scope{})
		if err != nil || !ok || p.Send {
			t.Fatalf("unscoped preference = %+v ok=%v err=%v", p, ok, err)
		}
		if _, ok, _ := st.GetPreference(ctx, 1, 2, "onsite", notice.Scope{}); ok {
			t.Fatal("unexpected row for another channel")
		}
		all, err := st.PreferencesForUser(ctx, 1)
		if err != nil || len(all) != 2 {
			t.Fatalf("PreferencesForUser = %v, %v", all, err)
		}
	})
}

func TestCreateNoticeUnlessRecent(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		now := time.Now()
		base := notice.Notice{
			RecipientID: 1, SenderID: i64Ptr(2), CategoryID: 3, Message: "hi",
			Unseen: true, OnSite: true, TargetURL: strPtr("/t/1"), SiteID: 1,
		}

		first, ok, err := st.CreateNoticeUnlessRecent(ctx, base, 5*time.Minute, now)
		if err != nil || !ok {
			t.Fatalf("first insert ok=%v err=%v", ok, err)
		}
		if _, ok, _ := st.CreateNoticeUnlessRecent(ctx, base, 5*time.Minute, now.Add(time.Minute)); ok {
			t.Fatal("duplicate inside the window was created")
		}

		other := base
		other.TargetURL = strPtr("/t/2")
		if _, ok, _ := st.CreateNoticeUnlessRecent(ctx, other, 5*time.Minute, now.Add(time.Minute)); !ok {
			t.Fatal("different target should not be suppressed")
		}

		later, ok, err := st.CreateNoticeUnlessRecent(ctx, base, 5*time.Minute, now.Add(6*time.Minute))
		if err != nil || !ok {
			t.Fatalf("insert after window ok=%v err=%v", ok, err)
		}
		latest, ok, err := st.LatestNotice(ctx, base.Key())
		if err != nil || !ok || latest.ID != later.ID {
			t.Fatalf("LatestNotice = %+v ok=%v err=%v, want id %d", latest, ok, err, later.ID)
		}
		if latest.ID == first.ID {
			t.Fatal("latest should be the newer record")
		}

		// Zero window: any existing identical record suppresses.
		if _, ok, _ := st.CreateNoticeUnlessRecent(ctx, base, 0, now.Add(24*time.Hour)); ok {
			t.Fatal("exact-match suppression failed")
		}
	})
}

func TestCreateNoticeWithoutSender(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		now := time.Now()
		n := notice.Notice{RecipientID: 1, CategoryID: 3, Message: "hi", Unseen: true, OnSite: true, SiteID: 1}
		if _, ok, err := st.CreateNoticeUnlessRecent(ctx, n, time.Minute, now); err != nil || !ok {
			t.Fatalf("insert ok=%v err=%v", ok, err)
		}
		if _, ok, _ := st.CreateNoticeUnlessRecent(ctx, n, time.Minute, now); ok {
			t.Fatal("nil sender/target duplicate was created")
		}
	})
}

func TestNoticeFlagsAndQueries(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		now := time.Now()
		a, _, _ := st.CreateNoticeUnlessRecent(ctx, notice.Notice{RecipientID: 1, CategoryID: 1, Message: "a", Unseen: true, OnSite: true, SiteID: 1}, 0, now)
		b, _, _ := st.CreateNoticeUnlessRecent(ctx, notice.Notice{RecipientID: 1, CategoryID: 2, Message: "b", Unseen: true, OnSite: true, SiteID: 1, SenderID: i64Ptr(9)}, 0, now.Add(time.Second))
		_, _, _ = st.CreateNoticeUnlessRecent(ctx, notice.Notice{RecipientID: 2, CategoryID: 1, Message: "c", Unseen: true, OnSite: true, SiteID: 1}, 0, now)

		was, err := st.MarkNoticeSeen(ctx, a.ID)
		if err != nil || !was {
			t.Fatalf("first MarkNoticeSeen = %v, %v", was, err)
		}
		was, err = st.MarkNoticeSeen(ctx, a.ID)
		if err != nil || was {
			t.Fatalf("second MarkNoticeSeen = %v, %v", was, err)
		}
		if _, err := st.MarkNoticeSeen(ctx, 9999); !errors.Is(err, notice.ErrNoticeNotFound) {
			t.Fatalf("missing notice err = %v", err)
		}
		if err := st.ArchiveNotice(ctx, b.ID); err != nil {
			t.Fatal(err)
		}

		list, err := st.ListNotices(ctx, NoticeQuery{RecipientID: i64Ptr(1), SiteID: 1})
		if err != nil || len(list) != 2 || list[0].ID != b.ID {
			t.Fatalf("ListNotices newest-first = %+v, %v", list, err)
		}
		n, err := st.CountNotices(ctx, NoticeQuery{RecipientID: i64Ptr(1), Unseen: boolPtr(true), Archived: boolPtr(false)})
		if err != nil || n != 0 {
			t.Fatalf("unseen unarchived count = %d, %v", n, err)
		}
		sent, err := st.ListNotices(ctx, NoticeQuery{SenderID: i64Ptr(9)})
		if err != nil || len(sent) != 1 || sent[0].ID != b.ID {
			t.Fatalf("sent = %+v, %v", sent, err)
		}
		got, err := st.GetNotice(ctx, b.ID)
		if err != nil || !got.Archived || got.SenderID == nil || *got.SenderID != 9 {
			t.Fatalf("GetNotice = %+v, %v", got, err)
		}
	})
}

func TestBatchesFIFO(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		if _, ok, err := st.ClaimBatch(ctx); ok || err != nil {
			t.Fatalf("empty claim ok=%v err=%v", ok, err)
		}
		id1, _ := st.AppendBatch(ctx, []byte("one"))
		_, _ = st.AppendBatch(ctx, []byte("two"))
		if n, _ := st.CountBatches(ctx); n != 2 {
			t.Fatalf("CountBatches = %d, want 2", n)
		}
		b, ok, err := st.ClaimBatch(ctx)
		if err != nil || !ok || b.ID != id1 || string(b.Payload) != "one" {
			t.Fatalf("ClaimBatch = %+v ok=%v err=%v", b, ok, err)
		}
		if n, _ := st.CountBatches(ctx); n != 1 {
			t.Fatalf("CountBatches after claim = %d, want 1", n)
		}
	})
}

func TestUsersAndLanguage(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		u := notice.User{ID: 5, Username: "ann", FullName: "Ann Example", Email: "Ann@Example.com", IsActive: true, URL: "/u/ann"}
		if err := st.PutUser(ctx, u); err != nil {
			t.Fatal(err)
		}
		got, err := st.UserByEmail(ctx, "ann@example.com")
		if err != nil || got != u {
			t.Fatalf("UserByEmail = %+v, %v", got, err)
		}
		if _, ok, _ := st.Language(ctx, 5); ok {
			t.Fatal("language should be unset")
		}
		if err := st.SetLanguage(ctx, 5, "de"); err != nil {
			t.Fatal(err)
		}
		if l, ok, _ := st.Language(ctx, 5); !ok || l != "de" {
			t.Fatalf("Language = %q ok=%v", l, ok)
		}
		if _, err := st.User(ctx, 404); !errors.Is(err, notice.ErrUserNotFound) {
			t.Fatalf("missing user err = %v", err)
		}
		if err := st.SetLanguage(ctx, 404, "de"); !errors.Is(err, notice.ErrUserNotFound) {
			t.Fatalf("SetLanguage missing user err = %v", err)
		}
	})
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}
