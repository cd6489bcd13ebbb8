package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"noticed/internal/catalog"
	"noticed/internal/channel"
	"noticed/internal/eventbus"
	"noticed/internal/locale"
	"noticed/internal/notice"
	"noticed/internal/preference"
	"noticed/internal/queue"
	"noticed/internal/render"
	"noticed/internal/storage"
	"noticed/pkg/logx"
)

type fakeChannel struct {
	id         string
	can        bool
	deliverErr error
	panicFor   int64
	ambient    *locale.Ambient

	mu         sync.Mutex
	canCalls   int
	deliveries []channel.Delivery
	ctxLocales []locale.ID
	ambients   []locale.ID
}

func (f *fakeChannel) ID() string                     { return f.id }
func (f *fakeChannel) Descriptor() channel.Descriptor { return channel.Descriptor{ID: f.id} }

func (f *fakeChannel) CanSend(ctx context.Context, u notice.User, c notice.Category, s notice.Scope) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canCalls++
	return f.can && c.State.Deliverable(), nil
}

func (f *fakeChannel) Deliver(ctx context.Context, d channel.Delivery) error {
	if d.Recipient.ID == f.panicFor {
		panic("channel exploded")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deliveries = append(f.deliveries, d)
	id, _ := locale.FromContext(ctx)
	f.ctxLocales = append(f.ctxLocales, id)
	if f.ambient != nil {
		f.ambients = append(f.ambients, f.ambient.Current())
	}
	return f.deliverErr
}

type list []channel.Channel

func (l list) Channels() []channel.Channel { return l }

type fixture struct {
	store storage.Store
	cat   *catalog.Catalog
	bus   *eventbus.Memory
}

func newFixture(t *testing.T, cats ...notice.Category) fixture {
	t.Helper()
	st := storage.NewMemory()
	c := catalog.New(st, logx.Nop())
	for _, cat := range cats {
		if _, _, err := c.Create(context.Background(), cat); err != nil {
			t.Fatal(err)
		}
	}
	return fixture{store: st, cat: c, bus: eventbus.New()}
}

var users = []notice.User{
	{ID: 1, Username: "ana", IsActive: true},
	{ID: 2, Username: "bo", IsActive: true},
}

func welcomeCat() notice.Category {
	return notice.Category{Label: "welcome", Display: "Welcome", PastTense: "welcomed", Default: 2}
}

func TestSendNowWelcomeScenario(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, welcomeCat())
	r := render.Func(func(ctx context.Context, ns, format string, data map[string]any) (string, error) {
		return "hello", nil
	})
	onsite := channel.NewOnSite(
		channel.Gate{Desc: channel.Descriptor{ID: "onsite", Sensitivity: 1}, Prefs: preference.NewResolver(f.store)},
		r, f.store, channel.Site{ID: 1}, channel.OnSiteConfig{SuppressionWindow: 5 * time.Minute}, logx.Nop(),
	)
	e := New(Config{DefaultLocale: "en"}, Deps{Catalog: f.cat, Channels: list{onsite}, Bus: f.bus})

	sent, err := e.SendNow(ctx, users[:1], "welcome", notice.Context{}, nil, notice.Scope{})
	if err != nil || !sent {
		t.Fatalf("SendNow = %v,%v, want true", sent, err)
	}
	rid := int64(1)
	list, _ := f.store.ListNotices(ctx, storage.NoticeQuery{RecipientID: &rid})
	if len(list) != 1 || !list[0].OnSite || !list[0].Unseen {
		t.Fatalf("notices = %+v", list)
	}

	// Same call again inside the window: nothing new, nothing sent.
	sent, err = e.SendNow(ctx, users[:1], "welcome", notice.Context{}, nil, notice.Scope{})
	if err != nil {
		t.Fatal(err)
	}
	if sent {
		t.Fatal("second SendNow reported a delivery")
	}
	if n, _ := f.store.CountNotices(ctx, storage.NoticeQuery{RecipientID: &rid}); n != 1 {
		t.Fatalf("records = %d, want 1", n)
	}
}

func TestSendNowUnknownCategoryIsFatal(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ch := &fakeChannel{id: "email", can: true}
	amb := locale.NewAmbient("en")
	e := New(Config{}, Deps{Catalog: f.cat, Channels: list{ch}, Ambient: amb})

	_, err := e.SendNow(context.Background(), users, "nope", nil, nil, notice.Scope{})
	if !errors.Is(err, notice.ErrCategoryNotFound) {
		t.Fatalf("err = %v, want ErrCategoryNotFound", err)
	}
	if ch.canCalls != 0 || len(ch.deliveries) != 0 {
		t.Fatal("channel touched after category lookup failed")
	}
	if got := amb.Current(); got != "en" {
		t.Fatalf("ambient = %q, want en", got)
	}
}

func TestSendNowUnpublishedNeverDelivers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, welcomeCat())
	for _, st := range []notice.State{notice.StateDraft, notice.StateDeleted} {
		if err := f.cat.SetState(ctx, "welcome", st); err != nil {
			t.Fatal(err)
		}
		ch := &fakeChannel{id: "email", can: true}
		e := New(Config{}, Deps{Catalog: f.cat, Channels: list{ch}})
		sent, err := e.SendNow(ctx, users, "welcome", nil, nil, notice.Scope{})
		if err != nil || sent || len(ch.deliveries) != 0 {
			t.Fatalf("state %s: sent=%v err=%v deliveries=%d", st, sent, err, len(ch.deliveries))
		}
	}
}

func TestSendNowIsolatesFailures(t *testing.T) {
	t.Parallel()
	f := newFixture(t, welcomeCat())
	exploding := &fakeChannel{id: "a", can: true, panicFor: 1}
	failing := &fakeChannel{id: "b", can: true, deliverErr: errors.New("smtp down")}
	ok := &fakeChannel{id: "c", can: true}
	events, unsub := f.bus.Subscribe(32)
	defer unsub()

	e := New(Config{}, Deps{Catalog: f.cat, Channels: list{exploding, failing, ok}, Bus: f.bus})
	sent, err := e.SendNow(context.Background(), users, "welcome", nil, nil, notice.Scope{})
	if err != nil {
		t.Fatal(err)
	}
	if !sent {
		t.Fatal("sent = false, want true")
	}
	if len(ok.deliveries) != 2 {
		t.Fatalf("healthy channel deliveries = %d, want 2", len(ok.deliveries))
	}
	if len(exploding.deliveries) != 1 || exploding.deliveries[0].Recipient.ID != 2 {
		t.Fatalf("panicking channel should still serve recipient 2, got %d deliveries", len(exploding.deliveries))
	}

	counts := map[string]int{}
	for len(events) > 0 {
		counts[(<-events).Type]++
	}
	if counts[eventbus.Failed] != 3 || counts[eventbus.Delivered] != 3 {
		t.Fatalf("events = %v, want 3 failed and 3 delivered", counts)
	}
}

func TestSendNowAllFailuresReturnFalse(t *testing.T) {
	t.Parallel()
	f := newFixture(t, welcomeCat())
	ch := &fakeChannel{id: "b", can: true, deliverErr: errors.New("down")}
	e := New(Config{}, Deps{Catalog: f.cat, Channels: list{ch}})
	sent, err := e.SendNow(context.Background(), users, "welcome", nil, nil, notice.Scope{})
	if err != nil || sent {
		t.Fatalf("SendNow = %v,%v, want false,nil", sent, err)
	}
}

func TestSendNowDisallowSkipsBeforeCanSend(t *testing.T) {
	t.Parallel()
	f := newFixture(t, welcomeCat())
	email := &fakeChannel{id: "email", can: true}
	site := &fakeChannel{id: "onsite", can: true}
	e := New(Config{}, Deps{Catalog: f.cat, Channels: list{email, site}})

	for _, v := range []any{"email", []string{"email"}, []any{"email"}, map[string]bool{"email": true}} {
		email.canCalls = 0
		_, err := e.SendNow(context.Background(), users[:1], "welcome", notice.Context{notice.KeyDisallow: v}, nil, notice.Scope{})
		if err != nil {
			t.Fatal(err)
		}
		if email.canCalls != 0 {
			t.Fatalf("disallow %T: CanSend called %d times", v, email.canCalls)
		}
	}
	if len(site.deliveries) != 4 || len(email.deliveries) != 0 {
		t.Fatalf("deliveries email=%d onsite=%d", len(email.deliveries), len(site.deliveries))
	}
}

type article struct{ lang string }

func (a article) InLocale(l string) any { return article{lang: l} }

func TestSendNowLocales(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, welcomeCat())
	_ = f.store.PutUser(ctx, users[0])
	_ = f.store.PutUser(ctx, users[1])
	_ = f.store.SetLanguage(ctx, 1, "fr")

	amb := locale.NewAmbient("en")
	ch := &fakeChannel{id: "onsite", can: true, ambient: amb}
	e := New(Config{DefaultLocale: "en"}, Deps{
		Catalog:  f.cat,
		Channels: list{ch},
		Locales:  locale.NewStoreResolver(f.store),
		Ambient:  amb,
	})

	extra := notice.Context{notice.KeyTarget: article{lang: "orig"}}
	if _, err := e.SendNow(ctx, users, "welcome", extra, nil, notice.Scope{}); err != nil {
		t.Fatal(err)
	}
	want := []locale.ID{"fr", "en"}
	for i, w := range want {
		if ch.ctxLocales[i] != w || ch.ambients[i] != w || ch.deliveries[i].Locale != w {
			t.Fatalf("recipient %d locale ctx=%q ambient=%q delivery=%q, want %q",
				i, ch.ctxLocales[i], ch.ambients[i], ch.deliveries[i].Locale, w)
		}
		if got := ch.deliveries[i].Context[notice.KeyTarget].(article).lang; got != string(w) {
			t.Fatalf("target projected to %q, want %q", got, w)
		}
	}
	if extra[notice.KeyTarget].(article).lang != "orig" {
		t.Fatal("caller context mutated")
	}
	if got := amb.Current(); got != "en" {
		t.Fatalf("ambient after SendNow = %q, want en", got)
	}

	// A pinned language wins over the stored one.
	ch.deliveries = nil
	ch.ctxLocales = nil
	_, _ = e.SendNow(ctx, users[:1], "welcome", notice.Context{notice.KeyLanguage: "de"}, nil, notice.Scope{})
	if ch.ctxLocales[0] != "de" {
		t.Fatalf("pinned locale = %q, want de", ch.ctxLocales[0])
	}
}

func TestSendNowRestoresAmbientAfterPanic(t *testing.T) {
	t.Parallel()
	f := newFixture(t, welcomeCat())
	amb := locale.NewAmbient("en")
	ch := &fakeChannel{id: "x", can: true, panicFor: 1}
	pt := locale.ResolverFunc(func(ctx context.Context, u notice.User) (locale.ID, error) { return "pt", nil })
	e := New(Config{}, Deps{Catalog: f.cat, Channels: list{ch}, Locales: pt, Ambient: amb})
	if _, err := e.SendNow(context.Background(), users[:1], "welcome", nil, nil, notice.Scope{}); err != nil {
		t.Fatal(err)
	}
	if got := amb.Current(); got != "en" {
		t.Fatalf("ambient = %q, want en", got)
	}
}

func TestSendNowCanceledContext(t *testing.T) {
	t.Parallel()
	f := newFixture(t, welcomeCat())
	ch := &fakeChannel{id: "x", can: true}
	e := New(Config{}, Deps{Catalog: f.cat, Channels: list{ch}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := e.SendNow(ctx, users, "welcome", nil, nil, notice.Scope{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if len(ch.deliveries) != 0 {
		t.Fatal("delivered after cancel")
	}
}

// trap fails the test on any store access.
type trap struct{ t *testing.T }

func (tr trap) Get(context.Context, string) (notice.Category, error) {
	tr.t.Error("catalog accessed")
	return notice.Category{}, nil
}
func (tr trap) Append(context.Context, []byte) (int64, error) {
	tr.t.Error("queue accessed")
	return 0, nil
}
func (tr trap) Claim(context.Context) (queue.Batch, error) { return queue.Batch{}, queue.ErrEmpty }
func (tr trap) Len(context.Context) (int, error)           { return 0, nil }

func TestSendQueueAndNowIsConfigurationError(t *testing.T) {
	t.Parallel()
	tr := trap{t}
	e := New(Config{}, Deps{Catalog: tr, Channels: list{}, Queue: tr})
	_, err := e.Send(context.Background(), users, "welcome", nil, nil, SendOptions{Queue: true, Now: true})
	if !errors.Is(err, notice.ErrConfiguration) {
		t.Fatalf("err = %v, want ErrConfiguration", err)
	}
}

func TestQueueWritesOneBatchWithoutChecks(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	q := queue.NewRecords(f.store)
	ch := &fakeChannel{id: "x", can: true}
	e := New(Config{}, Deps{Catalog: f.cat, Channels: list{ch}, Queue: q})

	sender := &notice.User{ID: 7}
	id, err := e.Queue(ctx, users, "does-not-exist-yet", notice.Context{"k": "v"}, sender)
	if err != nil {
		t.Fatal(err)
	}
	if id == 0 || ch.canCalls != 0 {
		t.Fatalf("id=%d canCalls=%d", id, ch.canCalls)
	}
	b, err := q.Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	tuples, err := queue.Decode(b.Payload)
	if err != nil {
		t.Fatal(err)
	}
	if len(tuples) != 2 || tuples[0].RecipientID != 1 || tuples[1].RecipientID != 2 {
		t.Fatalf("tuples = %+v", tuples)
	}
	if tuples[0].SenderID == nil || *tuples[0].SenderID != 7 || tuples[0].Context["k"] != "v" {
		t.Fatalf("tuple = %+v", tuples[0])
	}
}

func TestSendRouting(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, welcomeCat())
	q := queue.NewRecords(f.store)
	ch := &fakeChannel{id: "x", can: true}
	e := New(Config{QueueAll: true}, Deps{Catalog: f.cat, Channels: list{ch}, Queue: q})

	out, err := e.Send(ctx, users[:1], "welcome", nil, nil, SendOptions{})
	if err != nil || !out.Queued || out.BatchID == 0 {
		t.Fatalf("queue_all Send = %+v, %v", out, err)
	}
	out, err = e.Send(ctx, users[:1], "welcome", nil, nil, SendOptions{Now: true})
	if err != nil || out.Queued || !out.Sent {
		t.Fatalf("Now override = %+v, %v", out, err)
	}

	e.Apply(Config{})
	out, _ = e.Send(ctx, users[:1], "welcome", nil, nil, SendOptions{})
	if out.Queued {
		t.Fatal("default should send immediately when queue_all is off")
	}
	out, _ = e.Send(ctx, users[:1], "welcome", nil, nil, SendOptions{Queue: true})
	if !out.Queued {
		t.Fatal("Queue override ignored")
	}
	if n, _ := q.Len(ctx); n != 2 {
		t.Fatalf("queued batches = %d, want 2", n)
	}
}

func TestQueueWithoutStore(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	e := New(Config{}, Deps{Catalog: f.cat, Channels: list{}})
	if _, err := e.Queue(context.Background(), users, "welcome", nil, nil); !errors.Is(err, notice.ErrConfiguration) {
		t.Fatalf("err = %v, want ErrConfiguration", err)
	}
}
