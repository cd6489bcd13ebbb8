package channel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"noticed/internal/notice"
	"noticed/internal/preference"
	"noticed/internal/render"
	"noticed/internal/storage"
	mailx "noticed/internal/transport/mail"
)

// echoRenderer renders "<namespace>/<format>:<message or notice>" and reports
// ErrTemplateNotFound for namespaces listed in missing.
func echoRenderer(missing ...string) render.Renderer {
	return render.Func(func(ctx context.Context, ns, format string, data map[string]any) (string, error) {
		for _, m := range missing {
			if ns == m {
				return "", render.ErrTemplateNotFound
			}
		}
		if msg, ok := data["message"].(string); ok {
			return ns + "/" + format + ":" + msg, nil
		}
		return fmt.Sprintf("%s/%s:%v", ns, format, data["notice"]), nil
	})
}

type mailbox struct {
	mu   sync.Mutex
	sent []mailx.Message
	err  error
}

func (m *mailbox) Send(ctx context.Context, msg mailx.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, msg)
	return nil
}

func welcome() notice.Category {
	return notice.Category{ID: 1, Label: "welcome", PastTense: "welcomed", Default: 2, State: notice.StatePublished}
}

func TestGateUnpublishedNeverSends(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory()
	prefs := preference.NewResolver(st)
	user := notice.User{ID: 1, Email: "a@x.io", ChatID: 9, IsActive: true}
	_ = prefs.Set(ctx, notice.Preference{UserID: 1, CategoryID: 1, Channel: "email", Send: true})

	chans := []Channel{
		NewEmail(Gate{Desc: Descriptor{ID: "email", Sensitivity: 0}, Prefs: prefs}, echoRenderer(), &mailbox{}, Site{}, EmailConfig{}, noLog),
		NewOnSite(Gate{Desc: Descriptor{ID: "onsite", Sensitivity: 0}, Prefs: prefs}, echoRenderer(), st, Site{}, OnSiteConfig{}, noLog),
		NewTelegram(Gate{Desc: Descriptor{ID: "telegram", Sensitivity: 0}, Prefs: prefs}, echoRenderer(), nil, Site{}),
	}
	for _, state := range []notice.State{notice.StateDeleted, notice.StateDraft} {
		cat := welcome()
		cat.State = state
		cat.Default = 5
		for _, c := range chans {
			ok, err := c.CanSend(ctx, user, cat, notice.Scope{})
			if err != nil {
				t.Fatal(err)
			}
			if ok {
				t.Fatalf("%s CanSend(state=%s) = true, want false", c.ID(), state)
			}
		}
	}
	cat := welcome()
	cat.State = notice.StatePublishedStaffOnly
	if ok, _ := chans[1].CanSend(ctx, user, cat, notice.Scope{}); !ok {
		t.Fatal("staff-only categories are still published")
	}
}

func TestGateDefaultRule(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	prefs := preference.NewResolver(storage.NewMemory())
	user := notice.User{ID: 3}
	for def := 0; def <= 3; def++ {
		for sens := 0; sens <= 3; sens++ {
			g := Gate{Desc: Descriptor{ID: "onsite", Sensitivity: sens}, Prefs: prefs}
			cat := notice.Category{ID: 2, Label: "c", Default: def, State: notice.StatePublished}
			got, err := g.CanSend(ctx, user, cat, notice.Scope{})
			if err != nil {
				t.Fatal(err)
			}
			if want := def >= sens; got != want {
				t.Fatalf("CanSend(default=%d, sensitivity=%d) = %v, want %v", def, sens, got, want)
			}
		}
	}
}

type profile struct {
	id  int64
	url string
}

func (p profile) Ref() notice.EntityRef { return notice.EntityRef{Kind: "profile", ID: p.id} }
func (p profile) AbsoluteURL() string   { return p.url }

type pm struct {
	url  string
	from *notice.User
}

func (m pm) AbsoluteURL() string { return m.url }
func (m pm) From() *notice.User  { return m.from }

func TestLinkTarget(t *testing.T) {
	t.Parallel()
	rec := notice.User{ID: 1, URL: "/u/1"}
	snd := &notice.User{ID: 2, URL: "/u/2"}
	author := &notice.User{ID: 5, URL: "/u/5"}

	cases := []struct {
		name       string
		sender     *notice.User
		ctx        notice.Context
		wantURL    string
		wantSender int64
	}{
		{"message wins", snd, notice.Context{notice.KeyMessage: pm{url: "/pm/9", from: author}, notice.KeyTarget: profile{7, "/p/7"}}, "/pm/9", 5},
		{"message without author keeps sender", snd, notice.Context{notice.KeyMessage: pm{url: "/pm/9"}}, "/pm/9", 2},
		{"target url", snd, notice.Context{notice.KeyTarget: profile{7, "/p/7"}}, "/p/7", 2},
		{"recipient is target", snd, notice.Context{notice.KeyTarget: rec}, "/u/2", 2},
		{"no target", snd, notice.Context{}, "/u/2", 2},
		{"unlinked target", snd, notice.Context{notice.KeyTarget: 42}, "/u/2", 2},
		{"no sender", nil, notice.Context{}, "", 0},
		{"nil message pointer", snd, notice.Context{notice.KeyMessage: (*pm)(nil), notice.KeyTarget: profile{7, "/p/7"}}, "/p/7", 2},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			sender, url := linkTarget(Delivery{Recipient: rec, Sender: tc.sender, Context: tc.ctx})
			if url != tc.wantURL {
				t.Fatalf("url = %q, want %q", url, tc.wantURL)
			}
			var got int64
			if sender != nil {
				got = sender.ID
			}
			if got != tc.wantSender {
				t.Fatalf("sender = %d, want %d", got, tc.wantSender)
			}
		})
	}
}

func TestRenderNoticeAppLabelFallback(t *testing.T) {
	t.Parallel()
	d := Delivery{Category: welcome(), Context: notice.Context{notice.KeyAppLabel: "accounts"}}
	got, err := renderNotice(context.Background(), echoRenderer("accounts"), d, "short.txt", map[string]any{"notice": "x"})
	if err != nil {
		t.Fatal(err)
	}
	if got != "welcome/short.txt:x" {
		t.Fatalf("render = %q", got)
	}
	got, _ = renderNotice(context.Background(), echoRenderer(), d, "short.txt", map[string]any{"notice": "x"})
	if got != "accounts/short.txt:x" {
		t.Fatalf("render with override = %q", got)
	}
	_, err = renderNotice(context.Background(), echoRenderer("accounts", "welcome"), d, "short.txt", nil)
	if !errors.Is(err, render.ErrTemplateNotFound) {
		t.Fatalf("err = %v, want ErrTemplateNotFound", err)
	}
}

func TestRegistryBuild(t *testing.T) {
	t.Parallel()
	kinds := map[string]Factory{
		"onsite": func(g Gate) (Channel, error) { return stubChannel{g}, nil },
		"email":  func(g Gate) (Channel, error) { return stubChannel{g}, nil },
	}
	r, err := Build([]Spec{
		{ID: "site", Kind: "onsite", Sensitivity: 1, Enabled: true},
		{ID: "mail", Kind: "EMAIL", Sensitivity: 2, Enabled: true},
		{ID: "off", Kind: "email", Enabled: false},
	}, nil, kinds)
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, c := range r.Channels() {
		ids = append(ids, c.ID())
	}
	if strings.Join(ids, ",") != "site,mail" {
		t.Fatalf("order = %v, want [site mail]", ids)
	}
	if c, ok := r.Get("mail"); !ok || c.Descriptor().Sensitivity != 2 {
		t.Fatalf("Get(mail) = %v,%v", c, ok)
	}

	if _, err := Build([]Spec{{ID: "x", Kind: "pigeon"}}, nil, kinds); err == nil {
		t.Fatal("expected unknown kind error")
	}
	if _, err := Build([]Spec{{ID: "a", Kind: "email", Enabled: true}, {ID: "a", Kind: "onsite", Enabled: true}}, nil, kinds); err == nil {
		t.Fatal("expected duplicate id error")
	}
}

type stubChannel struct{ Gate }

func (stubChannel) Deliver(context.Context, Delivery) error { return nil }

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
