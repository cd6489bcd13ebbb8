// Package app wires configuration, storage, channels, the dispatch engine and
// the replay worker into one long running process.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"noticed/internal/catalog"
	"noticed/internal/channel"
	"noticed/internal/config"
	"noticed/internal/dispatch"
	"noticed/internal/eventbus"
	"noticed/internal/inbox"
	"noticed/internal/locale"
	"noticed/internal/observability/debug"
	"noticed/internal/observability/metrics"
	"noticed/internal/preference"
	"noticed/internal/queue"
	"noticed/internal/render"
	"noticed/internal/runtime/supervisor"
	"noticed/internal/storage"
	mailx "noticed/internal/transport/mail"
	"noticed/internal/transport/telegram"
	"noticed/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  *eventbus.Memory

	store storage.Store
	queue queue.Store
	bot   *telegram.Bot

	catalog *catalog.Catalog
	prefs   *preference.Resolver
	engine  *dispatch.Engine
	worker  *queue.Worker
	inbox   *inbox.Inbox

	emails  []*channel.Email
	onsites []*channel.OnSite

	closeOnce sync.Once
	closeErr  error
}

// New loads cfgPath and builds every component. Nothing runs until Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath, logx.NewConsole("INFO").With(logx.String("comp", "config")))
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	a := &App{cfgm: cfgm, bus: eventbus.New()}

	// The bot doubles as the alert sink, so it exists before logging does.
	if strings.TrimSpace(cfg.Telegram.Token) != "" {
		a.bot, err = telegram.New(telegram.Config{Token: cfg.Telegram.Token, ParseMode: cfg.Telegram.ParseMode})
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
	}
	var fwd logx.Forwarder
	if a.bot != nil && cfg.Telegram.AlertChatID != 0 {
		fwd = telegram.Forwarder{M: a.bot, ChatID: cfg.Telegram.AlertChatID}
	}
	a.logs, a.log = logx.New(logConfig(cfg.Logging), fwd)

	if err := a.build(ctx, cfg); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, cfg *config.Config) error {
	var err error
	a.store, err = storage.Open(storageConfig(cfg.Storage), a.log.With(logx.String("comp", "storage")))
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}

	a.catalog = catalog.New(a.store, a.log.With(logx.String("comp", "catalog")))
	for _, c := range cfg.Categories {
		if _, _, err := a.catalog.Create(ctx, categoryOf(c)); err != nil {
			return fmt.Errorf("category %q: %w", c.Label, err)
		}
	}
	a.prefs = preference.NewResolver(a.store)

	switch strings.ToLower(cfg.Queue.Driver) {
	case "redis":
		q, err := queue.DialRedis(ctx, cfg.Queue.RedisURL, cfg.Queue.Key)
		if err != nil {
			return fmt.Errorf("queue: %w", err)
		}
		a.queue = q
	case "amqp":
		q, err := queue.DialAMQP(cfg.Queue.AMQPURL, cfg.Queue.Key)
		if err != nil {
			return fmt.Errorf("queue: %w", err)
		}
		a.queue = q
	default:
		a.queue = queue.NewRecords(a.store)
	}

	var sender mailx.Sender = mailx.NewLog(a.log.With(logx.String("comp", "mail")))
	if cfg.Email.SMTP.Addr != "" {
		s, err := mailx.NewSMTP(smtpConfig(cfg.Email.SMTP))
		if err != nil {
			return fmt.Errorf("smtp: %w", err)
		}
		sender = s
	}

	tpl := render.NewTemplates(templateFS(cfg.Templates.Dir))
	site := siteOf(cfg.Site)
	chLog := a.log.With(logx.String("comp", "channel"))
	reg, err := channel.Build(channelSpecs(cfg.Dispatch.Channels), a.prefs, map[string]channel.Factory{
		"email": func(g channel.Gate) (channel.Channel, error) {
			e := channel.NewEmail(g, tpl, sender, site, emailConfig(cfg.Email), chLog)
			a.emails = append(a.emails, e)
			return e, nil
		},
		"onsite": func(g channel.Gate) (channel.Channel, error) {
			o := channel.NewOnSite(g, tpl, a.store, site, onSiteConfig(cfg), chLog)
			a.onsites = append(a.onsites, o)
			return o, nil
		},
		"telegram": func(g channel.Gate) (channel.Channel, error) {
			if a.bot == nil {
				return nil, errors.New("telegram.token is not set")
			}
			return channel.NewTelegram(g, tpl, a.bot, site), nil
		},
	})
	if err != nil {
		return err
	}

	dcfg := dispatchConfig(cfg.Dispatch)
	a.engine = dispatch.New(dcfg, dispatch.Deps{
		Catalog:  a.catalog,
		Channels: reg,
		Locales:  locale.NewStoreResolver(a.store),
		Ambient:  locale.NewAmbient(dcfg.DefaultLocale),
		Queue:    a.queue,
		Bus:      a.bus,
		Log:      a.log.With(logx.String("comp", "dispatch")),
	})

	a.worker, err = queue.NewWorker(workerConfig(cfg.Worker), a.queue, a.engine, a.store, nil, a.bus, a.log.With(logx.String("comp", "worker")))
	if err != nil {
		return err
	}
	a.inbox = inbox.New(a.store, cfg.Site.ID)

	a.log.Info("app built",
		logx.Int("channels", reg.Len()),
		logx.Int("categories", len(cfg.Categories)),
		logx.String("storage", cfg.Storage.Driver),
		logx.String("queue", cfg.Queue.Driver),
	)
	return nil
}

func (a *App) Engine() *dispatch.Engine          { return a.engine }
func (a *App) Inbox() *inbox.Inbox               { return a.inbox }
func (a *App) Catalog() *catalog.Catalog         { return a.catalog }
func (a *App) Preferences() *preference.Resolver { return a.prefs }
func (a *App) Store() storage.Store              { return a.store }
func (a *App) Bus() eventbus.Bus                 { return a.bus }
func (a *App) Logger() logx.Logger               { return a.log }

// RunOnce drains the queue a single time. Used by the one-shot mode.
func (a *App) RunOnce(ctx context.Context) (queue.Stats, error) {
	return a.worker.RunOnce(ctx)
}

// Start launches the background loops. It returns immediately.
func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return errors.New("app already started")
	}
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))))

	events, unsub := a.bus.Subscribe(256)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		return a.logEvents(c, events)
	})

	updates := a.cfgm.Subscribe(4)
	a.sup.Go("config.apply", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(updates)
		prev := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case cfg, ok := <-updates:
				if !ok {
					return nil
				}
				a.apply(prev, cfg)
				prev = cfg
			}
		}
	})
	a.sup.GoRestart("config.watch", a.cfgm.Watch, supervisor.WithBackoff(time.Second, 30*time.Second))

	cfg := a.cfgm.Get()
	if cfg.Debug.Enabled {
		m := metrics.New(a.queueDepth)
		a.sup.Go("metrics", func(c context.Context) error { return m.Run(c, a.bus) })
		srv := debug.New(debug.Config{Addr: cfg.Debug.Addr, Token: cfg.Debug.Token}, a.status, a.log.With(logx.String("comp", "debug")))
		srv.Handle("/metrics", m.Handler())
		a.sup.GoRestart("debug.http", srv.Run, supervisor.WithBackoff(time.Second, time.Minute))
	}
	if cfg.Worker.Enabled {
		a.sup.GoRestart("queue.worker", a.worker.Run, supervisor.WithBackoff(time.Second, time.Minute))
	} else {
		a.log.Info("queue worker disabled")
	}
	a.log.Info("app started")
	return nil
}

func (a *App) queueDepth() float64 {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	n, err := a.queue.Len(ctx)
	if err != nil {
		return -1
	}
	return float64(n)
}

// status feeds the debug server's /healthz.
func (a *App) status(ctx context.Context) map[string]any {
	out := map[string]any{"events_dropped": a.bus.Dropped()}
	if n, err := a.queue.Len(ctx); err == nil {
		out["queue_depth"] = n
	} else {
		out["queue_error"] = err.Error()
	}
	if a.sup != nil {
		c := a.sup.Counters()
		out["goroutines_active"] = c.Active
		out["panics"] = c.Panics
	}
	return out
}

// apply pushes the hot reloadable sections into the running components.
func (a *App) apply(prev, cfg *config.Config) {
	changed, fields := config.Changes(prev, cfg)
	if len(changed) == 0 {
		return
	}
	a.log.Info("config applied", append(fields, logx.Strs("changed", changed))...)
	for _, s := range changed {
		switch s {
		case "logging":
			a.logs.Apply(logConfig(cfg.Logging))
		case "dispatch":
			a.engine.Apply(dispatchConfig(cfg.Dispatch))
		case "email":
			for _, e := range a.emails {
				e.Apply(emailConfig(cfg.Email))
			}
		case "onsite":
			for _, o := range a.onsites {
				o.Apply(onSiteConfig(cfg))
			}
		case "worker":
			if err := a.worker.Apply(workerConfig(cfg.Worker)); err != nil {
				a.log.Warn("worker config rejected", logx.Err(err))
			}
		}
	}
	if !sameChannels(prev, cfg) || config.NeedsRestart(changed) {
		a.log.Warn("some changes need a restart to take effect", logx.Strs("changed", changed))
	}
}

// sameChannels reports whether the channel list is unchanged. The registry is
// built once.
func sameChannels(prev, cfg *config.Config) bool {
	if len(prev.Dispatch.Channels) != len(cfg.Dispatch.Channels) {
		return false
	}
	for i := range prev.Dispatch.Channels {
		if prev.Dispatch.Channels[i] != cfg.Dispatch.Channels[i] {
			return false
		}
	}
	return true
}

func (a *App) logEvents(ctx context.Context, events <-chan eventbus.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case e := <-events:
			de, _ := e.Data.(eventbus.DispatchEvent)
			a.log.Debug("event",
				logx.String("type", e.Type),
				logx.String("dispatch_id", de.DispatchID),
				logx.String("label", de.Label),
				logx.Int64("recipient", de.RecipientID),
				logx.String("channel", de.Channel),
				logx.String("reason", de.Reason),
			)
		}
	}
}

// Stop shuts the loops down and releases resources. Every step is bounded so a
// stuck component cannot hold the process hostage.
func (a *App) Stop(ctx context.Context) error {
	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		c, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		start := time.Now()
		if err := fn(c); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("stop step failed", logx.String("step", name), logx.Duration("took", time.Since(start)), logx.Err(err))
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			return
		}
		a.log.Debug("stop step done", logx.String("step", name), logx.Duration("took", time.Since(start)))
	}

	if a.sup != nil {
		step("supervisor", 5*time.Second, a.sup.Stop)
	}
	a.log.Info("app stopped")
	step("resources", 2*time.Second, func(context.Context) error { return a.close() })
	return errors.Join(errs...)
}

func (a *App) close() error {
	a.closeOnce.Do(func() { a.closeErr = a.release() })
	return a.closeErr
}

func (a *App) release() error {
	var errs []error
	if c, ok := a.queue.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.logs != nil {
		errs = append(errs, a.logs.Close())
	}
	return errors.Join(errs...)
}
