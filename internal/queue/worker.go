package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"noticed/internal/eventbus"
	"noticed/internal/notice"
	"noticed/pkg/logx"
)

// Dispatcher is the immediate send path batches are replayed through.
type Dispatcher interface {
	SendNow(ctx context.Context, users []notice.User, label string, extra notice.Context, sender *notice.User, scope notice.Scope) (bool, error)
}

// Directory looks users up by id.
type Directory interface {
	User(ctx context.Context, id int64) (notice.User, error)
}

// RefResolver turns a decoded entity reference back into the entity.
// Returning the ref unchanged is allowed.
type RefResolver interface {
	ResolveRef(ctx context.Context, ref notice.EntityRef) (any, error)
}

type WorkerConfig struct {
	// Schedule is a cron expression (seconds optional) or a descriptor such as "@every 30s".
	Schedule   string
	RatePerSec float64 // <=0 means unthrottled
	BatchLimit int     // batches per pass; <=0 means drain
	Location   *time.Location
}

// Stats summarizes one emit pass.
type Stats struct {
	Batches int
	Tuples  int
	Sent    int
	Failed  int
}

// Worker drains the queue on a schedule and replays every tuple through the
// dispatcher. Failed tuples are logged and dropped, never re-queued.
type Worker struct {
	store Store
	disp  Dispatcher
	users Directory
	refs  RefResolver
	bus   eventbus.Bus
	log   logx.Logger

	mu      sync.Mutex
	cfg     WorkerConfig
	limiter *rate.Limiter
	running sync.Mutex
	resched chan struct{}
}

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func NewWorker(cfg WorkerConfig, store Store, disp Dispatcher, users Directory, refs RefResolver, bus eventbus.Bus, log logx.Logger) (*Worker, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	w := &Worker{store: store, disp: disp, users: users, refs: refs, bus: bus, log: log, resched: make(chan struct{}, 1)}
	if err := w.Apply(cfg); err != nil {
		return nil, err
	}
	return w, nil
}

// Apply validates and installs cfg. A running Run picks up a new schedule
// without losing its place.
func (w *Worker) Apply(cfg WorkerConfig) error {
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 1m"
	}
	if _, err := parser.Parse(cfg.Schedule); err != nil {
		return fmt.Errorf("worker schedule %q: %w", cfg.Schedule, err)
	}
	lim := rate.NewLimiter(rate.Inf, 1)
	if cfg.RatePerSec > 0 {
		lim = rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1)
	}
	w.mu.Lock()
	changed := w.cfg.Schedule != cfg.Schedule || w.cfg.Location != cfg.Location
	w.cfg = cfg
	w.limiter = lim
	w.mu.Unlock()
	if changed {
		select {
		case w.resched <- struct{}{}:
		default:
		}
	}
	return nil
}

func (w *Worker) config() (WorkerConfig, *rate.Limiter) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cfg, w.limiter
}

// Run emits on the configured schedule until ctx ends. Overlapping passes
// are skipped.
func (w *Worker) Run(ctx context.Context) error {
	// Drain a signal left over from the initial Apply.
	select {
	case <-w.resched:
	default:
	}
	for {
		cfg, _ := w.config()
		c, err := w.schedule(ctx, cfg)
		if err != nil {
			return err
		}
		w.log.Info("queue worker scheduled", logx.String("schedule", cfg.Schedule))
		c.Start()
		select {
		case <-ctx.Done():
			<-c.Stop().Done()
			w.log.Info("queue worker stopped")
			return ctx.Err()
		case <-w.resched:
			<-c.Stop().Done()
		}
	}
}

func (w *Worker) schedule(ctx context.Context, cfg WorkerConfig) (*cron.Cron, error) {
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLocation(loc),
		cron.WithChain(cron.Recover(cronLogger{w.log}), cron.SkipIfStillRunning(cronLogger{w.log})),
	)
	_, err := c.AddFunc(cfg.Schedule, func() {
		if _, err := w.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			w.log.Error("emit pass failed", logx.Err(err))
		}
	})
	return c, err
}

// RunOnce claims batches until the queue is empty or the batch limit is hit.
func (w *Worker) RunOnce(ctx context.Context) (Stats, error) {
	w.running.Lock()
	defer w.running.Unlock()

	cfg, lim := w.config()
	var st Stats
	for cfg.BatchLimit <= 0 || st.Batches < cfg.BatchLimit {
		if err := ctx.Err(); err != nil {
			return st, err
		}
		b, err := w.store.Claim(ctx)
		if errors.Is(err, ErrEmpty) {
			break
		}
		if err != nil {
			return st, fmt.Errorf("claim batch: %w", err)
		}
		st.Batches++

		tuples, err := Decode(b.Payload)
		if err != nil {
			w.log.Error("dropping undecodable batch", logx.Int64("batch_id", b.ID), logx.Err(err))
			st.Failed++
			continue
		}
		for _, t := range tuples {
			if err := lim.Wait(ctx); err != nil {
				return st, err
			}
			st.Tuples++
			sent, err := w.replay(ctx, t)
			if err != nil {
				st.Failed++
				w.log.Warn("replay failed",
					logx.Int64("batch_id", b.ID),
					logx.Int64("recipient", t.RecipientID),
					logx.String("label", t.Label),
					logx.Err(err),
				)
				continue
			}
			if sent {
				st.Sent++
			}
		}
		w.bus.Publish(eventbus.Event{Type: eventbus.Replayed, Data: eventbus.DispatchEvent{BatchID: b.ID}})
	}
	if st.Batches > 0 {
		w.log.Info("emit pass done",
			logx.Int("batches", st.Batches),
			logx.Int("tuples", st.Tuples),
			logx.Int("sent", st.Sent),
			logx.Int("failed", st.Failed),
		)
	}
	return st, nil
}

func (w *Worker) replay(ctx context.Context, t Tuple) (bool, error) {
	rcpt, err := w.users.User(ctx, t.RecipientID)
	if err != nil {
		return false, fmt.Errorf("recipient %d: %w", t.RecipientID, err)
	}
	var sender *notice.User
	if t.SenderID != nil {
		u, err := w.users.User(ctx, *t.SenderID)
		if err != nil {
			return false, fmt.Errorf("sender %d: %w", *t.SenderID, err)
		}
		sender = &u
	}
	extra, err := w.hydrate(ctx, t.Context)
	if err != nil {
		return false, err
	}
	return w.disp.SendNow(ctx, []notice.User{rcpt}, t.Label, extra, sender, t.Scope)
}

// hydrate replaces top level entity refs. Users resolve through the directory;
// other kinds go to the RefResolver when one is set and stay refs otherwise.
func (w *Worker) hydrate(ctx context.Context, c notice.Context) (notice.Context, error) {
	if len(c) == 0 {
		return c, nil
	}
	out := make(notice.Context, len(c))
	for k, v := range c {
		ref, ok := v.(notice.EntityRef)
		if !ok {
			out[k] = v
			continue
		}
		switch {
		case ref.Kind == notice.KindUser:
			u, err := w.users.User(ctx, ref.ID)
			if err != nil {
				return nil, fmt.Errorf("context %q: %w", k, err)
			}
			out[k] = u
		case w.refs != nil:
			ent, err := w.refs.ResolveRef(ctx, ref)
			if err != nil {
				return nil, fmt.Errorf("context %q: %w", k, err)
			}
			out[k] = ent
		default:
			out[k] = ref
		}
	}
	return out, nil
}

// cronLogger routes cron's own logging through logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, logx.Err(err), logx.Any("kv", kv))
}
