package dispatch

import (
	"context"
	"fmt"

	"noticed/internal/eventbus"
	"noticed/internal/notice"
	"noticed/internal/queue"
	"noticed/pkg/logx"
)

// Queue defers the dispatch. Recipients are reduced to ids and the whole
// request is appended as one batch; nothing is checked until replay.
func (e *Engine) Queue(ctx context.Context, users []notice.User, label string, extra notice.Context, sender *notice.User) (int64, error) {
	return e.enqueue(ctx, users, label, extra, sender, notice.Scope{})
}

func (e *Engine) enqueue(ctx context.Context, users []notice.User, label string, extra notice.Context, sender *notice.User, scope notice.Scope) (int64, error) {
	if e.queue == nil {
		return 0, fmt.Errorf("%w: no queue store", notice.ErrConfiguration)
	}
	senderID := notice.UserID(sender)
	tuples := make([]queue.Tuple, 0, len(users))
	for _, u := range users {
		tuples = append(tuples, queue.Tuple{
			RecipientID: u.ID,
			Label:       label,
			Context:     extra,
			SenderID:    senderID,
			Scope:       scope,
		})
	}
	payload, err := queue.Encode(tuples)
	if err != nil {
		return 0, err
	}
	id, err := e.queue.Append(ctx, payload)
	if err != nil {
		return 0, fmt.Errorf("queue batch: %w", err)
	}
	e.log.Debug("dispatch queued", logx.String("label", label), logx.Int64("batch_id", id), logx.Int("recipients", len(users)))
	e.bus.Publish(eventbus.Event{Type: eventbus.Queued, Data: eventbus.DispatchEvent{Label: label, BatchID: id}})
	return id, nil
}

// SendOptions overrides the configured queue_all default for one call.
// Setting both Queue and Now is a configuration error.
type SendOptions struct {
	Queue bool
	Now   bool
	Scope notice.Scope
}

// Outcome reports what Send did.
type Outcome struct {
	Queued  bool
	BatchID int64
	Sent    bool
}

// Send routes to Queue or SendNow.
func (e *Engine) Send(ctx context.Context, users []notice.User, label string, extra notice.Context, sender *notice.User, opt SendOptions) (Outcome, error) {
	if opt.Queue && opt.Now {
		return Outcome{}, fmt.Errorf("%w: queue and now are mutually exclusive", notice.ErrConfiguration)
	}
	deferIt := opt.Queue || (!opt.Now && e.config().QueueAll)
	if deferIt {
		id, err := e.enqueue(ctx, users, label, extra, sender, opt.Scope)
		return Outcome{Queued: err == nil, BatchID: id}, err
	}
	sent, err := e.SendNow(ctx, users, label, extra, sender, opt.Scope)
	return Outcome{Sent: sent}, err
}
