package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const DefaultAMQPQueue = "noticed.batches"

// AMQP keeps batches in a durable RabbitMQ queue. Claim uses basic.get with
// auto ack, so a claimed batch is gone even if its replay fails.
type AMQP struct {
	conn  *amqp.Connection
	queue string

	mu sync.Mutex
	ch *amqp.Channel

	lastID atomic.Int64
}

// DialAMQP connects, opens a channel and declares the queue.
func DialAMQP(url, queue string) (*AMQP, error) {
	if queue == "" {
		queue = DefaultAMQPQueue
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp declare %s: %w", queue, err)
	}
	return &AMQP{conn: conn, ch: ch, queue: queue}, nil
}

// nextID hands out increasing ids seeded from the clock. Ids are unique per
// process, not across producers.
func (q *AMQP) nextID() int64 {
	for {
		last := q.lastID.Load()
		id := max(time.Now().UnixNano(), last+1)
		if q.lastID.CompareAndSwap(last, id) {
			return id
		}
	}
}

func (q *AMQP) Append(ctx context.Context, payload []byte) (int64, error) {
	id := q.nextID()
	body, err := json.Marshal(envelope{ID: id, CreatedAt: time.Now().UTC(), Payload: payload})
	if err != nil {
		return 0, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	err = q.ch.PublishWithContext(ctx, "", q.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		return 0, fmt.Errorf("amqp publish: %w", err)
	}
	return id, nil
}

func (q *AMQP) Claim(ctx context.Context) (Batch, error) {
	if err := ctx.Err(); err != nil {
		return Batch{}, err
	}
	q.mu.Lock()
	msg, ok, err := q.ch.Get(q.queue, true)
	q.mu.Unlock()
	if err != nil {
		return Batch{}, fmt.Errorf("amqp get: %w", err)
	}
	if !ok {
		return Batch{}, ErrEmpty
	}
	var e envelope
	if err := json.Unmarshal(msg.Body, &e); err != nil {
		return Batch{}, fmt.Errorf("amqp batch: %w", err)
	}
	return Batch{ID: e.ID, Payload: e.Payload, CreatedAt: e.CreatedAt}, nil
}

func (q *AMQP) Len(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	st, err := q.ch.QueueDeclarePassive(q.queue, true, false, false, false, nil)
	if err != nil {
		return 0, err
	}
	return st.Messages, nil
}

func (q *AMQP) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	_ = q.ch.Close()
	return q.conn.Close()
}
