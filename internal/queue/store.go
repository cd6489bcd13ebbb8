package queue

import (
	"context"
	"errors"
	"time"

	"noticed/internal/storage"
)

var ErrEmpty = errors.New("queue empty")

type Batch = storage.Batch

// Store is an append-only log of batches with an atomic pop.
type Store interface {
	Append(ctx context.Context, payload []byte) (int64, error)
	// Claim removes and returns the oldest batch, or ErrEmpty.
	Claim(ctx context.Context) (Batch, error)
	Len(ctx context.Context) (int, error)
}

// Records keeps batches in the record store next to the notices.
type Records struct {
	store storage.BatchStore
}

func NewRecords(store storage.BatchStore) *Records { return &Records{store: store} }

func (r *Records) Append(ctx context.Context, payload []byte) (int64, error) {
	return r.store.AppendBatch(ctx, payload)
}

func (r *Records) Claim(ctx context.Context) (Batch, error) {
	b, ok, err := r.store.ClaimBatch(ctx)
	if err != nil {
		return Batch{}, err
	}
	if !ok {
		return Batch{}, ErrEmpty
	}
	return b, nil
}

func (r *Records) Len(ctx context.Context) (int, error) { return r.store.CountBatches(ctx) }

// envelope wraps a payload for brokers that only carry bytes.
type envelope struct {
	ID        int64     `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Payload   []byte    `json:"payload"`
}
