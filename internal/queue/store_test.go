package queue

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"noticed/internal/storage"
)

func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Helper()
	t.Run("records", func(t *testing.T) {
		fn(t, NewRecords(storage.NewMemory()))
	})
	t.Run("redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		fn(t, NewRedis(client, "test:batches"))
	})
}

func TestStoreFIFO(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		if _, err := s.Claim(ctx); !errors.Is(err, ErrEmpty) {
			t.Fatalf("Claim on empty = %v, want ErrEmpty", err)
		}
		id1, err := s.Append(ctx, []byte("one"))
		if err != nil {
			t.Fatal(err)
		}
		id2, _ := s.Append(ctx, []byte("two"))
		if id2 <= id1 {
			t.Fatalf("ids not increasing: %d then %d", id1, id2)
		}
		if n, _ := s.Len(ctx); n != 2 {
			t.Fatalf("Len = %d, want 2", n)
		}
		for _, want := range []string{"one", "two"} {
			b, err := s.Claim(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if string(b.Payload) != want {
				t.Fatalf("Claim = %q, want %q", b.Payload, want)
			}
		}
		if n, _ := s.Len(ctx); n != 0 {
			t.Fatalf("Len = %d, want 0", n)
		}
	})
}

func TestDialRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	r, err := DialRedis(context.Background(), "redis://"+mr.Addr()+"/0", "")
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	if r.key != DefaultRedisKey {
		t.Fatalf("key = %q", r.key)
	}
	if _, err := DialRedis(context.Background(), "not a url", ""); err == nil {
		t.Fatal("expected parse error")
	}
}
