package workerpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/odoo/sfu/internal/mediarouter"
)

type fakeWorker struct {
	id  string
	rss int64

	mu     sync.Mutex
	onDied func(error)
	closed bool
}

func (w *fakeWorker) ID() string { return w.id }

func (w *fakeWorker) GetResourceUsage(ctx context.Context) (mediarouter.ResourceUsage, error) {
	return mediarouter.ResourceUsage{MaxRSSKB: w.rss}, nil
}

func (w *fakeWorker) CreateRouter(ctx context.Context) (mediarouter.Router, error) {
	return nil, errors.New("not implemented in fake")
}

func (w *fakeWorker) OnDied(fn func(error)) {
	w.mu.Lock()
	w.onDied = fn
	w.mu.Unlock()
}

func (w *fakeWorker) Close() error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	return nil
}

func (w *fakeWorker) kill(err error) {
	w.mu.Lock()
	cb := w.onDied
	w.mu.Unlock()
	if cb != nil {
		cb(err)
	}
}

func TestGetWorkerPicksLowestRSS(t *testing.T) {
	var counter int32
	factory := func(ctx context.Context) (mediarouter.Worker, error) {
		n := atomic.AddInt32(&counter, 1)
		rss := int64(1000)
		if n == 2 {
			rss = 200
		}
		return &fakeWorker{id: "w", rss: rss}, nil
	}

	pool, err := New(context.Background(), 3, factory, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	w, err := pool.GetWorker(context.Background())
	if err != nil {
		t.Fatalf("GetWorker: %v", err)
	}
	fw := w.(*fakeWorker)
	if fw.rss != 200 {
		t.Fatalf("expected lowest-RSS worker (200), got %d", fw.rss)
	}
}

func TestRespawnOnDeath(t *testing.T) {
	var mu sync.Mutex
	var workers []*fakeWorker
	factory := func(ctx context.Context) (mediarouter.Worker, error) {
		w := &fakeWorker{id: "w", rss: 500}
		mu.Lock()
		workers = append(workers, w)
		mu.Unlock()
		return w, nil
	}

	pool, err := New(context.Background(), 1, factory, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	mu.Lock()
	first := workers[0]
	mu.Unlock()

	first.kill(errors.New("boom"))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		count := len(workers)
		mu.Unlock()
		if count == 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(workers) != 2 {
		t.Fatalf("expected respawn to create a second worker, got %d spawns", len(workers))
	}
}

func TestResourceUsagesSkipsEmptySlots(t *testing.T) {
	var counter int32
	factory := func(ctx context.Context) (mediarouter.Worker, error) {
		n := atomic.AddInt32(&counter, 1)
		return &fakeWorker{id: "w", rss: int64(n) * 100}, nil
	}

	pool, err := New(context.Background(), 3, factory, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	pool.mu.Lock()
	s := pool.slots[0]
	pool.mu.Unlock()
	s.mu.Lock()
	s.worker = nil
	s.mu.Unlock()

	usages := pool.ResourceUsages(context.Background())
	if len(usages) != 2 {
		t.Fatalf("expected 2 usages from live slots, got %d", len(usages))
	}
}

func TestGetWorkerErrorsWhenNoneLive(t *testing.T) {
	factory := func(ctx context.Context) (mediarouter.Worker, error) {
		return &fakeWorker{id: "w", rss: 1}, nil
	}
	pool, err := New(context.Background(), 1, factory, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	pool.mu.Lock()
	s := pool.slots[0]
	pool.mu.Unlock()
	s.mu.Lock()
	s.worker = nil
	s.mu.Unlock()

	if _, err := pool.GetWorker(context.Background()); err == nil {
		t.Fatal("expected error when no workers are live")
	}
}
