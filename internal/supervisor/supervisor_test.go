package supervisor

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/odoo/sfu/internal/registry"
)

type fakeService struct {
	started, stopped bool
	startErr         error
}

func (f *fakeService) Start(ctx context.Context) error {
	f.started = true
	return f.startErr
}

func (f *fakeService) Stop(ctx context.Context) error {
	f.stopped = true
	return nil
}

func TestStartStopOrder(t *testing.T) {
	a, b := &fakeService{}, &fakeService{}
	s := New(Options{Registry: registry.New(), Services: []Service{a, b}, Log: zap.NewNop()})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !a.started || !b.started {
		t.Fatal("expected both services started")
	}

	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !a.stopped || !b.stopped {
		t.Fatal("expected both services stopped")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	a := &fakeService{}
	s := New(Options{Registry: registry.New(), Services: []Service{a}, Log: zap.NewNop()})

	_ = s.Start(context.Background())
	_ = s.Stop(context.Background())
	a.stopped = false
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if a.stopped {
		t.Fatal("second Stop should be a no-op")
	}
}

func TestStartUnwindsOnFailure(t *testing.T) {
	a := &fakeService{}
	b := &fakeService{startErr: context.DeadlineExceeded}
	s := New(Options{Registry: registry.New(), Services: []Service{a, b}, Log: zap.NewNop()})

	if err := s.Start(context.Background()); err == nil {
		t.Fatal("expected Start to fail")
	}
	if !a.stopped {
		t.Fatal("expected already-started service to be unwound")
	}
}
