// Package supervisor owns process-level start/stop ordering and signal
// handling (spec §4.8), generalizing the teacher's client-side
// "signal.Notify(SIGINT, SIGTERM) then tear everything down" shutdown
// (client/client.go) into a server-side start-order/stop-order pair
// plus three operator signals beyond plain interrupt.
package supervisor

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/odoo/sfu/internal/channel"
	"github.com/odoo/sfu/internal/registry"
	"github.com/odoo/sfu/internal/workerpool"
)

// Service is anything the supervisor starts and stops in order.
type Service interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// httpService adapts an *http.Server to Service, closing the pack's
// "Auth -> Worker Pool -> HTTP+Gateway" ordering requirement around a
// plain net/http listener.
type httpService struct {
	server *http.Server
	log    *zap.Logger
}

func NewHTTPService(server *http.Server, log *zap.Logger) Service {
	return &httpService{server: server, log: log}
}

func (h *httpService) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", h.server.Addr)
	if err != nil {
		return fmt.Errorf("supervisor: listen %s: %w", h.server.Addr, err)
	}
	go func() {
		if err := h.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			h.log.Error("http server exited", zap.Error(err))
		}
	}()
	return nil
}

func (h *httpService) Stop(ctx context.Context) error {
	return h.server.Shutdown(ctx)
}

// Supervisor drives the fixed start order (Auth -> Worker Pool ->
// HTTP+Gateway) and its reverse, idempotent stop, and dispatches the
// four process signals spec §4.8 names.
type Supervisor struct {
	registry   *registry.Registry
	workerPool *workerpool.Pool
	services   []Service // started in order, stopped in reverse

	log *zap.Logger

	stopped bool
}

// Options configures a Supervisor.
type Options struct {
	Registry   *registry.Registry
	WorkerPool *workerpool.Pool
	// Services are started in order (conventionally: nothing extra for
	// auth, since internal/auth is stateless; then HTTP+Gateway) and
	// stopped in reverse.
	Services []Service
	Log      *zap.Logger
}

// New constructs a Supervisor. The worker pool is already running by
// the time it is handed in (internal/workerpool.New starts workers
// eagerly), so Start here only starts the given services in order.
func New(opts Options) *Supervisor {
	return &Supervisor{
		registry:   opts.Registry,
		workerPool: opts.WorkerPool,
		services:   opts.Services,
		log:        opts.Log,
	}
}

// Start brings up every service in registration order.
func (s *Supervisor) Start(ctx context.Context) error {
	for i, svc := range s.services {
		if err := svc.Start(ctx); err != nil {
			// Unwind what we already started, deepest-first.
			for j := i - 1; j >= 0; j-- {
				_ = s.services[j].Stop(ctx)
			}
			return fmt.Errorf("supervisor: start service %d: %w", i, err)
		}
	}
	return nil
}

// Stop tears every service down in reverse order. Idempotent: a second
// call is a no-op.
func (s *Supervisor) Stop(ctx context.Context) error {
	if s.stopped {
		return nil
	}
	s.stopped = true

	var err error
	for i := len(s.services) - 1; i >= 0; i-- {
		err = multierr.Append(err, s.services[i].Stop(ctx))
	}
	if s.workerPool != nil {
		err = multierr.Append(err, s.workerPool.Close())
	}
	return err
}

// Run blocks until an interrupt/terminate signal, then stops cleanly.
// SIGHUP triggers a full stop-then-start ("restart"); SIGUSR1 closes
// every channel while leaving services up ("soft reset"); SIGUSR2 logs
// per-channel stats and the global incoming bitrate ("stats dump").
// Uncaught errors from any handler are logged and swallowed, never
// fatal, per spec §4.8.
func (s *Supervisor) Run(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-ctx.Done():
			return s.Stop(context.Background())
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGINT, syscall.SIGTERM:
				s.log.Info("received interrupt, shutting down")
				return s.Stop(context.Background())
			case syscall.SIGHUP:
				s.log.Info("received restart signal")
				if err := s.Stop(context.Background()); err != nil {
					s.log.Error("restart: stop failed", zap.Error(err))
				}
				s.stopped = false
				if err := s.Start(context.Background()); err != nil {
					s.log.Error("restart: start failed", zap.Error(err))
				}
			case syscall.SIGUSR1:
				s.log.Info("received soft-reset signal, closing all channels")
				s.softReset()
			case syscall.SIGUSR2:
				s.log.Info("received stats-dump signal")
				s.dumpStats()
			}
		}
	}
}

// softReset closes every registered channel but leaves every service
// (HTTP listener, worker pool) running, per spec §4.8 "soft reset".
func (s *Supervisor) softReset() {
	for _, c := range s.registry.Channels() {
		if concrete, ok := c.(*channel.Channel); ok {
			concrete.Close()
		}
	}
}

// dumpStats logs each channel's aggregate stats, the sum of every
// channel's incoming (audio+camera+screen) bitrate, and per-worker
// resource usage (spec SPEC_FULL.md §3: the stats signal additionally
// surfaces worker RSS, sourced from mediarouter.Worker.GetResourceUsage
// via the worker pool).
func (s *Supervisor) dumpStats() {
	var totalIncoming int
	for _, c := range s.registry.Channels() {
		concrete, ok := c.(*channel.Channel)
		if !ok {
			continue
		}
		stats := concrete.GetStats()
		totalIncoming += stats.Total
		s.log.Info("channel stats",
			zap.String("uuid", concrete.UUID()),
			zap.Int("audio", stats.Audio),
			zap.Int("camera", stats.Camera),
			zap.Int("screen", stats.Screen),
			zap.Int("total", stats.Total),
		)
	}
	s.log.Info("global incoming bitrate", zap.Int("bitrate", totalIncoming))

	if s.workerPool != nil {
		for _, u := range s.workerPool.ResourceUsages(context.Background()) {
			s.log.Info("worker resource usage",
				zap.String("workerId", u.WorkerID),
				zap.Int64("maxRssKb", u.Usage.MaxRSSKB),
				zap.Int64("userTimeMicros", u.Usage.UserTimeMicros),
				zap.Int64("systemTimeMicros", u.Usage.SystemTimeMicros),
			)
		}
	}
}
