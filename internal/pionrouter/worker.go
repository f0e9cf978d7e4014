package pionrouter

import (
	"context"
	"fmt"
	"sync"
	"syscall"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/odoo/sfu/internal/mediarouter"
)

// Worker is the pion-backed mediarouter.Worker: unlike mediasoup-go's
// subprocess-per-worker model (other_examples/...itzmanish-mediasoup-go__worker.go),
// pion/webrtc runs in-process, so a Worker here is a configuration
// scope (ICE servers, port range, codecs) that creates Routers rather
// than a supervised OS process. GetResourceUsage reports the whole
// process's rusage since there is no per-worker subprocess to isolate,
// so every Worker in the process reports the same figures.
type Worker struct {
	id         string
	codecs     CodecSet
	iceServers []webrtc.ICEServer
	settingEng webrtc.SettingEngine
	log        *zap.Logger

	mu     sync.Mutex
	onDied func(error)
	closed bool
}

// WorkerOptions configures a new Worker.
type WorkerOptions struct {
	ID           string
	Codecs       CodecSet
	ICEServers   []webrtc.ICEServer
	RTCMinPort   uint16
	RTCMaxPort   uint16
	RTCInterface string
	// PublicIP is the address the webRtcServer advertises to peers (spec
	// §4.5, §6.5 PUBLIC_IP) via a NAT 1:1 mapping; RTCInterface only
	// controls the local bind address for the ephemeral port range.
	PublicIP string
	Log      *zap.Logger
}

// NewWorker builds a Worker and its pion SettingEngine (ICE port range
// and NAT 1:1 mapping), generalizing ion-sfu's WebRTCTransportConfig
// port-range setup (other_examples/...HMasataka-ion-sfu__pkg-sfu-sfu.go).
func NewWorker(opts WorkerOptions) (*Worker, error) {
	var se webrtc.SettingEngine
	if opts.RTCMinPort > 0 && opts.RTCMaxPort > 0 {
		if err := se.SetEphemeralUDPPortRange(opts.RTCMinPort, opts.RTCMaxPort); err != nil {
			return nil, fmt.Errorf("pionrouter: set port range: %w", err)
		}
	}
	if opts.PublicIP != "" {
		se.SetNAT1To1IPs([]string{opts.PublicIP}, webrtc.ICECandidateTypeHost)
	}

	return &Worker{
		id:         opts.ID,
		codecs:     opts.Codecs,
		iceServers: opts.ICEServers,
		settingEng: se,
		log:        opts.Log,
	}, nil
}

func (w *Worker) ID() string { return w.id }

// GetResourceUsage reports process-wide rusage. Per-worker isolation
// is not available for an in-process media engine; see the package doc
// comment.
func (w *Worker) GetResourceUsage(ctx context.Context) (mediarouter.ResourceUsage, error) {
	var ru syscall.Rusage
	if err := syscall.Getrusage(syscall.RUSAGE_SELF, &ru); err != nil {
		return mediarouter.ResourceUsage{}, fmt.Errorf("pionrouter: getrusage: %w", err)
	}
	return mediarouter.ResourceUsage{
		UserTimeMicros:   int64(ru.Utime.Sec)*1e6 + int64(ru.Utime.Usec),
		SystemTimeMicros: int64(ru.Stime.Sec)*1e6 + int64(ru.Stime.Usec),
		MaxRSSKB:         ru.Maxrss,
	}, nil
}

// CreateRouter creates a new channel-scoped Router under this worker's
// codec/ICE/port configuration.
func (w *Worker) CreateRouter(ctx context.Context) (mediarouter.Router, error) {
	w.mu.Lock()
	closed := w.closed
	w.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("pionrouter: worker %s is closed", w.id)
	}
	return NewRouter(RouterOptions{
		Codecs:        w.codecs,
		ICEServers:    w.iceServers,
		SettingEngine: w.settingEng,
		Log:           w.log,
	})
}

// OnDied registers the death callback. A pion-backed worker only
// "dies" if explicitly killed (Close called from elsewhere is not a
// death); this implementation never calls the callback on its own,
// since there is no subprocess to crash. A future deployment that
// shells out to a real media-engine subprocess would wire this to its
// exit status, mirroring mediasoup-go's wait()/child.Wait().
func (w *Worker) OnDied(fn func(error)) {
	w.mu.Lock()
	w.onDied = fn
	w.mu.Unlock()
}

// Kill synthetically fires the death handler, for forcing a worker
// replacement. Nothing in this repository calls it.
func (w *Worker) Kill(err error) {
	w.mu.Lock()
	cb := w.onDied
	w.mu.Unlock()
	if cb != nil {
		cb(err)
	}
}

func (w *Worker) Close() error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	return nil
}
