// Command sfu runs the SFU control-plane process: it loads
// configuration, builds the worker pool, and serves the gateway
// (duplex links) and HTTP API on one listener, per spec §4.8's Auth ->
// Worker Pool -> HTTP+Gateway start order. Grounded on the teacher's
// root main.go wiring (http.HandleFunc registration, graceful signal
// handling), rebuilt around this repo's explicit Registry/Supervisor
// instead of package-level globals.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"runtime"

	"github.com/odoo/sfu/internal/config"
	"github.com/odoo/sfu/internal/gateway"
	"github.com/odoo/sfu/internal/httpapi"
	"github.com/odoo/sfu/internal/link"
	"github.com/odoo/sfu/internal/logging"
	"github.com/odoo/sfu/internal/mediarouter"
	"github.com/odoo/sfu/internal/pionrouter"
	"github.com/odoo/sfu/internal/registry"
	"github.com/odoo/sfu/internal/session"
	"github.com/odoo/sfu/internal/supervisor"
	"github.com/odoo/sfu/internal/workerpool"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("sfu: config: %v", err)
	}

	logger := logging.New(logging.ParseLevel(cfg.LogLevel))
	defer logger.Sync()

	reg := registry.New()

	numWorkers := cfg.NumWorkers
	if numWorkers <= 0 || numWorkers > runtime.NumCPU() {
		numWorkers = runtime.NumCPU()
	}

	codecs := pionrouter.CodecSet{Audio: cfg.AudioCodecs, Video: cfg.VideoCodecs}
	factory := func(ctx context.Context) (mediarouter.Worker, error) {
		return pionrouter.NewWorker(pionrouter.WorkerOptions{
			Codecs:       codecs,
			RTCMinPort:   cfg.RTCMinPort,
			RTCMaxPort:   cfg.RTCMaxPort,
			RTCInterface: cfg.RTCInterface,
			PublicIP:     cfg.PublicIP,
			Log:          logging.Named(logger, "pionrouter"),
		})
	}

	pool, err := workerpool.New(context.Background(), numWorkers, factory, logging.Named(logger, "workerpool"))
	if err != nil {
		log.Fatalf("sfu: worker pool: %v", err)
	}

	gw := gateway.New(gateway.Options{
		Registry:        reg,
		GlobalKey:       cfg.AuthKey,
		BatchDelay:      0,
		SessionTimeouts: session.Timeouts{},
		RouterOptions: session.RouterOptions{
			ListenIP:       cfg.RTCInterface,
			MaxIncomingBps: cfg.MaxBitrateIn,
			MaxOutgoingBps: cfg.MaxBitrateOut,
		},
		Log: logging.Named(logger, "gateway"),
	})

	api := httpapi.New(httpapi.Options{
		Registry:   reg,
		WorkerPool: pool,
		GlobalKey:  cfg.AuthKey,
		Capacity:   cfg.ChannelSize,
		Proxy:      cfg.Proxy,
		Log:        logging.Named(logger, "httpapi"),
	})

	mux := http.NewServeMux()
	mux.Handle("/v1/", api)
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := link.Upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		wsLink := link.NewWSLink(conn)
		gw.Accept(wsLink)
		wsLink.Run()
	})

	addr := fmt.Sprintf("%s:%d", cfg.HTTPInterface, cfg.Port)
	httpServer := &http.Server{Addr: addr, Handler: mux}

	sup := supervisor.New(supervisor.Options{
		Registry:   reg,
		WorkerPool: pool,
		Services:   []supervisor.Service{supervisor.NewHTTPService(httpServer, logging.Named(logger, "http"))},
		Log:        logger,
	})

	if err := sup.Start(context.Background()); err != nil {
		log.Fatalf("sfu: start: %v", err)
	}
	logger.Sugar().Infof("sfu listening on %s", addr)

	if err := sup.Run(context.Background()); err != nil {
		logger.Sugar().Errorf("sfu: run: %v", err)
	}
}
