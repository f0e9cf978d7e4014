// Package httpapi implements the `/v1` HTTP surface (spec §4.7, §6.1):
// a single (method, exact-path) dispatch table with 404-on-no-match,
// 405-on-wrong-method, and optional CORS with automatic OPTIONS
// preflight shadow-registration. The teacher dispatches with the
// stdlib's default http.ServeMux, which collapses "not found" and
// "wrong method" into one 404 and has no preflight story; the only
// router library in the pack (echo) was judged too large a dependency
// for one dispatch table (see DESIGN.md), so this dispatcher is
// hand-rolled over net/http.
package httpapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/odoo/sfu/internal/auth"
	"github.com/odoo/sfu/internal/channel"
	"github.com/odoo/sfu/internal/mediarouter"
	"github.com/odoo/sfu/internal/registry"
	"github.com/odoo/sfu/internal/workerpool"
)

// Options configures the API.
type Options struct {
	Registry   *registry.Registry
	WorkerPool *workerpool.Pool
	GlobalKey  []byte
	Capacity   int
	CORSOrigin string // empty disables CORS handling
	Proxy      bool
	Log        *zap.Logger
}

// route is one (method, exact path) dispatch table entry.
type route struct {
	method  string
	path    string
	handler http.HandlerFunc
}

// API is the `/v1` HTTP surface.
type API struct {
	registry   *registry.Registry
	workerPool *workerpool.Pool
	globalKey  []byte
	capacity   int
	corsOrigin string
	proxy      bool
	log        *zap.Logger

	routes  []route
	byPath  map[string][]string // path -> allowed methods, for 405/preflight
}

// New builds the handler table.
func New(opts Options) *API {
	a := &API{
		registry:   opts.Registry,
		workerPool: opts.WorkerPool,
		globalKey:  opts.GlobalKey,
		capacity:   opts.Capacity,
		corsOrigin: opts.CORSOrigin,
		proxy:      opts.Proxy,
		log:        opts.Log,
		byPath:     make(map[string][]string),
	}

	a.register(http.MethodGet, "/v1/noop", a.handleNoop)
	a.register(http.MethodGet, "/v1/stats", a.handleStats)
	a.register(http.MethodGet, "/v1/channel", a.handleChannel)
	a.register(http.MethodPost, "/v1/disconnect", a.handleDisconnect)

	return a
}

func (a *API) register(method, path string, handler http.HandlerFunc) {
	a.routes = append(a.routes, route{method: method, path: path, handler: handler})
	a.byPath[path] = append(a.byPath[path], method)
}

// ServeHTTP dispatches by exact (method, path); CORS preflight OPTIONS
// requests are answered for every registered path without a dedicated
// handler ("shadow-registered"), mirroring the other methods' allowed
// list back in Access-Control-Allow-Methods.
func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.applyCORSHeaders(w, r)

	methods, known := a.byPath[r.URL.Path]
	if !known {
		http.NotFound(w, r)
		return
	}

	if r.Method == http.MethodOptions && a.corsOrigin != "" {
		w.Header().Set("Access-Control-Allow-Methods", strings.Join(append(methods, http.MethodOptions), ", "))
		w.WriteHeader(http.StatusNoContent)
		return
	}

	for _, rt := range a.routes {
		if rt.path == r.URL.Path && rt.method == r.Method {
			rt.handler(w, r)
			return
		}
	}

	w.Header().Set("Allow", strings.Join(methods, ", "))
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
}

func (a *API) applyCORSHeaders(w http.ResponseWriter, r *http.Request) {
	if a.corsOrigin == "" {
		return
	}
	origin := a.corsOrigin
	if origin == "*" {
		origin = r.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Set("Access-Control-Allow-Headers", "authorization, content-type")
}

func (a *API) handleNoop(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"result": "ok"})
}

type channelStatsEntry struct {
	UUID string `json:"uuid"`
	channel.Stats
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	chans := a.registry.Channels()
	out := make([]channelStatsEntry, 0, len(chans))
	for _, c := range chans {
		concrete, ok := c.(*channel.Channel)
		if !ok {
			continue
		}
		out = append(out, channelStatsEntry{UUID: concrete.UUID(), Stats: concrete.GetStats()})
	}
	writeJSON(w, http.StatusOK, out)
}

type channelResponse struct {
	UUID string `json:"uuid"`
	URL  string `json:"url"`
}

// handleChannel implements GET /v1/channel: idempotent channel
// creation keyed by (remoteAddress, iss), per spec §4.4 Create.
func (a *API) handleChannel(w http.ResponseWriter, r *http.Request) {
	tok := bearerToken(r.Header.Get("Authorization"))
	if tok == "" {
		http.Error(w, "missing authorization", http.StatusUnauthorized)
		return
	}
	claims, err := auth.Verify(tok, a.globalKey)
	if err != nil {
		http.Error(w, "missing authorization", http.StatusUnauthorized)
		return
	}
	if claims.Iss == "" {
		http.Error(w, "missing iss claim", http.StatusForbidden)
		return
	}

	remoteAddr := a.remoteAddress(r)
	issuer := registry.Issuer{RemoteAddr: remoteAddr, Iss: claims.Iss}

	if existing, ok := a.registry.ChannelByIssuer(issuer); ok {
		concrete := existing.(*channel.Channel)
		writeJSON(w, http.StatusOK, channelResponse{UUID: concrete.UUID(), URL: a.channelURL(r)})
		return
	}

	useWebRTC := r.URL.Query().Get("webRTC") != "false"

	var key []byte
	if claims.Key != "" {
		if k, err := base64.StdEncoding.DecodeString(claims.Key); err == nil {
			key = k
		}
	}

	ch, err := a.createChannel(r.Context(), remoteAddr, issuer, key, useWebRTC)
	if err != nil {
		a.log.Error("create channel failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, channelResponse{UUID: ch.UUID(), URL: a.channelURL(r)})
}

func (a *API) createChannel(ctx context.Context, remoteAddr string, issuer registry.Issuer, key []byte, useWebRTC bool) (*channel.Channel, error) {
	var router mediarouter.Router
	var worker mediarouter.Worker
	if useWebRTC {
		w, err := a.workerPool.GetWorker(ctx)
		if err != nil {
			return nil, err
		}
		r, err := w.CreateRouter(ctx)
		if err != nil {
			return nil, err
		}
		worker, router = w, r
	}

	channelUUID := uuid.NewString()
	ch := channel.New(channel.Options{
		UUID:       channelUUID,
		RemoteAddr: remoteAddr,
		Key:        key,
		Router:     router,
		Worker:     worker,
		Capacity:   a.capacity,
		Log:        a.log,
	})

	if !a.registry.RegisterChannel(ch, channelUUID, issuer) {
		// Lost the idempotency race: someone else registered under this
		// issuer between our lookup and now. Discard ours, use theirs.
		ch.Close()
		existing, _ := a.registry.ChannelByIssuer(issuer)
		return existing.(*channel.Channel), nil
	}

	if worker != nil {
		worker.OnDied(func(error) {
			a.registry.UnregisterChannel(channelUUID, issuer)
			ch.Close()
		})
	}
	ch.OnClose(func(closedUUID string) {
		a.registry.UnregisterChannel(closedUUID, issuer)
	})

	return ch, nil
}

// handleDisconnect implements POST /v1/disconnect: the body is a bare
// JWT naming sessions to drop per channel, and only channels whose
// remoteAddress matches the caller's are affected (others are silently
// skipped, per spec §6.1).
func (a *API) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "bad body", http.StatusUnprocessableEntity)
		return
	}
	claims, err := auth.Verify(strings.TrimSpace(string(body)), a.globalKey)
	if err != nil {
		http.Error(w, "verification failed", http.StatusUnprocessableEntity)
		return
	}

	remoteAddr := a.remoteAddress(r)
	for channelUUID, sessionIDs := range claims.SessionIDsByChannel {
		c, ok := a.registry.ChannelByUUID(channelUUID)
		if !ok {
			continue
		}
		concrete, ok := c.(*channel.Channel)
		if !ok || concrete.RemoteAddr() != remoteAddr {
			continue
		}
		for _, id := range sessionIDs {
			for _, sess := range concrete.Sessions() {
				if sess.ID() == id {
					sess.Close("KICKED")
				}
			}
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{"result": "ok"})
}

func (a *API) remoteAddress(r *http.Request) string {
	if a.proxy {
		if v := r.Header.Get("x-forwarded-for"); v != "" {
			return strings.TrimSpace(strings.Split(v, ",")[0])
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (a *API) channelURL(r *http.Request) string {
	proto := "https"
	host := r.Host
	if a.proxy {
		if v := r.Header.Get("x-forwarded-proto"); v != "" {
			proto = v
		}
		if v := r.Header.Get("x-forwarded-host"); v != "" {
			host = v
		}
	} else if r.TLS == nil {
		proto = "http"
	}
	return proto + "://" + host
}

func bearerToken(header string) string {
	const prefix = "jwt "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return header[len(prefix):]
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

