// Package gateway exposes the terminal broker, the SFTP engines and the
// transfer subsystem over WebSocket events and HTTP routes.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"pkt.systems/pslog"
	"pkt.systems/terminus/internal/broker"
	"pkt.systems/terminus/internal/history"
	"pkt.systems/terminus/internal/metrics"
	"pkt.systems/terminus/internal/protocol"
	"pkt.systems/terminus/internal/sftpengine"
	"pkt.systems/terminus/internal/sshconn"
	"pkt.systems/terminus/internal/staging"
	"pkt.systems/terminus/internal/transfer"
)

// DefaultMaxUploadMemory is the multipart size kept in memory before
// spilling to temporary files.
const DefaultMaxUploadMemory = 32 << 20

// Intervals are the progress sampling periods.
type Intervals struct {
	Upload  time.Duration
	File    time.Duration
	Archive time.Duration
}

func (i Intervals) withDefaults() Intervals {
	if i.Upload <= 0 {
		i.Upload = transfer.UploadInterval
	}
	if i.File <= 0 {
		i.File = transfer.FileInterval
	}
	if i.Archive <= 0 {
		i.Archive = transfer.ArchiveInterval
	}
	return i
}

// Options configures a Gateway.
type Options struct {
	Broker *broker.Broker
	// Dialer opens dedicated SFTP connections. Nil allows only reuse of a
	// live terminal connection.
	Dialer    *sshconn.Dialer
	Transfers *transfer.Manager
	History   *history.Store
	Staging   *staging.Area
	Metrics   *metrics.Metrics
	Logger    pslog.Logger

	Intervals Intervals
	// DefaultCols and DefaultRows apply to ssh:start without geometry.
	DefaultCols     int
	DefaultRows     int
	MaxUploadMemory int64
	// OriginPatterns are passed to the WebSocket handshake. Empty accepts
	// only same-origin browsers.
	OriginPatterns []string
}

// Gateway routes client traffic to the core subsystems.
type Gateway struct {
	broker    *broker.Broker
	dialer    *sshconn.Dialer
	transfers *transfer.Manager
	history   *history.Store
	staging   *staging.Area
	metrics   *metrics.Metrics
	engines   *sftpengine.Registry
	logger    pslog.Logger
	opts      Options
	started   time.Time

	mu        sync.Mutex
	conns     map[string]*wsConn
	bySession map[string]map[string]*wsConn
}

// New constructs a Gateway. Broker, Transfers and Staging must be set.
func New(opts Options) *Gateway {
	logger := opts.Logger
	if logger == nil {
		logger = pslog.LoggerFromEnv()
	}
	if opts.MaxUploadMemory <= 0 {
		opts.MaxUploadMemory = DefaultMaxUploadMemory
	}
	opts.Intervals = opts.Intervals.withDefaults()
	g := &Gateway{
		broker:    opts.Broker,
		dialer:    opts.Dialer,
		transfers: opts.Transfers,
		history:   opts.History,
		staging:   opts.Staging,
		metrics:   opts.Metrics,
		engines:   sftpengine.NewRegistry(logger),
		logger:    logger.With("component", "gateway"),
		opts:      opts,
		started:   time.Now(),
		conns:     make(map[string]*wsConn),
		bySession: make(map[string]map[string]*wsConn),
	}
	g.metrics.WatchSessions(func() int {
		n, _ := g.broker.Count()
		return n
	})
	g.metrics.WatchTransfers(func() int { return len(g.transfers.Active()) })
	return g
}

// Engines exposes the SFTP engine registry.
func (g *Gateway) Engines() *sftpengine.Registry {
	return g.engines
}

// Mount registers the gateway routes on r. protect guards /api and /ws.
func (g *Gateway) Mount(r chi.Router, protect func(http.Handler) http.Handler) {
	if protect == nil {
		protect = func(h http.Handler) http.Handler { return h }
	}
	r.Get("/health", g.handleHealth)
	r.Get("/status", g.handleStatus)
	if g.metrics != nil {
		r.Method(http.MethodGet, "/metrics", g.metrics.Handler())
	}
	r.With(protect).Get("/ws", g.handleWS)
	r.Route("/api", func(r chi.Router) {
		r.Use(protect)
		r.Post("/upload", g.handleUpload)
		r.Post("/download", g.handleDownload)
		r.Get("/transfers", g.handleTransfers)
		r.Post("/transfers/{name}/cancel", g.handleCancel)
		r.Get("/sessions", g.handleSessions)
	})
}

// Close closes every SFTP engine and WebSocket.
func (g *Gateway) Close() {
	g.engines.Close()
	g.mu.Lock()
	conns := make([]*wsConn, 0, len(g.conns))
	for _, c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.Unlock()
	for _, c := range conns {
		_ = c.Close(context.Background(), "gateway shutting down")
	}
}

func (g *Gateway) register(c *wsConn) {
	g.mu.Lock()
	g.conns[c.id] = c
	set := g.bySession[c.sessionID]
	if set == nil {
		set = make(map[string]*wsConn)
		g.bySession[c.sessionID] = set
	}
	set[c.id] = c
	g.mu.Unlock()
	g.engines.Attach(c.sessionID, c.id)
	g.metrics.ConnOpened()
}

func (g *Gateway) unregister(c *wsConn) {
	g.mu.Lock()
	delete(g.conns, c.id)
	if set := g.bySession[c.sessionID]; set != nil {
		delete(set, c.id)
		if len(set) == 0 {
			delete(g.bySession, c.sessionID)
		}
	}
	g.mu.Unlock()
	g.engines.Detach(c.sessionID, c.id)
	g.metrics.ConnClosed()
}

// ConnCount returns the number of WebSocket connections of a backing
// session, or of all sessions when sessionID is empty.
func (g *Gateway) ConnCount(sessionID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if sessionID == "" {
		return len(g.conns)
	}
	return len(g.bySession[sessionID])
}

// notify sends an event to the connections of a backing session, or to
// every connection when sessionID is empty.
func (g *Gateway) notify(sessionID string, typ protocol.MessageType, payload any) {
	g.mu.Lock()
	var targets []*wsConn
	if sessionID == "" {
		targets = make([]*wsConn, 0, len(g.conns))
		for _, c := range g.conns {
			targets = append(targets, c)
		}
	} else {
		for _, c := range g.bySession[sessionID] {
			targets = append(targets, c)
		}
	}
	g.mu.Unlock()
	for _, c := range targets {
		c.send(typ, sessionID, payload)
	}
}

// response is the JSON envelope of every /api reply.
type response struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
	Result  any    `json:"result"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeOK(w http.ResponseWriter, message string, result any) {
	writeJSON(w, http.StatusOK, response{Status: true, Message: message, Result: result})
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, response{Status: false, Message: message})
}
