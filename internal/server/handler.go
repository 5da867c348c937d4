// Package server implements the wsrelay HTTP entry point: it answers CORS
// preflights and status requests, and turns WebSocket upgrade requests into
// relay sessions to the requested target.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/philsphicas/wsrelay/internal/errmsg"
	"github.com/philsphicas/wsrelay/internal/metrics"
	"github.com/philsphicas/wsrelay/internal/protocol"
	"github.com/philsphicas/wsrelay/internal/relay"
	"golang.org/x/net/http/httpguts"
)

// DefaultMaxMessageSize is the largest message read from either socket
// when Config.MaxMessageSize is zero.
const DefaultMaxMessageSize = 16 << 20

// Config holds relay server configuration.
type Config struct {
	Addr           string // listen address for ListenAndServe
	Name           string // reported in the status document
	Version        string // reported in the status document
	ConnectTimeout time.Duration
	MaxSessions    int           // 0 = unlimited
	PingInterval   time.Duration // 0 disables keepalive pings
	MaxMessageSize int64
	HTTPClient     *http.Client // used to dial targets; nil = http.DefaultClient
	Logger         *slog.Logger
	Metrics        *metrics.Metrics // optional; nil disables metrics
}

func (cfg *Config) setDefaults() {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Name == "" {
		cfg.Name = "wsrelay"
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = relay.DefaultConnectTimeout
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}
}

// Handler dispatches requests to the relay or the status responder.
type Handler struct {
	cfg     Config
	logger  *slog.Logger
	limiter *sessionLimiter

	// ctx bounds the lifetime of every session; Close cancels it.
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	closed   bool
	sessions sync.WaitGroup
}

// NewHandler returns a Handler for cfg. Call Close to end its sessions.
func NewHandler(cfg Config) *Handler {
	cfg.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Handler{
		cfg:     cfg,
		logger:  cfg.Logger,
		limiter: newSessionLimiter(cfg.MaxSessions),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Close closes every active session and waits for them to finish.
// Upgrade requests arriving afterwards are refused.
func (h *Handler) Close() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	h.cancel()
	h.sessions.Wait()
}

func (h *Handler) track() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.sessions.Add(1)
	return true
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Set once the connection is hijacked; w can no longer be written.
	var upgraded bool
	defer func() {
		rec := recover()
		if rec == nil {
			return
		}
		if rec == http.ErrAbortHandler {
			panic(rec)
		}
		msg := errmsg.Message(rec)
		h.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "upgraded", upgraded, "error", msg)
		if upgraded {
			return
		}
		setCORS(w.Header())
		writeText(w, http.StatusInternalServerError, fmt.Sprintf(protocol.MsgServerErrorFmt, msg))
	}()

	switch {
	case r.Method == http.MethodOptions:
		setCORS(w.Header())
		w.WriteHeader(http.StatusOK)
	case isUpgrade(r):
		h.serveRelay(w, r, &upgraded)
	default:
		h.serveStatus(w)
	}
}

func (h *Handler) serveStatus(w http.ResponseWriter) {
	doc := protocol.NewStatusDocument(h.cfg.Name, h.cfg.Version, time.Now())
	setCORS(w.Header())
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(doc)
}

func (h *Handler) serveRelay(w http.ResponseWriter, r *http.Request, upgraded *bool) {
	m := h.cfg.Metrics

	raw := r.URL.Query().Get(protocol.TargetParam)
	if raw == "" {
		m.RequestRejected(metrics.ReasonMissingTarget)
		h.reject(w, http.StatusBadRequest, protocol.MsgMissingTarget)
		return
	}
	address := relay.NormalizeIPv6(raw)
	if !relay.ValidateTarget(address) {
		h.logger.Debug("invalid target", "url", raw)
		m.RequestRejected(metrics.ReasonInvalidTarget)
		h.reject(w, http.StatusBadRequest, protocol.MsgInvalidTarget)
		return
	}

	if !h.track() {
		h.reject(w, http.StatusServiceUnavailable, protocol.MsgShuttingDown)
		return
	}
	defer h.sessions.Done()
	if !h.limiter.tryAcquire(r.Context()) {
		h.logger.Warn("max sessions reached, refusing upgrade")
		m.RequestRejected(metrics.ReasonCapacity)
		h.reject(w, http.StatusServiceUnavailable, protocol.MsgTooManySessions)
		return
	}
	defer h.limiter.release()

	target := relay.TargetLabel(address)
	logger := h.logger.With("target", target)

	outbound, err := m.InstrumentedConnect(r.Context(), address, relay.ConnectOptions{
		Timeout:      h.cfg.ConnectTimeout,
		Subprotocols: requestedSubprotocols(r),
		Header:       forwardHeaders(r),
		HTTPClient:   h.cfg.HTTPClient,
		ReadLimit:    h.cfg.MaxMessageSize,
		Logger:       logger,
	})
	if err != nil {
		logger.Warn("connect to target failed", "error", err)
		h.reject(w, http.StatusBadGateway, fmt.Sprintf(protocol.MsgConnectFailedFmt, errmsg.Message(err)))
		return
	}

	opts := &websocket.AcceptOptions{
		// The relay is open to every origin, like its CORS policy.
		InsecureSkipVerify: true,
	}
	if p := outbound.Subprotocol(); p != "" {
		opts.Subprotocols = []string{p}
	}
	w.Header().Set("Access-Control-Allow-Origin", "*")
	inbound, err := websocket.Accept(w, r, opts)
	if err != nil {
		// Accept has already written an error response.
		logger.Warn("upgrade failed", "error", err)
		m.RequestRejected(metrics.ReasonUpgradeFailed)
		_ = outbound.Close(websocket.StatusGoingAway, "client upgrade failed")
		return
	}
	*upgraded = true
	// No-ops once the session has closed both sockets.
	defer inbound.CloseNow()
	defer outbound.CloseNow()
	inbound.SetReadLimit(h.cfg.MaxMessageSize)

	tracker := m.SessionOpened(target)
	session := relay.NewSession(inbound, outbound, relay.SessionConfig{
		PingInterval: h.cfg.PingInterval,
		Logger:       logger,
		OnTransportError: func(side relay.Side, err error) {
			logger.Warn("socket failed, closing session", "side", side, "error", err)
			m.TransportError(side)
		},
		OnForward: tracker.Forwarded,
	})
	logger = logger.With("session", session.ID)
	logger.Info("session started", "subprotocol", outbound.Subprotocol(), "active", h.limiter.inUse())

	stats := tracker.Run(h.ctx, session)
	logger.Info("session closed",
		"toTargetMessages", stats.ToTarget.Messages,
		"toClientMessages", stats.ToClient.Messages,
		"toTargetBytes", stats.ToTarget.Bytes,
		"toClientBytes", stats.ToClient.Bytes)
}

func (h *Handler) reject(w http.ResponseWriter, status int, body string) {
	setCORS(w.Header())
	writeText(w, status, body)
}

// isUpgrade reports whether r asks to switch to the WebSocket protocol.
func isUpgrade(r *http.Request) bool {
	return httpguts.HeaderValuesContainsToken(r.Header["Upgrade"], "websocket")
}

// requestedSubprotocols returns the subprotocols offered by the caller, in
// order.
func requestedSubprotocols(r *http.Request) []string {
	var protos []string
	for _, v := range r.Header.Values("Sec-WebSocket-Protocol") {
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				protos = append(protos, p)
			}
		}
	}
	return protos
}

// forwardHeaders returns the caller's headers to pass on to the target:
// identity headers plus X-Forwarded-For and X-Forwarded-Proto. Cookies and
// credentials are not forwarded.
func forwardHeaders(r *http.Request) http.Header {
	h := http.Header{}
	for _, key := range []string{"User-Agent", "Origin"} {
		if v := r.Header.Get(key); v != "" {
			h.Set(key, v)
		}
	}

	if clientIP, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		// Keep prior X-Forwarded-For entries if we are not the first proxy.
		if prior := r.Header.Values("X-Forwarded-For"); len(prior) > 0 {
			clientIP = strings.Join(prior, ", ") + ", " + clientIP
		}
		h.Set("X-Forwarded-For", clientIP)
	}

	h.Set("X-Forwarded-Proto", "http")
	if r.TLS != nil {
		h.Set("X-Forwarded-Proto", "https")
	}
	return h
}

// corsHeaders are sent on every status and error response.
var corsHeaders = map[string]string{
	"Access-Control-Allow-Origin":  "*",
	"Access-Control-Allow-Methods": "GET, OPTIONS",
	"Access-Control-Allow-Headers": "Content-Type, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol, Sec-WebSocket-Extensions",
}

func setCORS(h http.Header) {
	for k, v := range corsHeaders {
		h.Set(k, v)
	}
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}
