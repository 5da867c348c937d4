package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// pingTimeout bounds a single keepalive ping.
const pingTimeout = 10 * time.Second

// State is the lifecycle state of one socket of a session.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Side identifies one socket of a session.
type Side string

const (
	// SideInbound is the socket accepted from the caller.
	SideInbound Side = "inbound"
	// SideOutbound is the socket dialed to the target.
	SideOutbound Side = "outbound"
)

// SessionConfig holds optional session parameters.
type SessionConfig struct {
	// PingInterval sends keepalive pings on both sockets. 0 disables them.
	PingInterval time.Duration
	Logger       *slog.Logger
	// OnTransportError is called when a socket fails with anything other
	// than a close frame. The other socket is closed either way.
	OnTransportError func(side Side, err error)
	// OnForward is called after each message of n payload bytes is written
	// to the socket on side to.
	OnForward func(to Side, n int)
}

// DirectionStats counts traffic in one direction of a session.
type DirectionStats struct {
	Messages int64 // messages forwarded
	Bytes    int64 // payload bytes forwarded
	Dropped  int64 // messages discarded because the receiving socket was not open
	Failed   int64 // messages whose write to the receiving socket failed
}

// SessionStats holds counters for a finished session.
type SessionStats struct {
	ToTarget        DirectionStats // inbound → outbound
	ToClient        DirectionStats // outbound → inbound
	TransportErrors int64          // socket failures other than a close frame
}

type directionCounters struct {
	messages atomic.Int64
	bytes    atomic.Int64
	dropped  atomic.Int64
	failed   atomic.Int64
}

func (c *directionCounters) snapshot() DirectionStats {
	return DirectionStats{
		Messages: c.messages.Load(),
		Bytes:    c.bytes.Load(),
		Dropped:  c.dropped.Load(),
		Failed:   c.failed.Load(),
	}
}

type socket struct {
	side  Side
	conn  *websocket.Conn
	state atomic.Int32
}

func newSocket(side Side, conn *websocket.Conn, initial State) *socket {
	s := &socket{side: side, conn: conn}
	s.state.Store(int32(initial))
	return s
}

func (s *socket) load() State { return State(s.state.Load()) }

func (s *socket) isOpen() bool { return s.load() == StateOpen }

func (s *socket) activate() {
	s.state.CompareAndSwap(int32(StateConnecting), int32(StateOpen))
}

// markClosed records that the socket can no longer be read and returns the
// state it was in before.
func (s *socket) markClosed() State {
	return State(s.state.Swap(int32(StateClosed)))
}

// close runs the close handshake unless the socket is already closing or
// closed, in which case it does nothing.
func (s *socket) close(code websocket.StatusCode, reason string) {
	for {
		cur := s.load()
		if cur >= StateClosing {
			return
		}
		if s.state.CompareAndSwap(int32(cur), int32(StateClosing)) {
			break
		}
	}
	_ = s.conn.Close(code, reason)
	s.state.Store(int32(StateClosed))
}

// Session relays messages between an inbound and an outbound WebSocket.
// Closing or losing either socket closes the other.
type Session struct {
	ID string

	inbound  *socket
	outbound *socket
	cfg      SessionConfig
	logger   *slog.Logger

	toTarget        directionCounters
	toClient        directionCounters
	transportErrors atomic.Int64
}

// NewSession pairs inbound, the connection accepted from the caller, with
// outbound, an open connection to the target. The session owns both.
func NewSession(inbound, outbound *websocket.Conn, cfg SessionConfig) *Session {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	id := uuid.NewString()
	return &Session{
		ID:       id,
		inbound:  newSocket(SideInbound, inbound, StateConnecting),
		outbound: newSocket(SideOutbound, outbound, StateOpen),
		cfg:      cfg,
		logger:   cfg.Logger.With("session", id),
	}
}

// State returns the current state of one side of the session.
func (s *Session) State(side Side) State {
	if side == SideInbound {
		return s.inbound.load()
	}
	return s.outbound.load()
}

// Stats returns the counters accumulated so far.
func (s *Session) Stats() SessionStats {
	return SessionStats{
		ToTarget:        s.toTarget.snapshot(),
		ToClient:        s.toClient.snapshot(),
		TransportErrors: s.transportErrors.Load(),
	}
}

// Run forwards messages until both sockets are closed. Cancelling ctx
// closes both sockets with StatusGoingAway.
func (s *Session) Run(ctx context.Context) SessionStats {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()

	s.inbound.activate()
	s.logger.Debug("session started")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.forward(runCtx, s.inbound, s.outbound, &s.toTarget)
	}()
	go func() {
		defer wg.Done()
		s.forward(runCtx, s.outbound, s.inbound, &s.toClient)
	}()

	if s.cfg.PingInterval > 0 {
		go pingLoop(runCtx, s.inbound, s.cfg.PingInterval)
		go pingLoop(runCtx, s.outbound, s.cfg.PingInterval)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Debug("session interrupted", "error", ctx.Err())
		go s.inbound.close(websocket.StatusGoingAway, "relay shutting down")
		go s.outbound.close(websocket.StatusGoingAway, "relay shutting down")
		<-done
	}

	stats := s.Stats()
	s.logger.Debug("session ended",
		"toTargetMessages", stats.ToTarget.Messages,
		"toClientMessages", stats.ToClient.Messages,
		"dropped", stats.ToTarget.Dropped+stats.ToClient.Dropped,
		"failed", stats.ToTarget.Failed+stats.ToClient.Failed)
	return stats
}

// forward copies messages from src to dst until src can no longer be read,
// then closes dst.
func (s *Session) forward(ctx context.Context, src, dst *socket, count *directionCounters) {
	for {
		typ, data, err := src.conn.Read(ctx)
		if err != nil {
			code, reason := s.readFailed(src, err)
			dst.close(code, reason)
			return
		}
		if !dst.isOpen() {
			count.dropped.Add(1)
			continue
		}
		if err := dst.conn.Write(ctx, typ, data); err != nil {
			// dst's own reader sees the broken connection and ends the session.
			s.logger.Debug("forward failed", "from", src.side, "to", dst.side, "error", err)
			count.failed.Add(1)
			continue
		}
		count.messages.Add(1)
		count.bytes.Add(int64(len(data)))
		if s.cfg.OnForward != nil {
			s.cfg.OnForward(dst.side, len(data))
		}
	}
}

// readFailed marks src closed and returns the close code to send to the
// other socket.
func (s *Session) readFailed(src *socket, err error) (websocket.StatusCode, string) {
	prev := src.markClosed()

	var closeErr websocket.CloseError
	if errors.As(err, &closeErr) {
		s.logger.Debug("peer closed", "side", src.side, "code", closeErr.Code, "reason", closeErr.Reason)
		return mirrorCloseCode(closeErr.Code), closeErr.Reason
	}
	if prev >= StateClosing {
		// We closed this side ourselves; the read error is the echo of that.
		return websocket.StatusNormalClosure, ""
	}
	s.logger.Debug("transport error", "side", src.side, "error", err)
	s.transportErrors.Add(1)
	if s.cfg.OnTransportError != nil {
		s.cfg.OnTransportError(src.side, err)
	}
	return websocket.StatusNormalClosure, ""
}

// mirrorCloseCode returns code if it may be sent in a close frame, or
// StatusNormalClosure for codes that only describe local conditions.
func mirrorCloseCode(code websocket.StatusCode) websocket.StatusCode {
	switch code {
	case 1004, websocket.StatusNoStatusRcvd, websocket.StatusAbnormalClosure, websocket.StatusTLSHandshake:
		return websocket.StatusNormalClosure
	}
	if code >= websocket.StatusNormalClosure && code <= websocket.StatusBadGateway {
		return code
	}
	if code >= 3000 && code <= 4999 {
		return code
	}
	return websocket.StatusNormalClosure
}

// pingLoop sends periodic pings to keep idle connections from being dropped
// by intermediaries.
func pingLoop(ctx context.Context, s *socket, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.isOpen() {
				return
			}
			pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
			_ = s.conn.Ping(pingCtx) // best-effort; the reader notices dead peers
			cancel()
		}
	}
}
