package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
)

// DefaultConnectTimeout bounds how long Connect waits for the target to
// complete the WebSocket handshake.
const DefaultConnectTimeout = 10 * time.Second

// ConnectOptions configures an outbound connection to a target.
type ConnectOptions struct {
	Timeout      time.Duration // 0 = DefaultConnectTimeout
	Subprotocols []string      // offered to the target in order
	Header       http.Header   // extra handshake request headers
	HTTPClient   *http.Client  // nil = http.DefaultClient
	ReadLimit    int64         // max message size read from the target; 0 keeps the library default
	Logger       *slog.Logger
}

// ConnectError is returned when the target could not be opened.
type ConnectError struct {
	Target  string        // host of the target address
	Timeout time.Duration // non-zero when the handshake did not finish in time
	Err     error
}

func (e *ConnectError) Error() string {
	if e.Timeout > 0 {
		return fmt.Sprintf("connection timeout after %s", e.Timeout)
	}
	return e.Err.Error()
}

func (e *ConnectError) Unwrap() error { return e.Err }

// TimedOut reports whether the connection attempt ran out of time.
func (e *ConnectError) TimedOut() bool { return e.Timeout > 0 }

// Connect opens a WebSocket to address and returns it once the handshake
// has completed. It fails with a *ConnectError if the target refuses the
// handshake, the transport fails, or opts.Timeout elapses first. The
// returned connection is not bound to ctx.
func Connect(ctx context.Context, address string, opts ConnectOptions) (*websocket.Conn, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultConnectTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	target := TargetLabel(address)

	dialCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	logger.Debug("dialing target", "target", target)
	ws, _, err := websocket.Dial(dialCtx, address, &websocket.DialOptions{
		HTTPClient:   opts.HTTPClient,
		HTTPHeader:   opts.Header,
		Subprotocols: opts.Subprotocols,
	})
	if err != nil {
		cerr := &ConnectError{Target: target, Err: err}
		// Only our own deadline counts as a timeout; a cancelled parent
		// context is reported as the underlying error.
		if ctx.Err() == nil && errors.Is(dialCtx.Err(), context.DeadlineExceeded) {
			cerr.Timeout = opts.Timeout
		}
		logger.Debug("dial target failed", "target", target, "error", err)
		return nil, cerr
	}
	if opts.ReadLimit > 0 {
		ws.SetReadLimit(opts.ReadLimit)
	}
	logger.Debug("target connected", "target", target, "subprotocol", ws.Subprotocol())
	return ws, nil
}
