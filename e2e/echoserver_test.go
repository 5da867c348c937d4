//go:build e2e

package e2e

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/coder/websocket"
)

// echoServer is a WebSocket server that echoes every message back.
type echoServer struct {
	srv   *httptest.Server
	conns atomic.Int64
}

// startEchoServer starts a WebSocket echo server on a random port.
func startEchoServer(t *testing.T) *echoServer {
	t.Helper()
	es := &echoServer{}
	es.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer ws.CloseNow()
		ws.SetReadLimit(32 << 20)
		es.conns.Add(1)

		ctx := context.Background()
		for {
			typ, data, err := ws.Read(ctx)
			if err != nil {
				return
			}
			if err := ws.Write(ctx, typ, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(es.srv.Close)
	return es
}

// URL returns the ws:// URL of the echo server.
func (es *echoServer) URL() string {
	return "ws" + strings.TrimPrefix(es.srv.URL, "http") + "/echo"
}

// ConnectionCount returns the number of WebSocket connections accepted.
func (es *echoServer) ConnectionCount() int64 {
	return es.conns.Load()
}

// startBlackhole starts a TCP listener that accepts connections and never
// answers, and returns a ws:// URL pointing at it.
func startBlackhole(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("blackhole listen: %v", err)
	}
	held := make(chan net.Conn, 16)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			held <- c
		}
	}()
	t.Cleanup(func() {
		ln.Close()
		for {
			select {
			case c := <-held:
				c.Close()
			default:
				return
			}
		}
	})
	return "ws://" + ln.Addr().String() + "/"
}
