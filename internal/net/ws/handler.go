package ws

import (
	"context"
	"fmt"
	nethttp "net/http"

	"github.com/gorilla/websocket"

	"lockstep/server/internal/net/transport"
	"lockstep/server/internal/telemetry"
)

// Acceptor receives every upgraded connection.
type Acceptor interface {
	Accept(conn transport.Conn)
}

// AcceptorFunc adapts functions into the Acceptor interface.
type AcceptorFunc func(conn transport.Conn)

// Accept implements Acceptor.
func (f AcceptorFunc) Accept(conn transport.Conn) {
	if f == nil {
		return
	}
	f(conn)
}

type HandlerConfig struct {
	Logger telemetry.Logger
	Conn   ConnConfig
}

// Handler upgrades HTTP requests to lockstep sessions.
type Handler struct {
	acceptor Acceptor
	logger   telemetry.Logger
	connCfg  ConnConfig
	upgrader websocket.Upgrader
}

func NewHandler(acceptor Acceptor, cfg HandlerConfig) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.NopLogger()
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *nethttp.Request) bool {
			return true
		},
	}

	return &Handler{
		acceptor: acceptor,
		logger:   logger,
		connCfg:  cfg.Conn,
		upgrader: upgrader,
	}
}

func (h *Handler) Handle(w nethttp.ResponseWriter, r *nethttp.Request) {
	if h == nil || h.acceptor == nil {
		nethttp.Error(w, "lockstep server unavailable", nethttp.StatusServiceUnavailable)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("upgrade failed for %s: %v", r.RemoteAddr, err)
		return
	}
	h.acceptor.Accept(NewConn(conn, h.connCfg))
}

// Dial opens a lockstep session to url.
func Dial(ctx context.Context, url string, cfg ConnConfig) (*Conn, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("ws: dial %s: %w", url, err)
	}
	return NewConn(conn, cfg), nil
}
