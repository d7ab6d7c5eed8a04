package ws

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"

	"lockstep/server/internal/net/transport"
)

// ErrSendBufferFull indicates the peer is not draining its socket.
var ErrSendBufferFull = errors.New("ws: send buffer full")

const rttSamples = 8

// ConnConfig tunes a websocket connection.
type ConnConfig struct {
	SendBuffer   int
	WriteTimeout time.Duration
	PingInterval time.Duration
	Clock        clock.Clock
}

// DefaultConnConfig returns the settings used for lockstep sessions.
func DefaultConnConfig() ConnConfig {
	return ConnConfig{
		SendBuffer:   256,
		WriteTimeout: 5 * time.Second,
		PingInterval: time.Second,
	}
}

// Conn adapts a gorilla websocket to transport.Conn. One goroutine reads
// frames and one writes them, so Send never blocks on the socket.
type Conn struct {
	ws    *websocket.Conn
	cfg   ConnConfig
	clock clock.Clock
	out   chan []byte
	in    chan []byte
	done  chan struct{}
	once  sync.Once
	errMu sync.Mutex
	err   error

	rttMu   sync.Mutex
	rtts    [rttSamples]time.Duration
	rttNext int
	rttLen  int
}

// NewConn starts the reader and writer goroutines for ws.
func NewConn(ws *websocket.Conn, cfg ConnConfig) *Conn {
	defaults := DefaultConnConfig()
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaults.SendBuffer
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaults.PingInterval
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	c := &Conn{
		ws:    ws,
		cfg:   cfg,
		clock: clk,
		out:   make(chan []byte, cfg.SendBuffer),
		in:    make(chan []byte, cfg.SendBuffer),
		done:  make(chan struct{}),
	}
	ws.SetPongHandler(c.handlePong)
	go c.readLoop()
	go c.writeLoop()
	return c
}

// Send implements transport.Conn.
func (c *Conn) Send(frame []byte) error {
	select {
	case <-c.done:
		return transport.ErrClosed
	default:
	}
	select {
	case c.out <- frame:
		return nil
	default:
		c.fail(ErrSendBufferFull)
		return ErrSendBufferFull
	}
}

// Recv implements transport.Conn.
func (c *Conn) Recv(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-c.in:
		return frame, nil
	case <-c.done:
		select {
		case frame := <-c.in:
			return frame, nil
		default:
			return nil, transport.ErrClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close implements transport.Conn. Queued frames are flushed before the
// close frame is written.
func (c *Conn) Close() error {
	c.fail(nil)
	return nil
}

// Err reports the error that closed the connection, if any.
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// RemoteAddr implements transport.Conn.
func (c *Conn) RemoteAddr() string {
	return c.ws.RemoteAddr().String()
}

// RTT implements transport.Conn as the mean of recent ping samples.
func (c *Conn) RTT() time.Duration {
	c.rttMu.Lock()
	defer c.rttMu.Unlock()
	if c.rttLen == 0 {
		return 0
	}
	var total time.Duration
	for i := 0; i < c.rttLen; i++ {
		total += c.rtts[i]
	}
	return total / time.Duration(c.rttLen)
}

func (c *Conn) fail(err error) {
	c.once.Do(func() {
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()
		close(c.done)
	})
}

func (c *Conn) readLoop() {
	defer c.fail(nil)
	for {
		typ, data, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.fail(err)
			}
			return
		}
		if typ != websocket.BinaryMessage {
			continue
		}
		select {
		case c.in <- data:
		case <-c.done:
			return
		}
	}
}

func (c *Conn) writeLoop() {
	ticker := c.clock.Ticker(c.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()
	for {
		select {
		case frame := <-c.out:
			if err := c.write(websocket.BinaryMessage, frame); err != nil {
				c.fail(err)
				return
			}
		case <-ticker.C:
			var stamp [8]byte
			binary.LittleEndian.PutUint64(stamp[:], uint64(c.clock.Now().UnixNano()))
			if err := c.write(websocket.PingMessage, stamp[:]); err != nil {
				c.fail(err)
				return
			}
		case <-c.done:
			c.flush()
			message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			c.write(websocket.CloseMessage, message)
			return
		}
	}
}

func (c *Conn) flush() {
	for {
		select {
		case frame := <-c.out:
			if err := c.write(websocket.BinaryMessage, frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Conn) write(typ int, data []byte) error {
	c.ws.SetWriteDeadline(c.clock.Now().Add(c.cfg.WriteTimeout))
	return c.ws.WriteMessage(typ, data)
}

func (c *Conn) handlePong(appData string) error {
	if len(appData) != 8 {
		return nil
	}
	sent := time.Unix(0, int64(binary.LittleEndian.Uint64([]byte(appData))))
	rtt := c.clock.Now().Sub(sent)
	if rtt < 0 {
		return nil
	}
	c.rttMu.Lock()
	c.rtts[c.rttNext] = rtt
	c.rttNext = (c.rttNext + 1) % rttSamples
	if c.rttLen < rttSamples {
		c.rttLen++
	}
	c.rttMu.Unlock()
	return nil
}

var _ transport.Conn = (*Conn)(nil)
