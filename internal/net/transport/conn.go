// Package transport abstracts the reliable ordered message channel a lockstep
// session runs over.
package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"lockstep/server/internal/net/proto"
)

// ErrClosed is returned once either side closed the connection.
var ErrClosed = errors.New("transport: connection closed")

// Conn is a reliable, ordered, frame-oriented connection.
type Conn interface {
	// Send queues a frame for delivery. It must not block on the peer.
	Send(frame []byte) error
	// Recv blocks until a frame arrives, the connection closes or ctx ends.
	Recv(ctx context.Context) ([]byte, error)
	Close() error
	RemoteAddr() string
	// RTT reports the mean round-trip time, or zero when unknown.
	RTT() time.Duration
}

// Write encodes msg and sends it on conn.
func Write(conn Conn, msg proto.Message) error {
	frame, err := proto.Encode(msg)
	if err != nil {
		return err
	}
	return conn.Send(frame)
}

// Read receives and decodes the next message from conn.
func Read(ctx context.Context, conn Conn) (proto.Message, error) {
	frame, err := conn.Recv(ctx)
	if err != nil {
		return nil, err
	}
	return proto.Decode(frame)
}

const pipeBuffer = 1024

// PipeConn is one end of an in-memory connection.
type PipeConn struct {
	name  string
	in    chan []byte
	out   chan []byte
	state *pipeState
	rtt   atomic.Int64
}

type pipeState struct {
	once sync.Once
	done chan struct{}
}

// NewPipe returns two connected ends. Closing either closes both.
func NewPipe(leftName, rightName string) (*PipeConn, *PipeConn) {
	a := make(chan []byte, pipeBuffer)
	b := make(chan []byte, pipeBuffer)
	state := &pipeState{done: make(chan struct{})}
	left := &PipeConn{name: rightName, in: a, out: b, state: state}
	right := &PipeConn{name: leftName, in: b, out: a, state: state}
	return left, right
}

// Send implements Conn.
func (p *PipeConn) Send(frame []byte) error {
	select {
	case <-p.state.done:
		return ErrClosed
	default:
	}
	copied := append([]byte(nil), frame...)
	select {
	case p.out <- copied:
		return nil
	case <-p.state.done:
		return ErrClosed
	}
}

// Recv implements Conn. Frames queued before Close are still delivered.
func (p *PipeConn) Recv(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-p.in:
		return frame, nil
	default:
	}
	select {
	case frame := <-p.in:
		return frame, nil
	case <-p.state.done:
		select {
		case frame := <-p.in:
			return frame, nil
		default:
			return nil, ErrClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close implements Conn.
func (p *PipeConn) Close() error {
	p.state.once.Do(func() { close(p.state.done) })
	return nil
}

// RemoteAddr implements Conn.
func (p *PipeConn) RemoteAddr() string { return "pipe:" + p.name }

// RTT implements Conn.
func (p *PipeConn) RTT() time.Duration { return time.Duration(p.rtt.Load()) }

// SetRTT overrides the reported round-trip time.
func (p *PipeConn) SetRTT(rtt time.Duration) { p.rtt.Store(int64(rtt)) }

var _ Conn = (*PipeConn)(nil)
