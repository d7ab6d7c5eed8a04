package transport

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lockstep/server/internal/net/proto"
)

func TestPipeDeliversInOrderAndDrainsAfterClose(t *testing.T) {
	client, server := NewPipe("client", "server")
	ctx := context.Background()

	require.NoError(t, Write(client, proto.LoadedGame{CurrentTurn: 1}))
	require.NoError(t, Write(client, proto.LoadedGame{CurrentTurn: 2}))
	require.NoError(t, client.Close())

	first, err := Read(ctx, server)
	require.NoError(t, err)
	assert.Equal(t, proto.LoadedGame{CurrentTurn: 1}, first)
	second, err := Read(ctx, server)
	require.NoError(t, err)
	assert.Equal(t, proto.LoadedGame{CurrentTurn: 2}, second)

	_, err = server.Recv(ctx)
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, server.Send([]byte{1}), ErrClosed)

	assert.Equal(t, "pipe:client", server.RemoteAddr())
	server.SetRTT(40 * time.Millisecond)
	assert.Equal(t, 40*time.Millisecond, server.RTT())
}

func TestPipeRecvHonoursContext(t *testing.T) {
	_, server := NewPipe("client", "server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := server.Recv(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

// linkedTransferers wires two transferers through in-memory queues that the
// test pumps explicitly.
type linkedTransferers struct {
	a, b        *FileTransferer
	toA, toB    []proto.Message
	maxInFlight int
}

func newLinked(cfg FileTransferConfig) *linkedTransferers {
	l := &linkedTransferers{}
	l.a = NewFileTransferer(func(m proto.Message) error {
		l.toB = append(l.toB, m)
		if n := countData(l.toB); n > l.maxInFlight {
			l.maxInFlight = n
		}
		return nil
	}, cfg)
	l.b = NewFileTransferer(func(m proto.Message) error {
		l.toA = append(l.toA, m)
		if n := countData(l.toA); n > l.maxInFlight {
			l.maxInFlight = n
		}
		return nil
	}, cfg)
	return l
}

func countData(queue []proto.Message) int {
	n := 0
	for _, m := range queue {
		if _, ok := m.(proto.FileTransferData); ok {
			n++
		}
	}
	return n
}

// pump delivers queued messages until both sides are idle. Requests are
// answered with payload.
func (l *linkedTransferers) pump(t *testing.T, payload []byte) {
	for len(l.toA) > 0 || len(l.toB) > 0 {
		for len(l.toB) > 0 {
			msg := l.toB[0]
			l.toB = l.toB[1:]
			if req, ok := msg.(proto.FileTransferRequest); ok {
				require.NoError(t, l.b.StartResponse(req.RequestID, payload))
				continue
			}
			handled, err := l.b.Handle(msg)
			require.True(t, handled)
			require.NoError(t, err)
		}
		for len(l.toA) > 0 {
			msg := l.toA[0]
			l.toA = l.toA[1:]
			handled, err := l.a.Handle(msg)
			require.True(t, handled)
			require.NoError(t, err)
		}
	}
}

func TestFileTransferChunksWithinWindow(t *testing.T) {
	cfg := FileTransferConfig{ChunkSize: 10, Window: 3, MaxLength: 1 << 10}
	l := newLinked(cfg)
	payload := bytes.Repeat([]byte("0123456789abcdef"), 8)

	var got []byte
	var gotErr error
	calls := 0
	_, err := l.a.StartTask(func(data []byte, err error) {
		calls++
		got, gotErr = data, err
	})
	require.NoError(t, err)
	assert.Equal(t, 1, l.a.Pending())

	l.pump(t, payload)

	require.Equal(t, 1, calls)
	require.NoError(t, gotErr)
	assert.Equal(t, payload, got)
	assert.LessOrEqual(t, l.maxInFlight, cfg.Window)
	assert.Zero(t, l.a.Pending())
	assert.Zero(t, l.b.Pending())
}

func TestFileTransferEmptyPayload(t *testing.T) {
	l := newLinked(FileTransferConfig{})
	done := false
	_, err := l.a.StartTask(func(data []byte, err error) {
		done = true
		assert.NoError(t, err)
		assert.Empty(t, data)
	})
	require.NoError(t, err)
	l.pump(t, nil)
	assert.True(t, done)
}

func TestFileTransferRejectsBadInput(t *testing.T) {
	var sent []proto.Message
	f := NewFileTransferer(func(m proto.Message) error {
		sent = append(sent, m)
		return nil
	}, FileTransferConfig{MaxLength: 8})

	handled, err := f.Handle(proto.Chat{Text: "hi"})
	assert.False(t, handled)
	assert.NoError(t, err)

	_, err = f.Handle(proto.FileTransferData{RequestID: 9})
	require.ErrorIs(t, err, ErrUnknownTransfer)

	var failure error
	id, err := f.StartTask(func(_ []byte, err error) { failure = err })
	require.NoError(t, err)
	_, err = f.Handle(proto.FileTransferResponse{RequestID: id, Length: 64})
	require.ErrorIs(t, err, ErrTransferTooLarge)
	require.ErrorIs(t, failure, ErrTransferTooLarge)

	id, err = f.StartTask(func(_ []byte, err error) { failure = err })
	require.NoError(t, err)
	_, err = f.Handle(proto.FileTransferResponse{RequestID: id, Length: 4, Checksum: []byte("bogus")})
	require.NoError(t, err)
	_, err = f.Handle(proto.FileTransferData{RequestID: id, Data: []byte("data")})
	require.NoError(t, err)
	require.ErrorIs(t, failure, ErrChecksumMismatch)
	assert.Len(t, sent, 3, "two requests and one ack")
}
