package transport

import (
	"bytes"
	"errors"
	"fmt"

	"lukechampine.com/blake3"

	"lockstep/server/internal/net/proto"
)

var (
	// ErrUnknownTransfer indicates a transfer message for no active task.
	ErrUnknownTransfer = errors.New("transport: unknown file transfer")
	// ErrTransferTooLarge indicates an announced length above the limit.
	ErrTransferTooLarge = errors.New("transport: file transfer too large")
	// ErrTransferOverflow indicates more data arrived than was announced.
	ErrTransferOverflow = errors.New("transport: file transfer overflow")
	// ErrChecksumMismatch indicates the received data failed verification.
	ErrChecksumMismatch = errors.New("transport: file transfer checksum mismatch")
)

// FileTransferConfig tunes chunking.
type FileTransferConfig struct {
	ChunkSize int
	Window    int
	MaxLength uint64
}

// DefaultFileTransferConfig returns the chunking used for rejoin snapshots.
func DefaultFileTransferConfig() FileTransferConfig {
	return FileTransferConfig{
		ChunkSize: 16 * 1024,
		Window:    8,
		MaxLength: 64 << 20,
	}
}

// CompletionFunc receives the transferred data or the reason it failed.
type CompletionFunc func(data []byte, err error)

type receiveTask struct {
	length   uint64
	checksum []byte
	buf      bytes.Buffer
	started  bool
	done     CompletionFunc
}

type sendTask struct {
	id      uint32
	data    []byte
	offset  int
	unacked int
}

// FileTransferer moves large blobs over a session as acknowledged chunks
// with a bounded number of chunks in flight. It is not safe for concurrent
// use; the owner of the session drives it.
type FileTransferer struct {
	send     func(proto.Message) error
	cfg      FileTransferConfig
	nextID   uint32
	receives map[uint32]*receiveTask
	sends    map[uint32]*sendTask
}

// NewFileTransferer binds a transferer to a session send function.
func NewFileTransferer(send func(proto.Message) error, cfg FileTransferConfig) *FileTransferer {
	defaults := DefaultFileTransferConfig()
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaults.ChunkSize
	}
	if cfg.Window <= 0 {
		cfg.Window = defaults.Window
	}
	if cfg.MaxLength == 0 {
		cfg.MaxLength = defaults.MaxLength
	}
	return &FileTransferer{
		send:     send,
		cfg:      cfg,
		receives: make(map[uint32]*receiveTask),
		sends:    make(map[uint32]*sendTask),
	}
}

// StartTask asks the peer for a blob and registers done for the result.
func (f *FileTransferer) StartTask(done CompletionFunc) (uint32, error) {
	f.nextID++
	id := f.nextID
	f.receives[id] = &receiveTask{done: done}
	if err := f.send(proto.FileTransferRequest{RequestID: id}); err != nil {
		delete(f.receives, id)
		return 0, err
	}
	return id, nil
}

// StartResponse answers a peer request with data.
func (f *FileTransferer) StartResponse(requestID uint32, data []byte) error {
	sum := blake3.Sum256(data)
	if err := f.send(proto.FileTransferResponse{
		RequestID: requestID,
		Length:    uint64(len(data)),
		Checksum:  sum[:],
	}); err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	f.sends[requestID] = &sendTask{id: requestID, data: data}
	return f.Poll()
}

// Handle routes file transfer messages. It reports false for any other
// message type.
func (f *FileTransferer) Handle(msg proto.Message) (bool, error) {
	switch m := msg.(type) {
	case proto.FileTransferResponse:
		return true, f.onResponse(m)
	case proto.FileTransferData:
		return true, f.onData(m)
	case proto.FileTransferAck:
		return true, f.onAck(m)
	default:
		return false, nil
	}
}

// Poll sends queued chunks up to the in-flight window.
func (f *FileTransferer) Poll() error {
	for _, task := range f.sends {
		for task.unacked < f.cfg.Window && task.offset < len(task.data) {
			end := task.offset + f.cfg.ChunkSize
			if end > len(task.data) {
				end = len(task.data)
			}
			if err := f.send(proto.FileTransferData{RequestID: task.id, Data: task.data[task.offset:end]}); err != nil {
				return err
			}
			task.offset = end
			task.unacked++
		}
	}
	return nil
}

// Pending reports the number of unfinished sends and receives.
func (f *FileTransferer) Pending() int {
	return len(f.sends) + len(f.receives)
}

// Cancel abandons every active task; pending receivers are not notified.
func (f *FileTransferer) Cancel() {
	f.receives = make(map[uint32]*receiveTask)
	f.sends = make(map[uint32]*sendTask)
}

func (f *FileTransferer) onResponse(m proto.FileTransferResponse) error {
	task, ok := f.receives[m.RequestID]
	if !ok || task.started {
		return fmt.Errorf("%w: response %d", ErrUnknownTransfer, m.RequestID)
	}
	if m.Length > f.cfg.MaxLength {
		delete(f.receives, m.RequestID)
		err := fmt.Errorf("%w: %d bytes", ErrTransferTooLarge, m.Length)
		task.finish(nil, err)
		return err
	}
	task.started = true
	task.length = m.Length
	task.checksum = m.Checksum
	task.buf.Grow(int(m.Length))
	if m.Length == 0 {
		f.complete(m.RequestID, task)
	}
	return nil
}

func (f *FileTransferer) onData(m proto.FileTransferData) error {
	task, ok := f.receives[m.RequestID]
	if !ok || !task.started {
		return fmt.Errorf("%w: data %d", ErrUnknownTransfer, m.RequestID)
	}
	if uint64(task.buf.Len())+uint64(len(m.Data)) > task.length {
		delete(f.receives, m.RequestID)
		task.finish(nil, ErrTransferOverflow)
		return ErrTransferOverflow
	}
	task.buf.Write(m.Data)
	if err := f.send(proto.FileTransferAck{RequestID: m.RequestID, NumPackets: 1}); err != nil {
		return err
	}
	if uint64(task.buf.Len()) == task.length {
		f.complete(m.RequestID, task)
	}
	return nil
}

func (f *FileTransferer) onAck(m proto.FileTransferAck) error {
	task, ok := f.sends[m.RequestID]
	if !ok {
		return fmt.Errorf("%w: ack %d", ErrUnknownTransfer, m.RequestID)
	}
	acked := int(m.NumPackets)
	if acked > task.unacked {
		acked = task.unacked
	}
	task.unacked -= acked
	if task.offset >= len(task.data) && task.unacked == 0 {
		delete(f.sends, m.RequestID)
		return nil
	}
	return f.Poll()
}

func (f *FileTransferer) complete(id uint32, task *receiveTask) {
	delete(f.receives, id)
	data := task.buf.Bytes()
	sum := blake3.Sum256(data)
	if !bytes.Equal(sum[:], task.checksum) {
		task.finish(nil, ErrChecksumMismatch)
		return
	}
	task.finish(data, nil)
}

func (t *receiveTask) finish(data []byte, err error) {
	if t.done != nil {
		t.done(data, err)
	}
}
