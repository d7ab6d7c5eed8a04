package proto

import (
	"bytes"
	"fmt"
	"io"

	"github.com/pierrec/lz4/v4"
	"github.com/vmihailenco/msgpack/v5"
)

// Snapshot is the serialized simulation state sent to rejoining peers.
type Snapshot struct {
	Turn  uint32 `msgpack:"turn"`
	State []byte `msgpack:"state"`
}

// EncodeSnapshot packs and lz4-compresses s for file transfer.
func EncodeSnapshot(s Snapshot) ([]byte, error) {
	var buf bytes.Buffer
	zw := lz4.NewWriter(&buf)
	if err := msgpack.NewEncoder(zw).Encode(&s); err != nil {
		return nil, fmt.Errorf("proto: encode snapshot: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("proto: compress snapshot: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeSnapshot reverses EncodeSnapshot.
func DecodeSnapshot(data []byte) (Snapshot, error) {
	raw, err := io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
	if err != nil {
		return Snapshot{}, fmt.Errorf("proto: decompress snapshot: %w", err)
	}
	var s Snapshot
	if err := msgpack.Unmarshal(raw, &s); err != nil {
		return Snapshot{}, fmt.Errorf("proto: decode snapshot: %w", err)
	}
	return s, nil
}
