package replay

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pierrec/lz4/v4"
	"github.com/vmihailenco/msgpack/v5"

	"lockstep/server/internal/sim"
)

// DumpFileName is the file written into the replay directory on a sync error.
const DumpFileName = "oos_dump.bin"

// ErrNoDirectory indicates the replay logger has nowhere to write dumps.
var ErrNoDirectory = errors.New("replay: no dump directory")

// Dump is the debug state written when the server reports divergence.
type Dump struct {
	Turn     uint32        `msgpack:"turn"`
	Expected sim.StateHash `msgpack:"expected"`
	Local    sim.StateHash `msgpack:"local"`
	Players  []string      `msgpack:"players"`
	State    []byte        `msgpack:"state"`
}

// WriteDump stores an lz4-compressed msgpack encoding of d in dir and returns
// the written path.
func WriteDump(dir string, d Dump) (string, error) {
	if dir == "" {
		return "", ErrNoDirectory
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("replay: create dump dir: %w", err)
	}
	path := filepath.Join(dir, DumpFileName)
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("replay: create dump: %w", err)
	}
	zw := lz4.NewWriter(f)
	if err := msgpack.NewEncoder(zw).Encode(&d); err != nil {
		f.Close()
		return "", fmt.Errorf("replay: encode dump: %w", err)
	}
	if err := zw.Close(); err != nil {
		f.Close()
		return "", fmt.Errorf("replay: flush dump: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("replay: close dump: %w", err)
	}
	return path, nil
}

// ReadDump decodes a file written by WriteDump.
func ReadDump(path string) (Dump, error) {
	f, err := os.Open(path)
	if err != nil {
		return Dump{}, fmt.Errorf("replay: open dump: %w", err)
	}
	defer f.Close()
	data, err := io.ReadAll(lz4.NewReader(f))
	if err != nil {
		return Dump{}, fmt.Errorf("replay: decompress dump: %w", err)
	}
	var d Dump
	if err := msgpack.Unmarshal(data, &d); err != nil {
		return Dump{}, fmt.Errorf("replay: decode dump: %w", err)
	}
	return d, nil
}
