package replay

import (
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lockstep/server/internal/sim"
)

func TestRecorderAttachesHashToLastTurn(t *testing.T) {
	rec := NewRecorder("")
	payload := []byte("move")
	rec.Turn(1, 200, []sim.Command{{ClientID: 1, PlayerID: 1, Turn: 1, Payload: payload}})
	rec.Hash("abc", false)
	rec.Turn(2, 250, nil)

	payload[0] = 'X'

	log := rec.Log()
	require.Len(t, log.Turns, 2)
	assert.Equal(t, []byte("move"), log.Turns[0].Commands[0].Payload)
	assert.True(t, log.Turns[0].Hashed)
	assert.Equal(t, sim.StateHash("abc"), log.Turns[0].Hash)
	assert.False(t, log.Turns[1].Hashed)
	assert.Equal(t, uint32(2), log.FinalTurn())
	assert.Equal(t, uint32(250), log.Index()[2].TurnLength)
}

func TestLogMarshalRoundTrip(t *testing.T) {
	log := Log{Turns: []TurnRecord{
		{Turn: 1, TurnLength: 200, Commands: []sim.Command{{ClientID: 2, PlayerID: 1, Turn: 1, Payload: []byte{1, 2}}}, Hash: "h", Hashed: true},
		{Turn: 2, TurnLength: 200, Commands: []sim.Command{}},
	}}
	data, err := log.Marshal()
	require.NoError(t, err)
	decoded, err := UnmarshalLog(data)
	require.NoError(t, err)
	if diff := cmp.Diff(log, decoded, cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("log mismatch (-want +got):\n%s", diff)
	}
}

func TestWriteDump(t *testing.T) {
	_, err := WriteDump("", Dump{})
	require.ErrorIs(t, err, ErrNoDirectory)

	dir := filepath.Join(t.TempDir(), "replays")
	want := Dump{Turn: 40, Expected: "aa", Local: "bb", Players: []string{"carol"}, State: []byte("state")}
	path, err := WriteDump(dir, want)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, DumpFileName), path)

	got, err := ReadDump(path)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}
