package proto

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodePreservesFields(t *testing.T) {
	cases := []Message{
		SimulationCommand{ClientID: 3, PlayerID: -1, Turn: 12, Payload: []byte{0, 1, 2}},
		PlayerAssignment{Assignments: []Assignment{
			{GUID: "g1", Name: "alice", PlayerID: 1, Status: Ready, Enabled: true},
			{GUID: "g2", Name: "bob", PlayerID: -1, Enabled: false},
		}},
		SyncError{Turn: 40, ExpectedHash: []byte{0xaa}, Players: []string{"carol"}},
		Disconnect{Reason: ReasonIncorrectReadyTurnCommands},
	}
	for _, want := range cases {
		t.Run(want.Type().String(), func(t *testing.T) {
			frame, err := Encode(want)
			require.NoError(t, err)
			assert.Equal(t, byte(want.Type()), frame[0])

			got, err := Decode(frame)
			require.NoError(t, err)
			if diff := cmp.Diff(want, got); diff != "" {
				t.Fatalf("decoded message mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDecodeRejectsMalformedFrames(t *testing.T) {
	_, err := Decode(nil)
	require.ErrorIs(t, err, ErrShortMessage)

	_, err = Decode([]byte{byte(typeCount) + 4})
	require.ErrorIs(t, err, ErrUnknownMessage)

	_, err = Decode([]byte{byte(TypeInvalid)})
	require.ErrorIs(t, err, ErrUnknownMessage)

	_, err = Decode([]byte{byte(TypeEndCommandBatch), 0xc1})
	require.Error(t, err)

	_, err = Encode(nil)
	require.ErrorIs(t, err, ErrUnknownMessage)
}

func TestMessageTypeNamesCoverEveryType(t *testing.T) {
	for typ := TypeInvalid; typ < typeCount; typ++ {
		assert.NotEmpty(t, typ.String(), "type %d", typ)
	}
	assert.Equal(t, "unknown", typeCount.String())
	assert.Equal(t, "playername_in_use", ReasonPlayernameInUse.String())
	assert.Equal(t, "unknown", DisconnectReason(250).String())

	err := &DisconnectError{Reason: ReasonServerFull}
	assert.Contains(t, err.Error(), "server_full")
}

func TestSnapshotCompression(t *testing.T) {
	state := bytes.Repeat([]byte("deterministic "), 512)
	data, err := EncodeSnapshot(Snapshot{Turn: 8, State: state})
	require.NoError(t, err)
	assert.Less(t, len(data), len(state))

	got, err := DecodeSnapshot(data)
	require.NoError(t, err)
	assert.Equal(t, uint32(8), got.Turn)
	assert.Equal(t, state, got.State)

	_, err = DecodeSnapshot([]byte("not lz4"))
	require.Error(t, err)
}
