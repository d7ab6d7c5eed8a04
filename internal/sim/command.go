package sim

import (
	"encoding/hex"
	"sort"
)

// ObserverPlayerID marks an assignment that controls no player.
const ObserverPlayerID int32 = -1

// Command is a player command scheduled for a specific turn. The payload is
// opaque to the lockstep core and is never mutated after creation.
type Command struct {
	ClientID uint32 `msgpack:"client"`
	PlayerID int32  `msgpack:"player"`
	Turn     uint32 `msgpack:"turn"`
	Payload  []byte `msgpack:"payload"`
}

// Clone returns a copy that shares no memory with the receiver.
func (c Command) Clone() Command {
	cloned := c
	if c.Payload != nil {
		cloned.Payload = append([]byte(nil), c.Payload...)
	}
	return cloned
}

// StateHash is the digest a participant computes after simulating a turn.
type StateHash string

// String renders the hash as lowercase hex for logs and sync error reports.
func (h StateHash) String() string {
	return hex.EncodeToString([]byte(h))
}

// CanonicalOrder sorts commands by ascending client id while keeping the
// insertion order of each client's commands. Every participant derives the
// same batch from the same command set regardless of arrival order.
func CanonicalOrder(commands []Command) {
	sort.SliceStable(commands, func(i, j int) bool {
		return commands[i].ClientID < commands[j].ClientID
	})
}

// Batch flattens per-client command queues into one canonically ordered batch.
func Batch(queued map[uint32][]Command) []Command {
	if len(queued) == 0 {
		return nil
	}
	clients := make([]uint32, 0, len(queued))
	total := 0
	for id, cmds := range queued {
		clients = append(clients, id)
		total += len(cmds)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })
	batch := make([]Command, 0, total)
	for _, id := range clients {
		batch = append(batch, queued[id]...)
	}
	return batch
}
