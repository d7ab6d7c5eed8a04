package netserver

import (
	"strings"

	"lockstep/server/internal/lobby"
	"lockstep/server/internal/net/proto"
	"lockstep/server/internal/sim"
)

type assignment struct {
	guid     string
	name     string
	playerID int32
	status   proto.ReadyStatus
	enabled  bool
}

// Assignments is the roster of a match keyed by session GUID. Entries of
// disconnected sessions stay disabled so a rejoin can reclaim the slot.
type Assignments struct {
	order  []string
	byGUID map[string]*assignment
}

func NewAssignments() *Assignments {
	return &Assignments{byGUID: make(map[string]*assignment)}
}

// Add records a new enabled entry, replacing any previous one for guid.
func (a *Assignments) Add(guid, name string, playerID int32) {
	if _, ok := a.byGUID[guid]; !ok {
		a.order = append(a.order, guid)
	}
	a.byGUID[guid] = &assignment{guid: guid, name: name, playerID: playerID, enabled: true}
}

// PlayerID returns the player controlled by guid or the observer id.
func (a *Assignments) PlayerID(guid string) int32 {
	if entry, ok := a.byGUID[guid]; ok {
		return entry.playerID
	}
	return sim.ObserverPlayerID
}

func (a *Assignments) Enable(guid, name string) bool {
	entry, ok := a.byGUID[guid]
	if !ok {
		return false
	}
	entry.enabled = true
	entry.name = name
	return true
}

func (a *Assignments) Disable(guid string) {
	if entry, ok := a.byGUID[guid]; ok {
		entry.enabled = false
		entry.status = proto.NotReady
	}
}

// FindDisabled returns the GUID of a disabled entry matching guid or, when
// guid is empty or unknown, the player name.
func (a *Assignments) FindDisabled(guid, name string) (string, bool) {
	if entry, ok := a.byGUID[guid]; ok && guid != "" && !entry.enabled {
		return entry.guid, true
	}
	for _, g := range a.order {
		entry := a.byGUID[g]
		if !entry.enabled && lobby.SameName(entry.name, name) {
			return entry.guid, true
		}
	}
	return "", false
}

// Assign gives playerID to guid. A previous holder of the player becomes an
// observer.
func (a *Assignments) Assign(guid string, playerID int32) bool {
	entry, ok := a.byGUID[guid]
	if !ok {
		return false
	}
	if playerID != sim.ObserverPlayerID {
		for _, other := range a.byGUID {
			if other != entry && other.playerID == playerID {
				other.playerID = sim.ObserverPlayerID
				other.status = proto.NotReady
			}
		}
	}
	entry.playerID = playerID
	entry.status = proto.NotReady
	return true
}

// FreePlayer returns the lowest player id below limit nobody holds.
func (a *Assignments) FreePlayer(limit int) int32 {
	taken := make(map[int32]bool, len(a.byGUID))
	for _, entry := range a.byGUID {
		taken[entry.playerID] = true
	}
	for id := int32(0); int(id) < limit; id++ {
		if !taken[id] {
			return id
		}
	}
	return sim.ObserverPlayerID
}

// SetStatus changes readiness. Observers cannot be ready.
func (a *Assignments) SetStatus(guid string, status proto.ReadyStatus) bool {
	entry, ok := a.byGUID[guid]
	if !ok || entry.playerID == sim.ObserverPlayerID {
		return false
	}
	entry.status = status
	return true
}

// ClearReady resets every player except those who asked to stay ready.
func (a *Assignments) ClearReady() {
	for _, entry := range a.byGUID {
		if entry.status != proto.StayReady {
			entry.status = proto.NotReady
		}
	}
}

// EraseDisabled drops entries of sessions that left before the match started.
func (a *Assignments) EraseDisabled() {
	kept := a.order[:0]
	for _, guid := range a.order {
		if a.byGUID[guid].enabled {
			kept = append(kept, guid)
			continue
		}
		delete(a.byGUID, guid)
	}
	a.order = kept
}

// Reclaimable counts disabled player slots a rejoin may still claim.
func (a *Assignments) Reclaimable() int {
	n := 0
	for _, entry := range a.byGUID {
		if !entry.enabled && entry.playerID != sim.ObserverPlayerID {
			n++
		}
	}
	return n
}

// HasName reports whether an enabled entry other than guid uses name.
func (a *Assignments) HasName(name, exceptGUID string) bool {
	for _, entry := range a.byGUID {
		if entry.enabled && entry.guid != exceptGUID && strings.EqualFold(entry.name, name) {
			return true
		}
	}
	return false
}

// Roster renders the broadcast form in join order.
func (a *Assignments) Roster() proto.PlayerAssignment {
	out := proto.PlayerAssignment{Assignments: make([]proto.Assignment, 0, len(a.order))}
	for _, guid := range a.order {
		entry := a.byGUID[guid]
		out.Assignments = append(out.Assignments, proto.Assignment{
			GUID:     entry.guid,
			Name:     entry.name,
			PlayerID: entry.playerID,
			Status:   entry.status,
			Enabled:  entry.enabled,
		})
	}
	return out
}
