package netserver

import (
	"time"

	"lockstep/server/internal/net/proto"
	"lockstep/server/logging"
	lognet "lockstep/server/logging/network"
)

func (w *Worker) sweepIfDue() {
	now := w.clock.Now()
	if now.Sub(w.lastSweep) < w.cfg.ConnectionCheckInterval {
		return
	}
	w.lastSweep = now
	w.sweep(now)
}

// sweep warns in-game peers about sessions that went silent or whose round
// trip is poor. The affected session itself is not told.
func (w *Worker) sweep(now time.Time) {
	for _, s := range append([]*Session(nil), w.sessions...) {
		if s.state != StateIngame || s.removed {
			continue
		}
		silent := now.Sub(s.lastReceived)
		if silent > w.cfg.TimeoutWarning {
			ms := silent.Milliseconds()
			w.broadcast(proto.ClientTimeout{GUID: s.guid, LastReceivedMillis: clampMillis(ms)}, s, StateIngame)
			lognet.ClientTimeout(w.ctx, w.publisher, w.readyTurn(), logging.SessionRef(s.guid), lognet.TimeoutPayload{
				LastReceivedMillis: ms,
			})
		}
		if rtt := s.conn.RTT(); rtt > w.cfg.BadPing {
			ms := rtt.Milliseconds()
			w.broadcast(proto.ClientPerformance{GUID: s.guid, MeanRTTMillis: clampMillis(ms)}, s, StateIngame)
			lognet.PoorConnection(w.ctx, w.publisher, w.readyTurn(), logging.SessionRef(s.guid), lognet.PerformancePayload{
				MeanRTTMillis: ms,
			})
		}
	}
}

func clampMillis(ms int64) uint32 {
	if ms < 0 {
		return 0
	}
	if ms > int64(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(ms)
}
