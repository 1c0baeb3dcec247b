package hub

import (
	"log/slog"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"automarathon/internal/domain"
)

// nowEpochMs returns the current time as Unix milliseconds.
func nowEpochMs() int64 {
	return time.Now().UnixMilli()
}

// ringRecord is the msgpack shape each mutation-log record is round-tripped
// through before its decoded fields are stored as a logEntry in the
// in-memory ring (spec.md §4.1). It is never persisted to the Store — the Store's
// JSON columns (spec.md §6.5) remain the durable record; this ring only
// serves replay/audit queries against recent activity.
type ringRecord struct {
	SeqNo int64               `msgpack:"seq"`
	Kind  domain.MutationKind `msgpack:"kind"`
	AtMs  int64               `msgpack:"at_ms"`
}

// appendLog records one applied mutation into the bounded ring, overwriting
// the oldest entry once full. Caller holds h.mu.
func (h *Hub) appendLog(kind domain.MutationKind) {
	h.nextSeq++
	rec := ringRecord{SeqNo: h.nextSeq, Kind: kind, AtMs: nowEpochMs()}
	enc, err := msgpack.Marshal(rec)
	if err != nil {
		slog.Warn("mutation log encode failed", "kind", kind, "err", err)
		return
	}
	var decoded ringRecord
	if err := msgpack.Unmarshal(enc, &decoded); err != nil {
		slog.Warn("mutation log decode failed", "kind", kind, "err", err)
		return
	}
	h.logRing[h.logPos] = logEntry{SeqNo: decoded.SeqNo, Kind: decoded.Kind, At: decoded.AtMs}
	h.logPos = (h.logPos + 1) % logRingCapacity
	if h.logPos == 0 {
		h.logFull = true
	}
}

// LogSince returns every recorded mutation with SeqNo > seq, oldest first.
// Used by reconnecting subscribers that want to know what they missed
// within the ring's retention window.
func (h *Hub) LogSince(seq int64) []domain.MutationKind {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := h.logPos
	if h.logFull {
		n = logRingCapacity
	}
	out := make([]domain.MutationKind, 0, n)
	start := 0
	if h.logFull {
		start = h.logPos
	}
	for i := 0; i < n; i++ {
		idx := (start + i) % logRingCapacity
		e := h.logRing[idx]
		if e.SeqNo > seq {
			out = append(out, e.Kind)
		}
	}
	return out
}
