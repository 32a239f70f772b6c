package peer

import (
	"sync"
	"time"

	"github.com/btcsuite/btclog"
)

// LogRingBytes bounds a peer's scoped log ring (spec §3: "bounded, e.g.
// 128 KiB").
const LogRingBytes = 128 * 1024

// LogEntry is one line in a peer's scoped log ring.
type LogEntry struct {
	Time    time.Time
	Level   btclog.Level
	Message string
}

// LogRing is a bounded, per-peer log buffer whose high-severity entries
// mirror to the process log (spec §3). It evicts the oldest entries once
// the byte budget is exceeded, never the newest.
type LogRing struct {
	mu      sync.Mutex
	entries []LogEntry
	size    int

	// mirror receives entries at or above mirrorLevel; nil disables
	// mirroring (used in tests).
	mirror      btclog.Logger
	mirrorLevel btclog.Level
}

// NewLogRing creates an empty log ring that mirrors entries at mirrorLevel
// or above into mirror.
func NewLogRing(mirror btclog.Logger, mirrorLevel btclog.Level) *LogRing {
	return &LogRing{mirror: mirror, mirrorLevel: mirrorLevel}
}

// Add appends an entry, evicting the oldest entries as needed to stay
// within LogRingBytes, and mirrors it to the process log if its severity
// qualifies.
func (r *LogRing) Add(level btclog.Level, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry := LogEntry{Time: time.Now(), Level: level, Message: message}
	r.entries = append(r.entries, entry)
	r.size += len(message)

	for r.size > LogRingBytes && len(r.entries) > 0 {
		r.size -= len(r.entries[0].Message)
		r.entries = r.entries[1:]
	}

	if r.mirror != nil && level >= r.mirrorLevel {
		r.mirror.Warnf("%s", message)
	}
}

// Since returns every entry at or above the given level, in chronological
// order (for the `listpeers` `level` dump, spec §4.9).
func (r *LogRing) Since(level btclog.Level) []LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]LogEntry, 0, len(r.entries))
	for _, e := range r.entries {
		if e.Level >= level {
			out = append(out, e)
		}
	}
	return out
}
