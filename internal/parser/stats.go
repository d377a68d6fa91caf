package parser

import (
	"sync"
	"sync/atomic"
)

// Stats tracks parse outcomes across the whole process. Counters are
// observability only; nothing downstream depends on them.
type Stats struct {
	total    atomic.Uint64
	success  atomic.Uint64
	failed   atomic.Uint64
	noEvents atomic.Uint64

	mu            sync.Mutex
	unknownTokens map[string]uint64
}

func newStats() *Stats {
	return &Stats{unknownTokens: make(map[string]uint64)}
}

func (s *Stats) recordUnknownToken(address string) {
	s.mu.Lock()
	s.unknownTokens[address]++
	s.mu.Unlock()
}

// StatsSnapshot is a point-in-time copy of the parse counters.
type StatsSnapshot struct {
	Total         uint64            `json:"total"`
	Success       uint64            `json:"success"`
	Failed        uint64            `json:"failed"`
	NoEvents      uint64            `json:"no_events"`
	UnknownTokens map[string]uint64 `json:"unknown_tokens"`
}

func (s *Stats) Snapshot() StatsSnapshot {
	snap := StatsSnapshot{
		Total:         s.total.Load(),
		Success:       s.success.Load(),
		Failed:        s.failed.Load(),
		NoEvents:      s.noEvents.Load(),
		UnknownTokens: make(map[string]uint64),
	}
	s.mu.Lock()
	for k, v := range s.unknownTokens {
		snap.UnknownTokens[k] = v
	}
	s.mu.Unlock()
	return snap
}
