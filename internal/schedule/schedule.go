// Package schedule implements the Schedule Player (spec.md §4.2, C2): a
// bounded, time-ordered queue of TimedFrame that emits each frame
// exactly once at or after its wall-clock millisecond timestamp.
//
// The container is a sorted slice with binary-search insertion rather
// than a heap, per the design note in spec.md §9: a fixed-capacity ring
// with sorted insertion avoids heap fragmentation on a long-uptime
// embedded target, and C_SCHED is small enough (~1000) that O(n)
// insertion is cheap relative to the ~10Hz ingress rate.
package schedule

import (
	"sort"
	"sync"

	"github.com/trilume/dimmerd/internal/channels"
)

// TimedFrame is an absolute wall-clock brightness step (spec.md §3).
type TimedFrame struct {
	TsMs   uint64
	Values channels.Vector
}

// Player holds up to Capacity pending TimedFrames and tracks the last
// frame ever executed, so a client that reconnects after everything has
// already played sees the sticky last value rather than nothing.
type Player struct {
	mu       sync.Mutex
	capacity int
	frames   []TimedFrame

	lastFrame  channels.Vector
	hasEmitted bool
}

// NewPlayer returns an empty Player bounded to capacity frames.
func NewPlayer(capacity int) *Player {
	return &Player{capacity: capacity}
}

// AddCommand inserts a frame, preserving non-decreasing TsMs order, and
// reports whether it was accepted. Past and duplicate timestamps are
// accepted; only a full schedule is rejected (spec.md §4.2, §8 P5).
func (p *Player) AddCommand(tsMs uint64, values channels.Vector) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.frames) >= p.capacity {
		return false
	}

	idx := sort.Search(len(p.frames), func(i int) bool { return p.frames[i].TsMs > tsMs })
	p.frames = append(p.frames, TimedFrame{})
	copy(p.frames[idx+1:], p.frames[idx:])
	p.frames[idx] = TimedFrame{TsMs: tsMs, Values: channels.Clone(values)}
	return true
}

// ClearSchedule discards every pending frame and forgets the sticky
// last-executed frame (spec.md §4.2).
func (p *Player) ClearSchedule() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames = nil
	p.lastFrame = nil
	p.hasEmitted = false
}

// GetCurrentFrame pops every frame with TsMs <= nowMs, in order, and
// returns the last one's values. Ties are coalesced: only the final
// frame of a tied group is ever observed. If nothing is due but a frame
// has executed before, the sticky last frame is returned again. If
// nothing has ever executed, it returns (nil, false).
func (p *Player) GetCurrentFrame(nowMs uint64) (channels.Vector, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	i := 0
	for i < len(p.frames) && p.frames[i].TsMs <= nowMs {
		i++
	}
	if i > 0 {
		p.lastFrame = p.frames[i-1].Values
		p.hasEmitted = true
		p.frames = p.frames[i:]
	}

	if !p.hasEmitted {
		return nil, false
	}
	return channels.Clone(p.lastFrame), true
}

// HasValidSchedule reports whether any frame is queued or has ever been
// executed (spec.md §4.2).
func (p *Player) HasValidSchedule() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.frames) > 0 || p.hasEmitted
}

// CleanupOldCommands drops frames older than ts without emitting them,
// for pruning stale plans (spec.md §4.2).
func (p *Player) CleanupOldCommands(ts uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	i := 0
	for i < len(p.frames) && p.frames[i].TsMs < ts {
		i++
	}
	p.frames = p.frames[i:]
}

// Len reports the number of pending (not yet emitted) frames.
func (p *Player) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.frames)
}
