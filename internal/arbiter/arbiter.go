// Package arbiter implements the Mode Arbiter (spec.md §4.3, C3): the
// state machine that decides which of {static, planned, fast} currently
// drives the Dimming Engine, per the transition table in §4.3.
package arbiter

import (
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/trilume/dimmerd/internal/channels"
	"github.com/trilume/dimmerd/internal/engine"
)

// Mode is one of the three producers the arbiter can be driving from.
type Mode int

const (
	Static Mode = iota
	Planned
	Fast
)

func (m Mode) String() string {
	switch m {
	case Static:
		return "STATIC"
	case Planned:
		return "PLANNED"
	case Fast:
		return "FAST"
	default:
		return "UNKNOWN"
	}
}

// Applier is the subset of the Dimming Engine the arbiter pushes frames
// into. Satisfied by *engine.Engine via ApplyVector.
type Applier interface {
	ApplyVector(channels.Vector)
}

// Arbiter holds the three mode caches and decides, per the transition
// table in spec.md §4.3, which one is active and when to push it to the
// engine. Unlike most of this repo, Arbiter is touched from more than
// one goroutine in practice — the main loop's fast-timeout check, the
// broker's subscribe callbacks, and the UDP fast-ingress listener all
// call into it directly — so mu guards every field below, rather than
// relying on the single-cooperative-context assumption the rest of the
// system makes (spec.md §5).
type Arbiter struct {
	engine Applier
	log    *log.Logger

	mu   sync.Mutex
	mode Mode

	staticFrame  channels.Vector
	plannedFrame channels.Vector
	fastFrame    channels.Vector
	hasStatic    bool
	hasPlanned   bool

	currentFrame  channels.Vector
	lastApplied   channels.Vector
	lastFastFrame time.Time
}

// New returns an Arbiter in STATIC mode with all caches zeroed, n being
// the node's channel count.
func New(n int, engine Applier, logger *log.Logger) *Arbiter {
	if logger == nil {
		logger = log.Default()
	}
	return &Arbiter{
		engine:       engine,
		log:          logger.With("component", "arbiter"),
		mode:         Static,
		staticFrame:  channels.New(n),
		plannedFrame: channels.New(n),
		fastFrame:    channels.New(n),
		currentFrame: channels.New(n),
	}
}

// Mode returns the currently active mode.
func (a *Arbiter) Mode() Mode {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mode
}

// CurrentFrame returns the frame last pushed to the engine.
func (a *Arbiter) CurrentFrame() channels.Vector {
	a.mu.Lock()
	defer a.mu.Unlock()
	return channels.Clone(a.currentFrame)
}

// SetStatic is an operator override: it forces STATIC mode immediately
// regardless of prior mode, updates the static cache, and applies it
// (spec.md §4.3: "static messages are treated as an operator override").
func (a *Arbiter) SetStatic(v channels.Vector) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.staticFrame = channels.Clone(v)
	a.hasStatic = true
	a.mode = Static
	a.apply(a.staticFrame)
}

// SetPlanned updates the planned cache. Per the transition table, it
// only applies (pushes to the engine) when the mode is already PLANNED;
// otherwise it just updates the cache for later. Plan ingress (C4) is
// responsible for calling ForceMode(Planned) first.
func (a *Arbiter) SetPlanned(v channels.Vector) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.plannedFrame = channels.Clone(v)
	a.hasPlanned = true
	if a.mode == Planned {
		a.apply(a.plannedFrame)
	}
}

// SetFast updates the fast cache and switches to FAST mode, applying
// immediately, from any prior mode (spec.md §4.3).
func (a *Arbiter) SetFast(v channels.Vector) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fastFrame = channels.Clone(v)
	a.lastFastFrame = time.Now()
	a.mode = Fast
	a.apply(a.fastFrame)
}

// ForceMode switches to m and applies that mode's cache (or zeros, if
// the cache has never been written). Used by C4 to enter PLANNED mode
// ahead of the first SetPlanned call.
func (a *Arbiter) ForceMode(m Mode) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.mode = m
	a.apply(a.cacheFor(m))
}

// CheckFastTimeout implements the §4.3 FAST-mode fallback: if no fast
// packet has arrived within timeout, fall back to STATIC if hasStatic,
// else PLANNED if hasPlanned, else STATIC with zeros. Call this from the
// cooperative main loop; it is a no-op outside FAST mode.
func (a *Arbiter) CheckFastTimeout(timeout time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.mode != Fast {
		return
	}
	if time.Since(a.lastFastFrame) < timeout {
		return
	}

	switch {
	case a.hasStatic:
		a.log.Info("fast stream timed out, falling back to static")
		a.mode = Static
		a.apply(a.staticFrame)
	case a.hasPlanned:
		a.log.Info("fast stream timed out, falling back to planned")
		a.mode = Planned
		a.apply(a.plannedFrame)
	default:
		a.log.Info("fast stream timed out, no fallback cache, falling back to black")
		a.mode = Static
		a.apply(channels.New(len(a.currentFrame)))
	}
}

func (a *Arbiter) cacheFor(m Mode) channels.Vector {
	switch m {
	case Planned:
		return a.plannedFrame
	case Fast:
		return a.fastFrame
	default:
		return a.staticFrame
	}
}

// apply pushes v to the engine unless its quantized (0..9) form equals
// the last applied quantized form, matching the change-detection in
// spec.md §4.3 ("Apply is skipped if the mapped vector equals the last
// applied mapped vector... to avoid ISR contention").
func (a *Arbiter) apply(v channels.Vector) {
	a.currentFrame = channels.Clone(v)
	mapped := quantized(v)
	if a.lastApplied != nil && channels.Equal(a.lastApplied, mapped) {
		return
	}
	a.lastApplied = mapped
	a.engine.ApplyVector(v)
}

func quantized(v channels.Vector) channels.Vector {
	out := make(channels.Vector, len(v))
	for i, b := range v {
		out[i] = byte(engine.Quantize(b))
	}
	return out
}
