// Package engine implements the Dimming Engine (spec.md §4.1, C1): it
// turns a per-channel brightness_level (0..9) into a gate pulse fired at
// the correct phase of each mains half-cycle.
//
// There is no real interrupt controller under a hosted Go runtime, so
// the zero-cross "ISR" and timer-fire "ISR" of the spec are each played
// by a dedicated callback invoked off the gpiocdev event stream / a
// time.Timer, with a single mutex standing in for the spec's brief
// interrupts-off critical section around the shared channel-state
// snapshot. The scheduling algorithm itself — debounce, minimum-delay
// search, ±FireToleranceUs pulse fusing — is unchanged from §4.1.
package engine

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/warthog618/go-gpiocdev"

	"github.com/trilume/dimmerd/internal/channels"
	"github.com/trilume/dimmerd/internal/config"
)

// MaxLevel is the engine's internal brightness quantization ceiling.
const MaxLevel = 9

// Quantize maps an 8-bit channel value onto the engine's 0..9 level
// scale. It is the inverse half of L1 in spec.md §8: setStaticBrightness
// followed by a read returns the value mapped through this function.
func Quantize(v byte) int {
	return int(v) * MaxLevel / 255
}

// FireDelayUs returns the gate-fire delay, in microseconds past the
// zero-cross, for the given brightness level. It is monotone-decreasing
// in level (spec.md §3 invariants, P2): level 0 maps to a delay strictly
// greater than a half-cycle so it never fires; level 9 fires almost at
// the zero-cross; 1..8 are linearly interpolated from HalfCycleUs-1500
// down towards MinDelayUs.
func FireDelayUs(level int, t config.Timing) int {
	if level <= 0 {
		return t.HalfCycleUs + 2000
	}
	if level >= MaxLevel {
		return t.MinDelayUs
	}
	top := t.HalfCycleUs - 1500
	frac := float64(MaxLevel-level) / float64(MaxLevel-1)
	d := float64(t.MinDelayUs) + frac*float64(top-t.MinDelayUs)
	return int(d + 0.5)
}

type noopCloser struct{}

func (noopCloser) Close() error { return nil }

type channelState struct {
	level       int
	fireDelayUs int
	fired       bool
}

// GPIOLines is the subset of *gpiocdev.Lines used for the N channel
// output pins, set together so no half-cycle observes a partial write.
type GPIOLines interface {
	SetValues([]int) error
	Close() error
}

// Engine drives up to N TRIAC gates synchronized to a mains zero-cross
// input. The zero value is not usable; construct with New.
type Engine struct {
	n      int
	timing config.Timing
	log    *log.Logger

	outputs   GPIOLines
	zcRequest io.Closer

	mu               sync.Mutex
	state            []channelState
	lastFireDelayUs  int
	lastZeroCross    time.Time
	zeroCrossHealthy bool
	emergencyShutoff bool

	timer *time.Timer
}

// New opens the configured GPIO lines and returns a ready Engine. The
// zero-cross line is requested with falling-edge detection and half the
// configured debounce as a coarse first filter; the engine's own
// debounce in onZeroCross (spec.md §4.1 step 1) is the authoritative
// one since gpiocdev's hardware debounce granularity varies by driver.
func New(cfg config.Config, logger *log.Logger) (*Engine, error) {
	n := cfg.Channels
	lines, err := gpiocdev.RequestLines(cfg.GPIO.Chip, cfg.GPIO.ChannelLines[:n],
		gpiocdev.AsOutput(make([]int, n)...))
	if err != nil {
		return nil, fmt.Errorf("engine: request channel lines: %w", err)
	}

	e := newEngine(n, cfg.Timing, logger, lines)

	zc, err := gpiocdev.RequestLine(cfg.GPIO.Chip, cfg.GPIO.ZeroCrossLine,
		gpiocdev.AsInput,
		gpiocdev.WithPullUp,
		gpiocdev.WithFallingEdge,
		gpiocdev.WithDebounce(time.Duration(cfg.Timing.ZCDebounceUs/2)*time.Microsecond),
		gpiocdev.WithEventHandler(e.onZeroCrossEvent))
	if err != nil {
		lines.Close()
		return nil, fmt.Errorf("engine: request zero-cross line: %w", err)
	}
	e.zcRequest = zc

	return e, nil
}

// newEngine builds an Engine around an already-opened GPIOLines output,
// with the zero-cross line left to be wired by the caller (New wires a
// real gpiocdev line; tests call onZeroCrossEvent directly).
func newEngine(n int, timing config.Timing, logger *log.Logger, outputs GPIOLines) *Engine {
	if logger == nil {
		logger = log.Default()
	}
	e := &Engine{
		n:         n,
		timing:    timing,
		log:       logger.With("component", "engine"),
		outputs:   outputs,
		state:     make([]channelState, n),
		zcRequest: noopCloser{},
	}
	for i := range e.state {
		e.state[i].fireDelayUs = FireDelayUs(0, e.timing)
	}
	e.timer = time.AfterFunc(time.Hour, e.onTimerFire)
	e.timer.Stop()
	return e
}

// Close releases the underlying GPIO lines.
func (e *Engine) Close() error {
	e.timer.Stop()
	var errs []error
	if err := e.zcRequest.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := e.outputs.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("engine: close: %v", errs)
	}
	return nil
}

// SetChannelBrightness sets one channel's level (clamped to 0..MaxLevel).
// It never fails and never blocks on hardware; the new delay takes
// effect on the next zero-cross or timer-fire scheduling pass, per
// spec.md §5's "atomic with respect to the ISRs" guarantee.
func (e *Engine) SetChannelBrightness(channel, level int) {
	if channel < 0 || channel >= e.n {
		return
	}
	level = clampLevel(level)

	e.mu.Lock()
	e.state[channel].level = level
	e.state[channel].fireDelayUs = FireDelayUs(level, e.timing)
	e.mu.Unlock()
}

// SetBrightness sets every channel to the same level.
func (e *Engine) SetBrightness(level int) {
	level = clampLevel(level)
	e.mu.Lock()
	for i := range e.state {
		e.state[i].level = level
		e.state[i].fireDelayUs = FireDelayUs(level, e.timing)
	}
	e.mu.Unlock()
}

// SetLevels sets all channels from a quantized level vector in one
// atomic pass (used by the arbiter so a frame change never shows a
// mixed old/new state to a half-cycle in progress).
func (e *Engine) SetLevels(levels []int) {
	e.mu.Lock()
	for i := 0; i < e.n && i < len(levels); i++ {
		l := clampLevel(levels[i])
		e.state[i].level = l
		e.state[i].fireDelayUs = FireDelayUs(l, e.timing)
	}
	e.mu.Unlock()
}

func clampLevel(level int) int {
	if level < 0 {
		return 0
	}
	if level > MaxLevel {
		return MaxLevel
	}
	return level
}

// onZeroCrossEvent is the zero-cross "ISR" (spec.md §4.1). gpiocdev
// invokes it from its own edge-watching goroutine; it must stay fast
// and allocation-free on the hot path.
func (e *Engine) onZeroCrossEvent(evt gpiocdev.LineEvent) {
	now := time.Now()

	e.mu.Lock()
	elapsed := now.Sub(e.lastZeroCross)
	if !e.lastZeroCross.IsZero() && elapsed < time.Duration(e.timing.ZCDebounceUs)*time.Microsecond {
		e.mu.Unlock()
		return
	}

	e.lastZeroCross = now
	e.zeroCrossHealthy = true
	for i := range e.state {
		e.state[i].fired = false
	}
	e.lastFireDelayUs = 0
	emergency := e.emergencyShutoff
	e.emergencyShutoff = false
	e.mu.Unlock()

	if emergency {
		e.log.Info("zero-cross signal restored, clearing emergency shutoff")
	}

	e.runScheduler()
}

// runScheduler implements the §4.1 "Scheduler" shared by both ISRs: it
// snapshots channel state, finds the nearest unfired deadline, and arms
// (or disarms) the one-shot timer for it.
func (e *Engine) runScheduler() {
	e.mu.Lock()
	minDelay, any := e.minUnfiredDelayLocked()
	last := e.lastFireDelayUs
	e.mu.Unlock()

	if !any {
		e.timer.Stop()
		return
	}

	d := minDelay - last
	switch {
	case d <= 0:
		// already past the deadline: fire as soon as possible.
		d = 1
	case d < 10:
		// spec requires a floor of 10us; FireToleranceUs defaults to
		// the same constant but is configurable, so floor explicitly.
		d = 10
	}

	e.timer.Reset(time.Duration(d) * time.Microsecond)
}

// minUnfiredDelayLocked returns the smallest fireDelayUs among channels
// that have not yet fired this half-cycle and whose delay falls within
// the half-cycle. Callers must hold e.mu.
func (e *Engine) minUnfiredDelayLocked() (int, bool) {
	min := 0
	found := false
	for _, s := range e.state {
		if s.fired || s.fireDelayUs >= e.timing.HalfCycleUs {
			continue
		}
		if !found || s.fireDelayUs < min {
			min = s.fireDelayUs
			found = true
		}
	}
	return min, found
}

// onTimerFire is the timer-fire "ISR" (spec.md §4.1). It fires every
// channel whose delay falls within FireToleranceUs of the target delay,
// holds the pulse for PulseUs, drives outputs low again, then re-arms
// the scheduler for any channels still unfired this half-cycle.
func (e *Engine) onTimerFire() {
	e.mu.Lock()
	target, any := e.minUnfiredDelayLocked()
	if !any {
		e.mu.Unlock()
		return
	}

	values := make([]int, e.n)
	fired := make([]int, 0, e.n)
	for i := range e.state {
		s := &e.state[i]
		if s.fired || s.fireDelayUs >= e.timing.HalfCycleUs {
			continue
		}
		if s.fireDelayUs >= target && s.fireDelayUs <= target+e.timing.FireToleranceUs {
			values[i] = 1
			s.fired = true
			fired = append(fired, i)
		}
	}
	e.mu.Unlock()

	if len(fired) == 0 {
		return
	}

	if err := e.outputs.SetValues(values); err != nil {
		e.log.Error("failed to drive gate outputs high", "err", err)
	}

	time.Sleep(time.Duration(e.timing.PulseUs) * time.Microsecond)

	low := make([]int, e.n)
	if err := e.outputs.SetValues(low); err != nil {
		e.log.Error("failed to drive gate outputs low", "err", err)
	}

	e.mu.Lock()
	e.lastFireDelayUs = target
	e.mu.Unlock()

	e.runScheduler()
}

// Update is the cooperative safety watchdog (spec.md §4.1): if the mains
// signal has gone quiet for longer than ZCLostUs, it forces all outputs
// low, disables the timer, and marks the zero-cross signal unhealthy.
// Call it roughly every main-loop tick.
func (e *Engine) Update() {
	e.mu.Lock()
	lost := !e.lastZeroCross.IsZero() && time.Since(e.lastZeroCross) > time.Duration(e.timing.ZCLostUs)*time.Microsecond
	alreadyShutoff := e.emergencyShutoff
	if lost {
		e.emergencyShutoff = true
		e.zeroCrossHealthy = false
	}
	e.mu.Unlock()

	if lost && !alreadyShutoff {
		e.timer.Stop()
		low := make([]int, e.n)
		if err := e.outputs.SetValues(low); err != nil {
			e.log.Error("failed to force gate outputs low on zero-cross loss", "err", err)
		}
		e.log.Warn("zero-cross signal lost, emergency shutoff engaged")
	}
}

// Run starts the cooperative watchdog loop, calling Update on the given
// period until ctx is done. The caller typically runs this as one of
// several goroutines alongside the main network loop.
func (e *Engine) Run(ctx context.Context, tick time.Duration) {
	t := time.NewTicker(tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			e.Update()
		}
	}
}

// Snapshot is the queryable observable set named in spec.md §4.1: last
// zero-cross timestamp, last fire delay, per-channel level/delay, and
// whether the zero-cross signal is currently considered healthy.
type Snapshot struct {
	LastZeroCross    time.Time
	LastFireDelayUs  int
	Levels           []int
	FireDelaysUs     []int
	ZeroCrossHealthy bool
	EmergencyShutoff bool
}

// Snapshot returns a consistent point-in-time view of the engine state.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := Snapshot{
		LastZeroCross:    e.lastZeroCross,
		LastFireDelayUs:  e.lastFireDelayUs,
		Levels:           make([]int, e.n),
		FireDelaysUs:     make([]int, e.n),
		ZeroCrossHealthy: e.zeroCrossHealthy,
		EmergencyShutoff: e.emergencyShutoff,
	}
	for i, c := range e.state {
		s.Levels[i] = c.level
		s.FireDelaysUs[i] = c.fireDelayUs
	}
	return s
}

// ApplyVector quantizes a channel vector and pushes it to the engine in
// one pass, the mechanism the arbiter (C3) uses for "apply".
func (e *Engine) ApplyVector(v channels.Vector) {
	levels := make([]int, len(v))
	for i, b := range v {
		levels[i] = Quantize(b)
	}
	e.SetLevels(levels)
}
