package ingress

import (
	"errors"

	"github.com/charmbracelet/log"

	"github.com/trilume/dimmerd/internal/arbiter"
	"github.com/trilume/dimmerd/internal/channels"
	"github.com/trilume/dimmerd/internal/schedule"
	"github.com/trilume/dimmerd/internal/wire"
)

// SchedulePlayer is the subset of *schedule.Player this package needs.
type SchedulePlayer interface {
	AddCommand(tsMs uint64, values channels.Vector) bool
	ClearSchedule()
	HasValidSchedule() bool
	GetCurrentFrame(nowMs uint64) (channels.Vector, bool)
	CleanupOldCommands(ts uint64)
}

// PlanSetter is the subset of the arbiter this package needs.
type PlanSetter interface {
	ForceMode(arbiter.Mode)
	SetPlanned(channels.Vector)
}

// staleBacklogMs is how far behind nowMs a pending frame has to be
// before Drive gives up on ever executing it and prunes it unseen. It
// is scaled to the "device was offline for a while and reconnected"
// case (spec.md §9's cleanupOldCommands note), not to the half-cycle —
// anything within this window is still a legitimate (if late) frame
// that GetCurrentFrame should coalesce into the current output.
const staleBacklogMs = 30_000

// Plan is the C4 Plan Ingress: it parses plan payloads (spec.md §4.4),
// inserts the resulting frames into the Schedule Player, and forces
// PLANNED mode on at least one acceptance. A separate cooperative
// Drive call implements the plan driver loop that forwards due frames
// to the arbiter.
type Plan struct {
	n       int
	player  SchedulePlayer
	arbiter PlanSetter
	log     *log.Logger
}

// NewPlan returns a Plan ingress for an n-channel node.
func NewPlan(n int, player SchedulePlayer, arb PlanSetter, logger *log.Logger) *Plan {
	if logger == nil {
		logger = log.Default()
	}
	return &Plan{n: n, player: player, arbiter: arb, log: logger.With("component", "ingress.plan")}
}

// Handle decodes one set_plan payload and queues its frames.
func (p *Plan) Handle(payload []byte, nowMs uint64) {
	res, err := wire.ParsePlan(payload, p.n, nowMs)
	if err != nil {
		var verr wire.ErrUnsupportedFormatVersion
		if errors.As(err, &verr) {
			p.log.Warn("rejecting plan with unsupported format_version", "version", verr.Version)
		} else {
			p.log.Warn("dropping malformed plan payload", "err", err)
		}
		return
	}

	if res.ClearFirst {
		p.player.ClearSchedule()
	}
	if res.SkippedSteps > 0 {
		p.log.Warn("skipped plan steps with too few channel values", "count", res.SkippedSteps)
	}

	accepted := 0
	rejected := 0
	for _, f := range res.Frames {
		if p.player.AddCommand(f.TsMs, f.Values) {
			accepted++
		} else {
			rejected++
		}
	}
	if rejected > 0 {
		p.log.Warn("schedule at capacity, rejected frames", "count", rejected)
	}
	if accepted > 0 {
		p.arbiter.ForceMode(arbiter.Planned)
	}
}

// Drive is the cooperative plan-driver tick (spec.md §4.4): while the
// clock is valid and the arbiter is in PLANNED mode with a non-empty
// schedule history, it dequeues the current frame and forwards it to
// the arbiter. GetCurrentFrame runs first so a frame that only just
// became due is never missed; CleanupOldCommands only runs afterward,
// and only to drop a genuinely stale backlog (a device reconnecting
// after being offline for staleBacklogMs or more), never the frame
// Drive itself is about to emit (spec.md §9).
func (p *Plan) Drive(nowMs uint64, timeValid bool, mode arbiter.Mode) {
	if !timeValid || mode != arbiter.Planned {
		return
	}
	if !p.player.HasValidSchedule() {
		return
	}

	if v, ok := p.player.GetCurrentFrame(nowMs); ok {
		p.arbiter.SetPlanned(v)
	}

	if nowMs > staleBacklogMs {
		p.player.CleanupOldCommands(nowMs - staleBacklogMs)
	}
}

var _ SchedulePlayer = (*schedule.Player)(nil)
