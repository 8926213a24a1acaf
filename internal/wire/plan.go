package wire

import (
	"encoding/json"
	"fmt"

	"github.com/trilume/dimmerd/internal/channels"
)

// PlanFrame is one decoded plan step: an absolute wall-clock timestamp
// paired with the channel vector to emit at that instant.
type PlanFrame struct {
	TsMs   uint64
	Values channels.Vector
}

// ErrUnsupportedFormatVersion is returned for a format_version the
// device does not recognize (spec.md §4.4: "reject unknown
// format_version values with a log line").
type ErrUnsupportedFormatVersion struct {
	Version int
}

func (e ErrUnsupportedFormatVersion) Error() string {
	return fmt.Sprintf("wire: unsupported plan format_version %d", e.Version)
}

type rawStep struct {
	TsMs   uint64 `json:"ts_ms"`
	Values []int  `json:"values"`
}

type rawCommand struct {
	Timestamp  *float64 `json:"timestamp"`
	DurationMs *int64   `json:"duration_ms"`
	Values     []int    `json:"values"`
}

type rawPlan struct {
	FormatVersion *int         `json:"format_version"`
	Steps         []rawStep    `json:"steps"`
	Commands      []rawCommand `json:"commands"`
	BaseTimestamp *float64     `json:"base_timestamp"`
	Sequence      [][]int      `json:"sequence"`
	Timestamp     *float64     `json:"timestamp"`
	IntervalMs    *int64       `json:"interval_ms"`
}

// ParsePlanResult carries the decoded frames plus whether the legacy
// "sequence" variant was used, which per spec.md §4.4 requires the
// caller to ClearSchedule() before accepting the new frames.
type ParsePlanResult struct {
	Frames       []PlanFrame
	ClearFirst   bool
	SkippedSteps int
}

// ParsePlan decodes a set_plan payload in any of the three variants
// spec.md §4.4 names: V2 (format_version 2), "commands", or legacy
// "sequence". n is the node's channel count; nowMs is used as the
// chaining base for a commands-variant plan with no base_timestamp.
//
// Steps with fewer than n values are individually rejected (skipped)
// rather than failing the whole payload, matching "reject shorter ones"
// read alongside "for each valid step, call addCommand".
func ParsePlan(raw []byte, n int, nowMs uint64) (ParsePlanResult, error) {
	var p rawPlan
	if err := json.Unmarshal(raw, &p); err != nil {
		return ParsePlanResult{}, fmt.Errorf("wire: plan payload: %w", err)
	}

	switch {
	case p.FormatVersion != nil:
		if *p.FormatVersion != 2 {
			return ParsePlanResult{}, ErrUnsupportedFormatVersion{Version: *p.FormatVersion}
		}
		return parseV2(p, n), nil

	case len(p.Commands) > 0:
		return parseCommands(p, n, nowMs), nil

	case len(p.Sequence) > 0:
		res, err := parseLegacySequence(p, n)
		if err != nil {
			return ParsePlanResult{}, err
		}
		return res, nil

	default:
		return ParsePlanResult{}, fmt.Errorf("wire: plan payload is empty or unrecognized")
	}
}

func parseV2(p rawPlan, n int) ParsePlanResult {
	var res ParsePlanResult
	for _, step := range p.Steps {
		v, err := toPlanVector(step.Values, n)
		if err != nil {
			res.SkippedSteps++
			continue
		}
		res.Frames = append(res.Frames, PlanFrame{TsMs: step.TsMs, Values: v})
	}
	return res
}

func parseCommands(p rawPlan, n int, nowMs uint64) ParsePlanResult {
	var res ParsePlanResult

	chain := nowMs
	if p.BaseTimestamp != nil {
		chain = uint64(*p.BaseTimestamp * 1000)
	}

	for _, cmd := range p.Commands {
		var ts uint64
		switch {
		case cmd.Timestamp != nil:
			ts = uint64(*cmd.Timestamp * 1000)
			chain = ts
		case cmd.DurationMs != nil:
			ts = chain + uint64(*cmd.DurationMs)
			chain = ts
		default:
			res.SkippedSteps++
			continue
		}

		v, err := toPlanVector(cmd.Values, n)
		if err != nil {
			res.SkippedSteps++
			continue
		}
		res.Frames = append(res.Frames, PlanFrame{TsMs: ts, Values: v})
	}
	return res
}

func parseLegacySequence(p rawPlan, n int) (ParsePlanResult, error) {
	if p.Timestamp == nil || p.IntervalMs == nil {
		return ParsePlanResult{}, fmt.Errorf("wire: legacy sequence plan missing timestamp or interval_ms")
	}

	res := ParsePlanResult{ClearFirst: true}
	start := uint64(*p.Timestamp * 1000)
	interval := uint64(*p.IntervalMs)

	for i, vals := range p.Sequence {
		v, err := toPlanVector(vals, n)
		if err != nil {
			res.SkippedSteps++
			continue
		}
		res.Frames = append(res.Frames, PlanFrame{TsMs: start + uint64(i)*interval, Values: v})
	}
	return res, nil
}

// toPlanVector implements the §4.4 channel-count rule: accept arrays
// with at least n entries, use the first n, reject shorter ones.
func toPlanVector(vals []int, n int) (channels.Vector, error) {
	if len(vals) < n {
		return nil, fmt.Errorf("wire: step has %d values, need at least %d", len(vals), n)
	}
	out := make(channels.Vector, n)
	for i := 0; i < n; i++ {
		b, err := toByte(vals[i])
		if err != nil {
			return nil, err
		}
		out[i] = b
	}
	return out, nil
}
