// Package ingress implements the three network ingress paths of
// spec.md §4.4-§4.6 (C4 Plan Ingress, C5 Static Ingress, C6 Fast
// Ingress): decoding wire payloads and handing the result to the Mode
// Arbiter (and, for plans, the Schedule Player).
package ingress

import (
	"github.com/charmbracelet/log"

	"github.com/trilume/dimmerd/internal/channels"
	"github.com/trilume/dimmerd/internal/wire"
)

// StaticSetter is the subset of the arbiter this package depends on.
type StaticSetter interface {
	SetStatic(channels.Vector)
}

// Static is the C5 Static Ingress: it parses a channel vector and hands
// it to the arbiter as an operator override. Malformed payloads are
// dropped and logged; state is left unchanged (spec.md §4.5, §7).
type Static struct {
	n       int
	arbiter StaticSetter
	log     *log.Logger
}

// NewStatic returns a Static ingress for an n-channel node.
func NewStatic(n int, arbiter StaticSetter, logger *log.Logger) *Static {
	if logger == nil {
		logger = log.Default()
	}
	return &Static{n: n, arbiter: arbiter, log: logger.With("component", "ingress.static")}
}

// Handle decodes one set_static payload.
func (s *Static) Handle(payload []byte) {
	v, err := wire.ParseStatic(payload, s.n)
	if err != nil {
		s.log.Warn("dropping malformed static payload", "err", err)
		return
	}
	s.arbiter.SetStatic(v)
}
