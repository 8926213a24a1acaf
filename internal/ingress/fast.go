package ingress

import (
	"context"
	"errors"
	"net"

	"github.com/charmbracelet/log"

	"github.com/trilume/dimmerd/internal/channels"
	"github.com/trilume/dimmerd/internal/wire"
)

// FastSetter is the subset of the arbiter this package needs.
type FastSetter interface {
	SetFast(channels.Vector)
}

// Fast is the C6 Fast Ingress: a UDP listener decoding LED v1 packets
// (spec.md §4.6) and forwarding them to the arbiter, which switches the
// node into FAST mode on every accepted packet. Idle tracking for the
// FAST-mode timeout lives on the arbiter (it already timestamps every
// SetFast call for the fallback check in spec.md §4.3), not here.
type Fast struct {
	n           int
	rawFallback bool
	arbiter     FastSetter
	log         *log.Logger
}

// NewFast returns a Fast ingress for an n-channel node.
func NewFast(n int, rawFallback bool, arb FastSetter, logger *log.Logger) *Fast {
	if logger == nil {
		logger = log.Default()
	}
	return &Fast{n: n, rawFallback: rawFallback, arbiter: arb, log: logger.With("component", "ingress.fast")}
}

// Run listens on UDP port until ctx is canceled, decoding each datagram
// and forwarding accepted vectors to the arbiter. Malformed packets are
// dropped and logged; the listener keeps running.
func (f *Fast) Run(ctx context.Context, port int) error {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
	if err != nil {
		return err
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	buf := make([]byte, 2048)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			f.log.Warn("udp read error", "err", err)
			continue
		}
		f.handle(buf[:n])
	}
}

func (f *Fast) handle(payload []byte) {
	v, ok := wire.DecodeLEDv1(payload, f.n, f.rawFallback)
	if !ok {
		f.log.Warn("dropping malformed fast-ingress packet")
		return
	}
	f.arbiter.SetFast(v)
}
