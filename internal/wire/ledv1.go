package wire

import (
	"github.com/trilume/dimmerd/internal/channels"
)

var ledMagic = [3]byte{'L', 'E', 'D'}

const ledV1Version = 0x01

// DecodeLEDv1 decodes a fast-ingress binary packet (spec.md §4.6):
//
//	offset 0  3  "LED"
//	       3  1  version=0x01
//	       4  1  channel_count K
//	       5  K  values[K]
//
// It rejects a payload shorter than 6 bytes, a magic mismatch, a
// version other than 0x01, K == 0, or a payload shorter than 5+K. On
// acceptance it returns the first min(K, n) values zero-padded to n.
//
// If rawFallback is set and the magic specifically does not match, the
// first min(n, len(raw)) bytes of the whole payload are taken as a raw
// ChannelVector instead of being rejected outright (the "design-level
// option" of §4.6, off by default).
func DecodeLEDv1(raw []byte, n int, rawFallback bool) (channels.Vector, bool) {
	if len(raw) < 3 || raw[0] != ledMagic[0] || raw[1] != ledMagic[1] || raw[2] != ledMagic[2] {
		if rawFallback && len(raw) >= 1 {
			return channels.FromBytes(raw, n), true
		}
		return nil, false
	}

	if len(raw) < 6 {
		return nil, false
	}
	if raw[3] != ledV1Version {
		return nil, false
	}

	k := int(raw[4])
	if k == 0 {
		return nil, false
	}
	if len(raw) < 5+k {
		return nil, false
	}

	return channels.FromBytes(raw[5:5+k], n), true
}

// EncodeLEDv1 serializes values as a LED v1 packet. It is the inverse
// of DecodeLEDv1 for any 1 <= len(values) <= 255 (spec.md §8, L2).
func EncodeLEDv1(values []byte) []byte {
	out := make([]byte, 0, 5+len(values))
	out = append(out, ledMagic[0], ledMagic[1], ledMagic[2], ledV1Version, byte(len(values)))
	out = append(out, values...)
	return out
}
