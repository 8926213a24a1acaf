// Package wire implements the on-the-wire formats named in spec.md §6:
// the static-value JSON payload, the three plan JSON variants (§4.4),
// the LED v1 binary packet (§4.6), the LED v2 relay format (§6, kept for
// completeness though devices never parse it directly), and the
// heartbeat JSON payload.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/trilume/dimmerd/internal/channels"
)

type staticPayload struct {
	Values []int `json:"values"`
}

// ParseStatic decodes a set_static payload (spec.md §4.5):
// {"values":[u8...]}, zero-padded or truncated to n. A missing or empty
// values array, or a malformed payload, is an error; the caller should
// log and leave state unchanged rather than propagate it further.
func ParseStatic(raw []byte, n int) (channels.Vector, error) {
	var p staticPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("wire: static payload: %w", err)
	}
	if len(p.Values) == 0 {
		return nil, fmt.Errorf("wire: static payload has no values")
	}

	out := make(channels.Vector, n)
	for i := 0; i < n && i < len(p.Values); i++ {
		b, err := toByte(p.Values[i])
		if err != nil {
			return nil, fmt.Errorf("wire: static payload: %w", err)
		}
		out[i] = b
	}
	return out, nil
}

func toByte(v int) (byte, error) {
	if v < 0 || v > 255 {
		return 0, fmt.Errorf("channel value %d out of range 0..255", v)
	}
	return byte(v), nil
}
