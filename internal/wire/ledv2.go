package wire

import (
	"fmt"

	"github.com/trilume/dimmerd/internal/channels"
)

// LEDv2 stream identifiers (spec.md §6): which physical channel layout
// a stream within a multi-stream relay packet represents.
const (
	StreamID4Channel byte = 1 // G, Y, B, R
	StreamID2Channel byte = 2 // R+Y, G+B
	StreamID3Channel byte = 3 // RGB
)

// LEDv2Stream is one sub-stream of a relay-side multi-stream packet.
type LEDv2Stream struct {
	StreamID byte
	Values   []byte
}

// DecodeLEDv2 parses the relay-side multi-stream format (spec.md §6):
//
//	0  3  "LED"
//	3  1  0x02
//	4  1  S  (stream count)
//	5  ...  streams: 1 stream_id, 1 K, K values
//
// This format is produced and consumed by the upstream relay, never by
// the device itself (spec.md §4.6: "devices MUST NOT be expected to
// parse v2 directly"); it is implemented here for the relay-adjacent
// tooling and the completeness of the wire package's test coverage.
func DecodeLEDv2(raw []byte) ([]LEDv2Stream, error) {
	if len(raw) < 5 || raw[0] != ledMagic[0] || raw[1] != ledMagic[1] || raw[2] != ledMagic[2] {
		return nil, fmt.Errorf("wire: led v2: bad magic")
	}
	if raw[3] != 0x02 {
		return nil, fmt.Errorf("wire: led v2: unsupported version 0x%02x", raw[3])
	}

	count := int(raw[4])
	streams := make([]LEDv2Stream, 0, count)
	off := 5
	for i := 0; i < count; i++ {
		if off+2 > len(raw) {
			return nil, fmt.Errorf("wire: led v2: truncated stream header")
		}
		id := raw[off]
		k := int(raw[off+1])
		off += 2
		if off+k > len(raw) {
			return nil, fmt.Errorf("wire: led v2: truncated stream values")
		}
		streams = append(streams, LEDv2Stream{StreamID: id, Values: raw[off : off+k]})
		off += k
	}
	return streams, nil
}

// ResolveStream picks the stream matching the device's hardware mode.
// If no stream with that id is present, it falls back to the 4-channel
// stream (id 1) with channel adaptation, per spec.md §6: 2-channel from
// 4 is out0 = max(R,Y), out1 = max(G,B), where stream 1's layout is
// (G,Y,B,R). Only the 2-channel mode is adapted; for any other hardware
// mode the 4-channel values are returned unchanged.
func ResolveStream(streams []LEDv2Stream, hardwareStreamID byte) (channels.Vector, error) {
	var fourChannel []byte
	for _, s := range streams {
		if s.StreamID == hardwareStreamID {
			return channels.Clone(channels.Vector(s.Values)), nil
		}
		if s.StreamID == StreamID4Channel {
			fourChannel = s.Values
		}
	}

	if fourChannel == nil {
		return nil, fmt.Errorf("wire: led v2: no stream for hardware mode %d and no 4-channel fallback", hardwareStreamID)
	}
	if len(fourChannel) < 4 {
		return nil, fmt.Errorf("wire: led v2: 4-channel stream too short")
	}

	g, y, b, r := fourChannel[0], fourChannel[1], fourChannel[2], fourChannel[3]
	switch hardwareStreamID {
	case StreamID2Channel:
		return channels.Vector{maxByte(r, y), maxByte(g, b)}, nil
	default:
		return channels.Clone(channels.Vector(fourChannel)), nil
	}
}

func maxByte(a, b byte) byte {
	if a > b {
		return a
	}
	return b
}
