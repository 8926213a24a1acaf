package schedule

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/trilume/dimmerd/internal/channels"
)

func TestAddCommand_RejectsWhenFull(t *testing.T) {
	p := NewPlayer(3)
	require.True(t, p.AddCommand(1, channels.New(4)))
	require.True(t, p.AddCommand(2, channels.New(4)))
	require.True(t, p.AddCommand(3, channels.New(4)))

	assert.False(t, p.AddCommand(4, channels.New(4)), "schedule at capacity must reject")
	assert.Equal(t, 3, p.Len(), "existing frames survive a rejected insert")
}

// Scenario 5 (spec.md §8): preload C_SCHED frames, confirm the next
// addCommand is rejected, then confirm existing frames still emit in
// order.
func TestCapacity_ExistingFramesStillEmitInOrder(t *testing.T) {
	const capacity = 8
	p := NewPlayer(capacity)
	for i := 0; i < capacity; i++ {
		require.True(t, p.AddCommand(uint64(i*10), channels.FromBytes([]byte{byte(i)}, 1)))
	}
	assert.False(t, p.AddCommand(uint64(capacity*10), channels.New(1)))

	for i := 0; i < capacity; i++ {
		v, ok := p.GetCurrentFrame(uint64(i * 10))
		require.True(t, ok)
		assert.Equal(t, byte(i), v[0])
	}
}

// L3: addCommand(t, v) followed by sufficient wait then getCurrentFrame
// returns v exactly once, then the sticky lastFrame thereafter.
func TestGetCurrentFrame_EmitsOnceThenSticky(t *testing.T) {
	p := NewPlayer(10)
	v := channels.FromBytes([]byte{9, 9, 9, 9}, 4)
	p.AddCommand(1000, v)

	got, ok := p.GetCurrentFrame(999)
	assert.False(t, ok, "frame not yet due must not be observed")

	got, ok = p.GetCurrentFrame(1000)
	require.True(t, ok)
	assert.True(t, channels.Equal(v, got))

	got, ok = p.GetCurrentFrame(5000)
	require.True(t, ok, "sticky lastFrame persists after the queue drains")
	assert.True(t, channels.Equal(v, got))
}

// Scenario 2 (spec.md §8): a V2 plan's two steps emit in order at the
// right wall-clock instants.
func TestGetCurrentFrame_PlanV2Scenario(t *testing.T) {
	p := NewPlayer(10)
	p.AddCommand(1704067201000, channels.FromBytes([]byte{0, 0, 0, 0}, 4))
	p.AddCommand(1704067201100, channels.FromBytes([]byte{25, 25, 25, 25}, 4))

	v, ok := p.GetCurrentFrame(1704067201050)
	require.True(t, ok)
	assert.Equal(t, channels.Vector{0, 0, 0, 0}, v)

	v, ok = p.GetCurrentFrame(1704067201150)
	require.True(t, ok)
	assert.Equal(t, channels.Vector{25, 25, 25, 25}, v)
}

func TestHasValidSchedule(t *testing.T) {
	p := NewPlayer(10)
	assert.False(t, p.HasValidSchedule())

	p.AddCommand(100, channels.New(4))
	assert.True(t, p.HasValidSchedule())

	p.GetCurrentFrame(100)
	assert.True(t, p.HasValidSchedule(), "executed-at-least-once still counts")
}

func TestClearSchedule_ForgetsEverything(t *testing.T) {
	p := NewPlayer(10)
	p.AddCommand(100, channels.New(4))
	p.GetCurrentFrame(100)
	require.True(t, p.HasValidSchedule())

	p.ClearSchedule()
	assert.False(t, p.HasValidSchedule())
	_, ok := p.GetCurrentFrame(1000)
	assert.False(t, ok)
}

func TestCleanupOldCommands_DropsWithoutEmitting(t *testing.T) {
	p := NewPlayer(10)
	p.AddCommand(100, channels.FromBytes([]byte{1}, 1))
	p.AddCommand(200, channels.FromBytes([]byte{2}, 1))
	p.AddCommand(300, channels.FromBytes([]byte{3}, 1))

	p.CleanupOldCommands(250)
	assert.Equal(t, 1, p.Len())

	v, ok := p.GetCurrentFrame(300)
	require.True(t, ok)
	assert.Equal(t, byte(3), v[0])
}

// P3: emitted timestamps are non-decreasing regardless of insertion
// order, including out-of-order arrival and duplicate timestamps.
func TestGetCurrentFrame_NonDecreasingAcrossRandomInsertOrder(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 30).Draw(t, "n")
		p := NewPlayer(n + 5)

		tss := make([]uint64, n)
		for i := range tss {
			tss[i] = uint64(rapid.IntRange(0, 1000).Draw(t, "ts"))
		}
		for _, ts := range tss {
			p.AddCommand(ts, channels.FromBytes([]byte{byte(ts % 256)}, 1))
		}

		sorted := append([]uint64(nil), tss...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		maxTs := sorted[len(sorted)-1]

		var last uint64
		seenAny := false
		for now := uint64(0); now <= maxTs; now++ {
			if _, ok := p.GetCurrentFrame(now); ok {
				if seenAny {
					assert.GreaterOrEqual(t, now, last)
				}
				last = now
				seenAny = true
			}
		}
	})
}
