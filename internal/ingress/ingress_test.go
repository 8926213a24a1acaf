package ingress

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trilume/dimmerd/internal/arbiter"
	"github.com/trilume/dimmerd/internal/channels"
	"github.com/trilume/dimmerd/internal/schedule"
	"github.com/trilume/dimmerd/internal/wire"
)

type fakeStaticSetter struct {
	got channels.Vector
	n   int
}

func (f *fakeStaticSetter) SetStatic(v channels.Vector) { f.got = v; f.n++ }

func TestStatic_Handle_ForwardsValidPayload(t *testing.T) {
	setter := &fakeStaticSetter{}
	s := NewStatic(4, setter, nil)

	s.Handle([]byte(`{"values":[255,128,0,50]}`))

	require.Equal(t, 1, setter.n)
	assert.Equal(t, channels.Vector{255, 128, 0, 50}, setter.got)
}

func TestStatic_Handle_DropsMalformedPayload(t *testing.T) {
	setter := &fakeStaticSetter{}
	s := NewStatic(4, setter, nil)

	s.Handle([]byte(`not json`))

	assert.Equal(t, 0, setter.n)
}

type fakePlanSetter struct {
	forced  []arbiter.Mode
	applied []channels.Vector
}

func (f *fakePlanSetter) ForceMode(m arbiter.Mode)     { f.forced = append(f.forced, m) }
func (f *fakePlanSetter) SetPlanned(v channels.Vector) { f.applied = append(f.applied, v) }

func TestPlan_Handle_V2QueuesFramesAndForcesPlanned(t *testing.T) {
	player := schedule.NewPlayer(100)
	setter := &fakePlanSetter{}
	p := NewPlan(4, player, setter, nil)

	payload := []byte(`{"format_version":2,"steps":[
		{"ts_ms":1000,"values":[0,0,0,0]},
		{"ts_ms":2000,"values":[25,25,25,25]}
	]}`)
	p.Handle(payload, 500)

	require.Equal(t, []arbiter.Mode{arbiter.Planned}, setter.forced)
	assert.Equal(t, 2, player.Len())
}

func TestPlan_Handle_MalformedDoesNotForceMode(t *testing.T) {
	player := schedule.NewPlayer(100)
	setter := &fakePlanSetter{}
	p := NewPlan(4, player, setter, nil)

	p.Handle([]byte(`not json`), 0)

	assert.Empty(t, setter.forced)
	assert.Equal(t, 0, player.Len())
}

func TestPlan_Handle_LegacySequenceClearsExistingSchedule(t *testing.T) {
	player := schedule.NewPlayer(100)
	player.AddCommand(1, channels.Vector{9, 9, 9, 9})
	setter := &fakePlanSetter{}
	p := NewPlan(4, player, setter, nil)

	payload := []byte(`{"sequence":[[1,1,1,1]],"timestamp":5,"interval_ms":100}`)
	p.Handle(payload, 0)

	assert.Equal(t, 1, player.Len())
}

func TestPlan_Drive_NoOpOutsidePlannedModeOrInvalidClock(t *testing.T) {
	player := schedule.NewPlayer(100)
	player.AddCommand(100, channels.Vector{9, 9, 9, 9})
	setter := &fakePlanSetter{}
	p := NewPlan(4, player, setter, nil)

	p.Drive(200, false, arbiter.Planned)
	p.Drive(200, true, arbiter.Static)

	assert.Empty(t, setter.applied)
}

func TestPlan_Drive_ForwardsCurrentFrameWhenDue(t *testing.T) {
	player := schedule.NewPlayer(100)
	player.AddCommand(100, channels.Vector{9, 9, 9, 9})
	setter := &fakePlanSetter{}
	p := NewPlan(4, player, setter, nil)

	p.Drive(150, true, arbiter.Planned)

	require.Len(t, setter.applied, 1)
	assert.Equal(t, channels.Vector{9, 9, 9, 9}, setter.applied[0])
}

type fakeFastSetter struct {
	got channels.Vector
	n   int
}

func (f *fakeFastSetter) SetFast(v channels.Vector) { f.got = v; f.n++ }

func TestFast_Handle_DecodesAndForwards(t *testing.T) {
	setter := &fakeFastSetter{}
	f := NewFast(4, false, setter, nil)

	f.handle(wire.EncodeLEDv1([]byte{1, 2, 3, 4}))

	require.Equal(t, 1, setter.n)
	assert.Equal(t, channels.Vector{1, 2, 3, 4}, setter.got)
}

func TestFast_Handle_DropsMalformedPacket(t *testing.T) {
	setter := &fakeFastSetter{}
	f := NewFast(4, false, setter, nil)

	f.handle([]byte{0x00, 0x01})

	assert.Equal(t, 0, setter.n)
}

func TestFast_Run_ReceivesOverLoopback(t *testing.T) {
	setter := &fakeFastSetter{}
	f := NewFast(4, false, setter, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	lc := net.ListenConfig{}
	probe, err := lc.ListenPacket(ctx, "udp", "127.0.0.1:0")
	require.NoError(t, err)
	port := probe.LocalAddr().(*net.UDPAddr).Port
	probe.Close()

	done := make(chan error, 1)
	go func() { done <- f.Run(ctx, port) }()
	time.Sleep(20 * time.Millisecond) // let the listener bind

	conn, err := net.Dial("udp", "127.0.0.1:"+strconv.Itoa(port))
	require.NoError(t, err)
	_, err = conn.Write(wire.EncodeLEDv1([]byte{9, 9, 9, 9}))
	require.NoError(t, err)
	conn.Close()

	require.Eventually(t, func() bool { return setter.n == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, channels.Vector{9, 9, 9, 9}, setter.got)

	cancel()
	<-done
}

