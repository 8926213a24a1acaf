package health

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trilume/dimmerd/internal/config"
)

func TestClock_WallclockMs_ZeroBeforeSync(t *testing.T) {
	c := NewClock(nil, nil)
	assert.Equal(t, uint64(0), c.WallclockMs())
	assert.False(t, c.Valid())
}

// Clocks query unreachable NTP servers in unit tests, so Sync is
// expected to leave the clock unsynced; this just exercises that the
// failure path doesn't panic and doesn't set the one-way latch.
func TestClock_Sync_FailureLeavesClockInvalid(t *testing.T) {
	c := NewClock([]string{"127.0.0.1"}, nil)
	c.Sync(context.Background())
	assert.False(t, c.Valid())
	assert.Equal(t, uint64(0), c.WallclockMs())
}

type fakePublisher struct {
	mu       sync.Mutex
	topics   []string
	payloads [][]byte
}

func (f *fakePublisher) Publish(topic string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topics = append(f.topics, topic)
	f.payloads = append(f.payloads, payload)
	return nil
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.topics)
}

func TestHeartbeat_Run_PublishesOnEachTick(t *testing.T) {
	pub := &fakePublisher{}
	clock := NewClock(nil, nil)
	cfg := config.Broker{DeviceID: "dimmer-0", HeartbeatTopic: "heartbeat"}
	hb := NewHeartbeat(cfg, 10*time.Millisecond, pub, clock, nil)

	ctx, cancel := context.WithCancel(context.Background())
	mode := func() string { return "STATIC" }

	go hb.Run(ctx, "dev", mode)
	require.Eventually(t, func() bool { return pub.count() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()

	pub.mu.Lock()
	defer pub.mu.Unlock()
	assert.Equal(t, "heartbeat", pub.topics[0])
	assert.Contains(t, string(pub.payloads[0]), `"device_id":"dimmer-0"`)
	assert.Contains(t, string(pub.payloads[0]), `"mode":"STATIC"`)
}

func TestHeartbeat_Run_StopsOnContextCancel(t *testing.T) {
	pub := &fakePublisher{}
	clock := NewClock(nil, nil)
	cfg := config.Broker{DeviceID: "dimmer-0", HeartbeatTopic: "heartbeat"}
	hb := NewHeartbeat(cfg, 5*time.Millisecond, pub, clock, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hb.Run(ctx, "dev", func() string { return "STATIC" })
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("heartbeat.Run did not return after context cancellation")
	}
}
