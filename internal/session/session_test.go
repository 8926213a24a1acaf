package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trilume/dimmerd/internal/config"
)

func TestResolveBrokerURL_ReturnsStaticURLUnchanged(t *testing.T) {
	cfg := config.Broker{URL: "tcp://broker.local:1883"}
	url, err := ResolveBrokerURL(context.Background(), cfg, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "tcp://broker.local:1883", url)
}

func TestResolveBrokerURL_ErrorsWithoutURLOrDiscovery(t *testing.T) {
	cfg := config.Broker{}
	_, err := ResolveBrokerURL(context.Background(), cfg, time.Second)
	assert.Error(t, err)
}

func TestResolveBrokerURL_DiscoveryTimesOutWithNoAdvertisement(t *testing.T) {
	cfg := config.Broker{Discover: true}
	_, err := ResolveBrokerURL(context.Background(), cfg, 50*time.Millisecond)
	assert.Error(t, err)
}

func TestNew_BuildsClientWithoutConnecting(t *testing.T) {
	cfg := config.Broker{
		URL:            "tcp://127.0.0.1:65535",
		ClientID:       "dimmerd-test",
		StaticTopic:    "set_static",
		PlanTopic:      "set_plan",
		HeartbeatTopic: "heartbeat",
	}

	var staticCalls, planCalls int
	sup := New(cfg,
		func([]byte) { staticCalls++ },
		func([]byte) { planCalls++ },
		func() {},
		nil,
	)

	assert.False(t, sup.Connected())
	assert.Equal(t, 0, staticCalls)
	assert.Equal(t, 0, planCalls)
}
