// Package health implements Time & Health (spec.md §4.7, C7): NTP
// synchronization of the wall clock, a one-way clock-valid latch, and
// the periodic heartbeat publisher.
package health

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/beevik/ntp"
	"github.com/charmbracelet/log"
	"github.com/lestrrat-go/strftime"

	"github.com/trilume/dimmerd/internal/config"
	"github.com/trilume/dimmerd/internal/wire"
)

// logTimestamp formats a time the way heartbeat log lines render it:
// RFC3339 in UTC. Built once and reused (strftime patterns are
// compiled, not interpreted per call).
var logTimestamp = strftime.MustNew("%Y-%m-%dT%H:%M:%SZ")

// Publisher is the subset of the session supervisor the heartbeat is
// published through.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// Clock owns wall-clock synchronization state: an offset learned from
// NTP queries, applied on top of the monotonic clock, and a one-way
// "valid" latch that flips once the corrected time passes
// config.TimeValidEpoch (spec.md §4.7).
//
// wallclockMs() on its own returns 0 until the offset has been learned
// at least once; callers MUST additionally gate on Valid(), since a
// synced clock can still read earlier than config.TimeValidEpoch.
//
// Sync runs from the main loop while WallclockMs/Valid are also read
// from the broker's subscribe callbacks (internal/session), so mu
// guards every mutable field.
type Clock struct {
	servers []string
	log     *log.Logger

	bootMono time.Time

	mu     sync.Mutex
	offset time.Duration
	synced bool
	valid  bool
}

// NewClock returns a Clock configured against the given NTP server
// candidates. At least two are recommended (spec.md §4.7).
func NewClock(servers []string, logger *log.Logger) *Clock {
	if logger == nil {
		logger = log.Default()
	}
	return &Clock{servers: servers, log: logger.With("component", "health.clock"), bootMono: time.Now()}
}

// Sync queries the configured NTP servers in order, keeping the first
// successful response, and updates the learned offset. It is safe to
// call repeatedly from the main loop; a failure leaves the previous
// offset (if any) untouched.
func (c *Clock) Sync(ctx context.Context) {
	var newOffset time.Duration
	got := false
	for _, server := range c.servers {
		resp, err := ntp.QueryWithOptions(server, ntp.QueryOptions{Timeout: 2 * time.Second})
		if err != nil {
			c.log.Warn("ntp query failed", "server", server, "err", err)
			continue
		}
		if err := resp.Validate(); err != nil {
			c.log.Warn("ntp response invalid", "server", server, "err", err)
			continue
		}

		newOffset = resp.ClockOffset
		got = true
		c.log.Info("ntp synced", "server", server, "offset", resp.ClockOffset)
		break
	}
	if !got {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.offset = newOffset
	c.synced = true
	if time.Now().Add(c.offset).After(config.TimeValidEpoch) {
		if !c.valid {
			c.log.Info("clock valid, plan driver unblocked")
		}
		c.valid = true // one-way latch, spec.md §4.7
	}
}

// Now returns the NTP-corrected wall clock. Before the first successful
// Sync it is simply the local system clock.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	offset := c.offset
	c.mu.Unlock()
	return time.Now().Add(offset)
}

// WallclockMs returns the corrected wall clock in epoch milliseconds,
// or 0 if never synced (spec.md §4.1: "wallclock_ms() returns 0 while
// the clock is unsynced").
func (c *Clock) WallclockMs() uint64 {
	c.mu.Lock()
	synced := c.synced
	offset := c.offset
	c.mu.Unlock()
	if !synced {
		return 0
	}
	return uint64(time.Now().Add(offset).UnixMilli())
}

// Valid reports whether the clock-valid latch has been set.
func (c *Clock) Valid() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.valid
}

// Heartbeat periodically publishes the §6 heartbeat payload while the
// session is up.
type Heartbeat struct {
	deviceID string
	firmware string
	period   time.Duration
	topic    string
	pub      Publisher
	clock    *Clock
	log      *log.Logger

	boot time.Time
}

// NewHeartbeat returns a Heartbeat publisher for the given device.
func NewHeartbeat(cfg config.Broker, period time.Duration, pub Publisher, clock *Clock, logger *log.Logger) *Heartbeat {
	if logger == nil {
		logger = log.Default()
	}
	return &Heartbeat{
		deviceID: cfg.DeviceID,
		period:   period,
		topic:    cfg.HeartbeatTopic,
		pub:      pub,
		clock:    clock,
		log:      logger.With("component", "health.heartbeat"),
		boot:     time.Now(),
	}
}

// Run publishes a heartbeat every period until ctx is canceled. mode
// returns the current arbiter mode name at publish time. If the
// publisher reports its session state (a Connected method, as
// session.Supervisor has), ticks without a live session are skipped.
func (h *Heartbeat) Run(ctx context.Context, firmware string, mode func() string) {
	ticker := time.NewTicker(h.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			if c, ok := h.pub.(interface{ Connected() bool }); ok && !c.Connected() {
				continue
			}
			h.publish(firmware, mode(), t)
		}
	}
}

// PublishNow publishes a single heartbeat immediately, independent of
// the periodic ticker in Run. Used for the connect-time heartbeat
// required by spec.md §4.8 ("On connect:... then immediately publish a
// heartbeat").
func (h *Heartbeat) PublishNow(firmware, mode string) {
	h.publish(firmware, mode, time.Now())
}

func (h *Heartbeat) publish(firmware, mode string, at time.Time) {
	hb := wire.Heartbeat{
		DeviceID: h.deviceID,
		Uptime:   int64(time.Since(h.boot).Seconds()),
		Firmware: firmware,
		IP:       localIP(),
		Mode:     mode,
	}

	b, err := hb.Marshal()
	if err != nil {
		h.log.Error("failed to marshal heartbeat", "err", err)
		return
	}

	ts, _ := logTimestamp.FormatString(at.UTC())
	if err := h.pub.Publish(h.topic, b); err != nil {
		h.log.Warn("heartbeat publish failed", "err", err, "at", ts)
		return
	}
	h.log.Debug("heartbeat published", "at", ts, "mode", mode)
}

// localIP returns the first non-loopback IPv4 address found, or "" if
// none is available (e.g. no network interfaces up).
func localIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipNet.IP.To4(); ip4 != nil {
			return ip4.String()
		}
	}
	return ""
}
