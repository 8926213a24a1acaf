// Package config loads and validates the per-node YAML configuration:
// channel count, GPIO wiring, mains timing constants, and the broker and
// datagram endpoints described in spec.md §6.
//
// The shape mirrors the teacher's tocalls.yaml loader (deviceid.go): a
// typed struct, yaml.Unmarshal, defaults applied after unmarshal.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Timing holds the phase-control constants from spec.md §4.1. All
// durations are expressed in microseconds to match the firmware's units.
type Timing struct {
	HalfCycleUs     int `yaml:"half_cycle_us"`
	MinDelayUs      int `yaml:"min_delay_us"`
	PulseUs         int `yaml:"pulse_us"`
	ZCDebounceUs    int `yaml:"zc_debounce_us"`
	ZCLostUs        int `yaml:"zc_lost_timeout_us"`
	FireToleranceUs int `yaml:"fire_tolerance_us"`
}

// DefaultTiming returns the §4.1 reference constants for 50 Hz mains.
func DefaultTiming() Timing {
	return Timing{
		HalfCycleUs:     10000,
		MinDelayUs:      100,
		PulseUs:         500,
		ZCDebounceUs:    4000,
		ZCLostUs:        100000,
		FireToleranceUs: 10,
	}
}

// GPIO describes the node's physical wiring: one output line per channel
// plus the zero-cross input line, addressed as Linux gpiochip/line pairs.
type GPIO struct {
	Chip          string `yaml:"chip"`
	ChannelLines  []int  `yaml:"channel_lines"`
	ZeroCrossLine int    `yaml:"zero_cross_line"`
}

// Broker describes the Session Supervisor's (C8) connection target and
// topic scheme (spec.md §6).
type Broker struct {
	URL               string        `yaml:"url"`
	ClientID          string        `yaml:"client_id"`
	DeviceID          string        `yaml:"device_id"`
	StaticTopic       string        `yaml:"static_topic"`
	PlanTopic         string        `yaml:"plan_topic"`
	HeartbeatTopic    string        `yaml:"heartbeat_topic"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
	// Discover, when URL is empty, browses for a _mqtt._tcp mDNS
	// advertisement instead of dialing a static address.
	Discover bool `yaml:"discover"`
}

// Fast describes the UDP low-latency ingress (C6).
type Fast struct {
	Port        int           `yaml:"port"`
	Timeout     time.Duration `yaml:"timeout"`
	RawFallback bool          `yaml:"raw_fallback"`
}

// Config is the top-level node configuration.
type Config struct {
	Channels        int      `yaml:"channels"`
	FirmwareVersion string   `yaml:"firmware_version"`
	Timing          Timing   `yaml:"timing"`
	GPIO            GPIO     `yaml:"gpio"`
	Broker          Broker   `yaml:"broker"`
	Fast            Fast     `yaml:"fast"`
	ScheduleCap     int      `yaml:"schedule_capacity"`
	HeartbeatPeriod time.Duration `yaml:"heartbeat_period"`
	NTPServers      []string `yaml:"ntp_servers"`
}

// TimeValidEpoch is the compile-time sentinel from spec.md §6: the
// wall-clock must exceed this instant before it is considered synced.
var TimeValidEpoch = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

// Default returns a Config matching the reference 4-channel node.
func Default() Config {
	return Config{
		Channels:        4,
		FirmwareVersion: "dev",
		Timing:          DefaultTiming(),
		GPIO: GPIO{
			Chip:          "gpiochip0",
			ChannelLines:  []int{17, 27, 22, 23},
			ZeroCrossLine: 4,
		},
		Broker: Broker{
			ClientID:          "dimmerd",
			DeviceID:          "dimmer-0",
			StaticTopic:       "set_static",
			PlanTopic:         "set_plan",
			HeartbeatTopic:    "heartbeat",
			ReconnectInterval: 5 * time.Second,
		},
		Fast: Fast{
			Port:    5000,
			Timeout: 3 * time.Second,
		},
		ScheduleCap:     1000,
		HeartbeatPeriod: 5 * time.Second,
		NTPServers:      []string{"pool.ntp.org", "time.google.com"},
	}
}

// Load reads and validates a YAML config file at path, overlaying it on
// top of Default().
func Load(path string) (Config, error) {
	cfg := Default()

	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks the invariants the rest of the system assumes hold:
// a sane channel count, one GPIO line per channel, and no duplicate
// lines (a duplicate would let two channels drive the same pin).
func (c Config) Validate() error {
	if c.Channels < 1 || c.Channels > 8 {
		return fmt.Errorf("config: channels %d out of supported range 1-8", c.Channels)
	}
	if len(c.GPIO.ChannelLines) < c.Channels {
		return fmt.Errorf("config: gpio.channel_lines has %d entries, need %d", len(c.GPIO.ChannelLines), c.Channels)
	}

	seen := make(map[int]bool, c.Channels)
	for _, line := range c.GPIO.ChannelLines[:c.Channels] {
		if seen[line] {
			return fmt.Errorf("config: gpio line %d assigned to more than one channel", line)
		}
		seen[line] = true
		if line == c.GPIO.ZeroCrossLine {
			return fmt.Errorf("config: gpio line %d used for both a channel and the zero-cross input", line)
		}
	}

	if c.Timing.HalfCycleUs <= c.Timing.MinDelayUs {
		return fmt.Errorf("config: half_cycle_us must exceed min_delay_us")
	}
	if c.ScheduleCap <= 0 {
		return fmt.Errorf("config: schedule_capacity must be positive")
	}

	return nil
}
