// Package session implements the Session Supervisor (spec.md §4.8,
// C8): the broker connection lifecycle, topic subscriptions, and
// (optionally) mDNS discovery of a broker address when none is
// statically configured.
package session

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/charmbracelet/log"

	"github.com/trilume/dimmerd/internal/config"
)

// StaticHandler and PlanHandler decode a topic payload. Satisfied by
// (*ingress.Static).Handle and a closure wrapping (*ingress.Plan).Handle
// with the current wall-clock time bound in.
type StaticHandler func(payload []byte)
type PlanHandler func(payload []byte)

// Supervisor owns the broker connection: it connects, subscribes to the
// device's static and plan topics, republishes on reconnect, and
// retries on a fixed interval after a disconnect (spec.md §4.8).
type Supervisor struct {
	cfg      config.Broker
	client   mqtt.Client
	log      *log.Logger
	onStatic StaticHandler
	onPlan   PlanHandler
	onReady  func()
}

// New constructs a Supervisor. onReady is invoked once per successful
// connect+subscribe cycle (the caller typically publishes an immediate
// heartbeat from it, per §4.8: "On connect:... then immediately publish
// a heartbeat").
func New(cfg config.Broker, onStatic StaticHandler, onPlan PlanHandler, onReady func(), logger *log.Logger) *Supervisor {
	if logger == nil {
		logger = log.Default()
	}
	s := &Supervisor{cfg: cfg, onStatic: onStatic, onPlan: onPlan, onReady: onReady, log: logger.With("component", "session")}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.URL).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(false). // we drive the reconnect loop ourselves to log and honor the configured interval
		SetConnectionLostHandler(s.onConnectionLost).
		SetOnConnectHandler(s.onConnect)

	s.client = mqtt.NewClient(opts)
	return s
}

// SetOnReady sets (or replaces) the connect+subscribe callback. Useful
// when the callback needs to close over a value, such as a heartbeat
// publisher, built from the Supervisor itself after construction.
func (s *Supervisor) SetOnReady(onReady func()) {
	s.onReady = onReady
}

// Run connects and maintains the session until ctx is canceled,
// waiting ReconnectInterval between attempts after any disconnect.
func (s *Supervisor) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		token := s.client.Connect()
		token.Wait()
		if err := token.Error(); err != nil {
			s.log.Warn("broker connect failed", "err", err)
			if !s.sleep(ctx, s.cfg.ReconnectInterval) {
				return
			}
			continue
		}

		for s.client.IsConnected() {
			if !s.sleep(ctx, time.Second) {
				s.client.Disconnect(250)
				return
			}
		}
		s.log.Warn("broker session ended, retrying", "after", s.cfg.ReconnectInterval)
		if !s.sleep(ctx, s.cfg.ReconnectInterval) {
			return
		}
	}
}

func (s *Supervisor) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// onConnect subscribes to the static and plan topics and publishes the
// connect-time heartbeat. A subscription failure disconnects the
// client; Run sees the session end and retries after ReconnectInterval
// (§4.8: "Subscription failure -> disconnect and retry").
func (s *Supervisor) onConnect(c mqtt.Client) {
	s.log.Info("broker connected", "url", s.cfg.URL)

	staticTok := c.Subscribe(s.cfg.StaticTopic, 1, func(_ mqtt.Client, m mqtt.Message) {
		s.onStatic(m.Payload())
	})
	planTok := c.Subscribe(s.cfg.PlanTopic, 1, func(_ mqtt.Client, m mqtt.Message) {
		s.onPlan(m.Payload())
	})

	staticTok.Wait()
	planTok.Wait()
	if err := staticTok.Error(); err != nil {
		s.log.Warn("static topic subscription failed", "err", err)
		c.Disconnect(0)
		return
	}
	if err := planTok.Error(); err != nil {
		s.log.Warn("plan topic subscription failed", "err", err)
		c.Disconnect(0)
		return
	}

	if s.onReady != nil {
		s.onReady()
	}
}

func (s *Supervisor) onConnectionLost(_ mqtt.Client, err error) {
	s.log.Warn("broker connection lost", "err", err)
}

// Publish implements health.Publisher.
func (s *Supervisor) Publish(topic string, payload []byte) error {
	token := s.client.Publish(topic, 1, false, payload)
	token.Wait()
	return token.Error()
}

// Connected reports whether the client currently holds a live session.
func (s *Supervisor) Connected() bool {
	return s.client.IsConnected()
}

// ResolveBrokerURL returns cfg.URL unchanged if set; otherwise, if
// Discover is enabled, it browses for a _mqtt._tcp mDNS advertisement
// and returns the first instance found within timeout.
func ResolveBrokerURL(ctx context.Context, cfg config.Broker, timeout time.Duration) (string, error) {
	if cfg.URL != "" {
		return cfg.URL, nil
	}
	if !cfg.Discover {
		return "", fmt.Errorf("session: no broker url configured and discovery disabled")
	}
	return discoverBrokerURL(ctx, timeout)
}
