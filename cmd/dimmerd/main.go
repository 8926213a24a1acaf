// Command dimmerd runs a single TRIAC dimmer node: it drives the
// Dimming Engine (C1) from whichever of the static, planned, or fast
// producers the Mode Arbiter (C3) currently selects, fed by the broker
// session (C8) and the UDP fast-ingress listener (C6).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/pflag"

	"github.com/trilume/dimmerd/internal/arbiter"
	"github.com/trilume/dimmerd/internal/config"
	"github.com/trilume/dimmerd/internal/engine"
	"github.com/trilume/dimmerd/internal/health"
	"github.com/trilume/dimmerd/internal/ingress"
	"github.com/trilume/dimmerd/internal/schedule"
	"github.com/trilume/dimmerd/internal/session"
)

const mainLoopTick = 10 * time.Millisecond // spec.md §5: "a ~10ms sleep per iteration"

func main() {
	configPath := pflag.StringP("config", "c", "/etc/dimmerd/config.yaml", "Path to the node's YAML config file.")
	verbose := pflag.BoolP("verbose", "v", false, "Enable debug-level logging.")
	help := pflag.BoolP("help", "h", false, "Display help text.")

	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "%s - TRIAC dimmer node daemon\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Usage: %s [OPTIONS]\n\n", os.Args[0])
		pflag.PrintDefaults()
	}
	pflag.Parse()
	if *help {
		pflag.Usage()
		os.Exit(0)
	}

	logger := log.Default()
	if *verbose {
		logger.SetLevel(log.DebugLevel)
	}

	if err := run(*configPath, logger); err != nil {
		logger.Fatal("dimmerd exited", "err", err)
	}
}

func run(configPath string, logger *log.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	eng, err := engine.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	defer eng.Close()

	arb := arbiter.New(cfg.Channels, eng, logger)
	clock := health.NewClock(cfg.NTPServers, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	brokerURL, err := session.ResolveBrokerURL(ctx, cfg.Broker, 10*time.Second)
	if err != nil {
		return fmt.Errorf("resolve broker url: %w", err)
	}
	cfg.Broker.URL = brokerURL

	staticIngress := ingress.NewStatic(cfg.Channels, arb, logger)
	planIngress := ingress.NewPlan(cfg.Channels, schedule.NewPlayer(cfg.ScheduleCap), arb, logger)
	fastIngress := ingress.NewFast(cfg.Channels, cfg.Fast.RawFallback, arb, logger)

	sup := session.New(cfg.Broker,
		func(payload []byte) { staticIngress.Handle(payload) },
		func(payload []byte) { planIngress.Handle(payload, clock.WallclockMs()) },
		nil,
		logger,
	)
	heartbeat := health.NewHeartbeat(cfg.Broker, cfg.HeartbeatPeriod, sup, clock, logger)
	sup.SetOnReady(func() { heartbeat.PublishNow(cfg.FirmwareVersion, arb.Mode().String()) })

	go eng.Run(ctx, mainLoopTick)
	go sup.Run(ctx)
	go heartbeat.Run(ctx, cfg.FirmwareVersion, func() string { return arb.Mode().String() })
	go func() {
		if err := fastIngress.Run(ctx, cfg.Fast.Port); err != nil {
			logger.Error("fast ingress listener exited", "err", err)
		}
	}()

	mainLoop(ctx, cfg, arb, planIngress, clock)
	return nil
}

// mainLoop is the cooperative tick (spec.md §5): it refreshes the NTP
// offset, checks the fast-mode timeout, and drives the plan player.
// The engine's own watchdog and the session/heartbeat/fast-ingress
// loops run as separate goroutines per §5's description of
// independently-scheduled cooperative work.
func mainLoop(ctx context.Context, cfg config.Config, arb *arbiter.Arbiter, plan *ingress.Plan, clock *health.Clock) {
	ticker := time.NewTicker(mainLoopTick)
	defer ticker.Stop()

	lastNTPSync := time.Time{}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if time.Since(lastNTPSync) > 30*time.Second {
				clock.Sync(ctx)
				lastNTPSync = time.Now()
			}

			arb.CheckFastTimeout(cfg.Fast.Timeout)
			plan.Drive(clock.WallclockMs(), clock.Valid(), arb.Mode())
		}
	}
}
