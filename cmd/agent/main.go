// Command agent is HoneyGrid's endpoint process: it watches the
// honeytoken paths named in its configuration (C9) and reports observed
// access to the collector over a rate-limited mTLS connection (C10).
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/honeygrid/honeygrid/internal/certutil"
	"github.com/honeygrid/honeygrid/internal/config"
	"github.com/honeygrid/honeygrid/internal/monitor"
	"github.com/honeygrid/honeygrid/internal/ratelimit"
	"github.com/honeygrid/honeygrid/internal/sender"
	"github.com/honeygrid/honeygrid/internal/telemetry"
)

func main() {
	cfg := config.Get()
	telemetry.SetupLogging(cfg.Logging.Level)

	resolver := monitor.NewResolver()
	for _, path := range cfg.Agent.Monitoring.WatchPaths {
		info, err := os.Stat(path)
		if err != nil {
			slog.Warn("agent: watch path not found, skipping", "path", path, "error", err)
			continue
		}
		resolver.Register(syntheticTokenID(path), path, info.IsDir())
	}
	if len(cfg.Agent.Monitoring.WatchPaths) == 0 {
		log.Fatalf("agent: no watch_paths configured")
	}

	var hashes *monitor.HashTracker
	if cfg.Agent.TrackContentSHA {
		hashes = monitor.NewHashTracker()
	}

	queue := monitor.NewQueue(1000)
	source := newPollingSource(cfg.Agent.Monitoring.WatchPaths, 2*time.Second)

	mon := monitor.New(resolver, queue, source, hashes, monitor.Config{
		TrackContentHash: cfg.Agent.TrackContentSHA,
		AccessSweep:      cfg.Agent.AccessSweep,
		CaptureProcess:   cfg.Agent.CaptureProcess,
	})

	tlsCfg, err := certutil.ClientTLSConfig(cfg.Agent.Certificates.CACert, cfg.Agent.Certificates.ClientCert, cfg.Agent.Certificates.ClientKey)
	if err != nil {
		log.Fatalf("agent: build TLS config: %v", err)
	}

	limiter := ratelimit.New(cfg.Agent.Monitoring.RateLimit.MaxEventsPerSecond, float64(cfg.Agent.Monitoring.RateLimit.BurstSize))

	s := sender.New(sender.Config{
		AgentID:        cfg.Agent.AgentID,
		Addr:           cfg.Agent.Server.Host + ":" + strconv.Itoa(cfg.Agent.Server.Port),
		TLSConfig:      tlsCfg,
		HeartbeatEvery: time.Duration(cfg.Agent.Heartbeat.IntervalSeconds) * time.Second,
	}, queue, limiter)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := mon.Run(ctx); err != nil {
			slog.Error("agent: monitor stopped", "error", err)
		}
	}()
	go s.Run(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	slog.Info("agent: shutdown signal received")
	cancel()
	time.Sleep(200 * time.Millisecond)

	counters := s.Counters()
	slog.Info("agent: stopped", "sent", counters.Sent, "failed", counters.Failed, "rate_limited", counters.RateLimited, "reconnects", counters.Reconnects)
}

// syntheticTokenID derives a stable token_id from a watch path when the
// operator's config lists bare filesystem paths rather than pre-registered
// token records (spec §6's agent CLI accepts paths directly).
func syntheticTokenID(path string) string {
	return "path:" + path
}
