// Package liveness implements HoneyGrid's C7 component: a periodic sweep
// that transitions stale agents to warning/offline based on last_seen,
// without downgrading a status that event ingest (C6) already elevated.
package liveness

import (
	"context"
	"log/slog"
	"time"

	"github.com/honeygrid/honeygrid/internal/store"
)

const (
	// DefaultSweepInterval matches spec §4.7's default period.
	DefaultSweepInterval = 30 * time.Second
	// DefaultAgentTimeout matches spec §4.7's AGENT_TIMEOUT default.
	DefaultAgentTimeout = 90 * time.Second
	// warningFraction is the fraction of AGENT_TIMEOUT past which a
	// healthy agent is demoted to warning.
	warningFraction = 0.7
)

// Monitor periodically sweeps agent liveness.
type Monitor struct {
	store    *store.Store
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
}

// NewMonitor builds a Monitor. A non-positive interval or timeout falls
// back to the spec defaults.
func NewMonitor(st *store.Store, interval, timeout time.Duration) *Monitor {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if timeout <= 0 {
		timeout = DefaultAgentTimeout
	}
	return &Monitor{
		store:    st,
		interval: interval,
		timeout:  timeout,
		logger:   slog.Default().With("component", "liveness"),
	}
}

// Run sweeps every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep runs one pass of the C7 algorithm over all known agents.
func (m *Monitor) Sweep(ctx context.Context) {
	agents, err := m.store.GetAllAgents(ctx)
	if err != nil {
		m.logger.Error("liveness sweep: list agents failed", "error", err)
		return
	}

	now := time.Now()
	warningThreshold := time.Duration(float64(m.timeout) * warningFraction)

	for _, a := range agents {
		if a.Status == "offline" {
			continue
		}
		delta := now.Sub(a.LastSeen)

		switch {
		case delta > m.timeout:
			if _, err := m.store.SetAgentStatus(ctx, a.AgentID, "offline"); err != nil {
				m.logger.Error("liveness sweep: mark offline failed", "agent_id", a.AgentID, "error", err)
				continue
			}
			m.logger.Info("agent transitioned offline", "agent_id", a.AgentID, "delta", delta)
		case delta > warningThreshold && a.Status == "healthy":
			if _, err := m.store.SetAgentStatus(ctx, a.AgentID, "warning"); err != nil {
				m.logger.Error("liveness sweep: mark warning failed", "agent_id", a.AgentID, "error", err)
				continue
			}
			m.logger.Info("agent transitioned warning", "agent_id", a.AgentID, "delta", delta)
		}
	}
}
