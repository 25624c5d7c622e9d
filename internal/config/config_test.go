package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_ErrorsOnMissingFile(t *testing.T) {
	cfg, err := LoadConfig("does-not-exist.yaml")
	require.Error(t, err)
	require.Nil(t, cfg)
}

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.applyDefaults()

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 1000, cfg.Server.Security.MaxNonceCache)
	assert.Equal(t, 60, cfg.Server.Security.TimestampTolerance)
	assert.Equal(t, 90, cfg.Server.AgentTimeout)
	assert.Equal(t, 30, cfg.Server.LivenessPeriod)
	assert.Equal(t, 10.0, cfg.Agent.Monitoring.RateLimit.MaxEventsPerSecond)
	assert.Equal(t, 20, cfg.Agent.Monitoring.RateLimit.BurstSize)
	assert.Equal(t, "low", cfg.Notifications.MinSeverity)
}

func TestApplyEnvOverrides(t *testing.T) {
	cfg := &Config{}
	cfg.applyDefaults()

	os.Setenv("HONEYGRID_SERVER_PORT", "9100")
	os.Setenv("HONEYGRID_AGENT_AGENT_ID", "agent-xyz")
	os.Setenv("HONEYGRID_NOTIFICATIONS_ENABLED", "true")
	t.Cleanup(func() {
		os.Unsetenv("HONEYGRID_SERVER_PORT")
		os.Unsetenv("HONEYGRID_AGENT_AGENT_ID")
		os.Unsetenv("HONEYGRID_NOTIFICATIONS_ENABLED")
	})

	cfg.applyEnvOverrides()

	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, "agent-xyz", cfg.Agent.AgentID)
	assert.True(t, cfg.Notifications.Enabled)
}
