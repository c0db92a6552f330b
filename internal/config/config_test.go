package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, ":9090", cfg.Addr())
	assert.Equal(t, int64(65536), cfg.MaxMessageSize)
	assert.Equal(t, 60*time.Second, cfg.IdleTimeout)
	assert.True(t, cfg.EnableDeflate)
	assert.Equal(t, 30*time.Second, cfg.PingInterval)
	assert.True(t, cfg.AutoPingPong)
	assert.Equal(t, 50, cfg.HistoryLimit)
	assert.Equal(t, 60*time.Second, cfg.LPSessionTTL)
	assert.Equal(t, 256, cfg.LPMaxBuffer)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("WS_PORT", "8081")
	t.Setenv("WS_IDLE_TIMEOUT", "120s")
	t.Setenv("WS_LP_MAX_BUFFER", "16")
	t.Setenv("LOG_FORMAT", "pretty")

	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, 8081, cfg.Port)
	assert.Equal(t, 2*time.Minute, cfg.IdleTimeout)
	assert.Equal(t, 16, cfg.LPMaxBuffer)
	assert.Equal(t, "pretty", cfg.LogFormat)
}

func TestClampMinimums(t *testing.T) {
	t.Setenv("WS_MAX_MESSAGE_SIZE", "10")
	t.Setenv("WS_IDLE_TIMEOUT", "1s")

	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, int64(MinMessageSize), cfg.MaxMessageSize)
	assert.Equal(t, MinIdleTimeout, cfg.IdleTimeout)
}

func TestZeroDisablesIdleTimeout(t *testing.T) {
	t.Setenv("WS_IDLE_TIMEOUT", "0")

	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), cfg.IdleTimeout)
}

func TestValidationFailures(t *testing.T) {
	cases := map[string]map[string]string{
		"port too low":   {"WS_PORT": "80"},
		"port too high":  {"WS_PORT": "70000"},
		"bad log level":  {"LOG_LEVEL": "verbose"},
		"bad log format": {"LOG_FORMAT": "xml"},
		"zero lp buffer": {"WS_LP_MAX_BUFFER": "0"},
	}
	for name, envs := range cases {
		t.Run(name, func(t *testing.T) {
			for k, v := range envs {
				t.Setenv(k, v)
			}
			_, err := Load(nil)
			assert.Error(t, err)
		})
	}
}
