package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradedesk/pkg/models"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "{}\n"))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 5000, cfg.Venue.RecvWindow)
	assert.Equal(t, 15*time.Second, cfg.Venue.HeartbeatInterval)
	assert.Equal(t, 30*time.Second, cfg.Venue.HeartbeatTimeout)
	assert.Equal(t, 10*time.Second, cfg.Venue.RequestTimeout)
	assert.Equal(t, time.Second, cfg.Venue.PositionPoll)
	assert.Equal(t, time.Second, cfg.MarketData.ReconnectDelay)
	assert.Equal(t, 30*time.Second, cfg.News.BackoffMax)
	assert.Equal(t, 500*time.Millisecond, cfg.News.JitterMax)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, models.NetworkMain, cfg.Network())
	assert.False(t, cfg.Credentials.GCP.UseSecrets)
}

func TestLoadOverridesFromFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
server:
  port: 9090
  auth_secret: hunter2
venue:
  network: test
  position_poll: 250ms
news:
  backoff_base: 2s
logging:
  level: debug
`))
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "hunter2", cfg.Server.AuthSecret)
	assert.Equal(t, models.NetworkTest, cfg.Network())
	assert.Equal(t, 250*time.Millisecond, cfg.Venue.PositionPoll)
	assert.Equal(t, 2*time.Second, cfg.News.BackoffBase)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestEnvOverridesCredentials(t *testing.T) {
	t.Setenv("TRADEDESK_VENUE_API_KEY", "env-key")
	t.Setenv("TRADEDESK_VENUE_API_SECRET", "env-secret")
	t.Setenv("TRADEDESK_VENUE_NETWORK", "test")

	cfg, err := Load(writeConfig(t, `
credentials:
  key: file-key
  secret: file-secret
`))
	require.NoError(t, err)

	assert.Equal(t, "env-key", cfg.Credentials.Key)
	assert.Equal(t, "env-secret", cfg.Credentials.Secret)
	assert.Equal(t, models.NetworkTest, cfg.Network())
}

func TestLoadExplicitMissingFileErrors(t *testing.T) {
	// Only search-path misses fall back to defaults; a path the operator
	// named must exist.
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
