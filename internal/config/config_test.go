package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("REMOTE_URL", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "5985", cfg.Server.Port)
	assert.Empty(t, cfg.Remote.URL)
	assert.Equal(t, "registros", cfg.Remote.Database)
	assert.Equal(t, 100, cfg.Replication.BatchSize)
	assert.Equal(t, time.Second, cfg.Replication.InitialBackoff)
	assert.Equal(t, 2*time.Minute, cfg.Replication.MaxBackoff)
	assert.Equal(t, 15*time.Second, cfg.Remote.RequestTimeout)
	assert.True(t, cfg.Replication.AutoStart)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("REMOTE_URL", "https://couch.example.org")
	t.Setenv("REMOTE_DB", "campo")
	t.Setenv("REPLICATION_BATCH_SIZE", "25")
	t.Setenv("REPLICATION_MAX_BACKOFF", "30s")
	t.Setenv("REPLICATION_AUTO_START", "false")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "https://couch.example.org", cfg.Remote.URL)
	assert.Equal(t, "campo", cfg.Remote.Database)
	assert.Equal(t, 25, cfg.Replication.BatchSize)
	assert.Equal(t, 30*time.Second, cfg.Replication.MaxBackoff)
	assert.False(t, cfg.Replication.AutoStart)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"bad duration", "REMOTE_REQUEST_TIMEOUT", "soon"},
		{"negative duration", "SESSION_TTL", "-1m"},
		{"backoff cap below initial", "REPLICATION_MAX_BACKOFF", "1ms"},
		{"bad scheme", "REMOTE_URL", "ftp://couch"},
		{"missing host", "REMOTE_URL", "http://"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
