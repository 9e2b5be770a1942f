package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 8090, cfg.Server.Port)
	assert.Equal(t, 15*time.Second, cfg.Server.ReadTimeout)

	assert.Equal(t, "memory", cfg.Bus.Backend)
	assert.Equal(t, 10000, cfg.Bus.Memory.Capacity)
	assert.Equal(t, "eventbridge:events", cfg.Bus.Redis.StreamKey)
	assert.Equal(t, int64(10000), cfg.Bus.Redis.TrimMaxEntries)
	assert.Equal(t, 30*time.Second, cfg.Bus.Redis.TrimInterval)

	assert.Equal(t, "memory", cfg.Registry.Backend)
	assert.Equal(t, 2*time.Second, cfg.Registry.SnapshotTTL)

	assert.Equal(t, 10*time.Second, cfg.Dispatch.Timeout)
	assert.Equal(t, 5, cfg.Dispatch.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Dispatch.BaseDelay)
	assert.Equal(t, 30*time.Second, cfg.Dispatch.MaxDelay)

	assert.Equal(t, 100.0, cfg.Fanout.RefillRate)
	assert.Equal(t, 200, cfg.Fanout.Burst)
	assert.Equal(t, 256, cfg.Fanout.QueueDepth)
	assert.Equal(t, 20*time.Second, cfg.Fanout.Keepalive)

	assert.Equal(t, "memory", cfg.DLQ.Backend)
	assert.Equal(t, 262144, cfg.Events.MaxPayloadBytes)
	assert.Equal(t, 1000, cfg.Events.ListHardCap)

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, []string{"*"}, cfg.CORS.AllowedOrigins)
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  port: 9999
bus:
  backend: redis
  redis:
    url: redis://redis.internal:6379/1
    stream_key: bridge:prod
dispatch:
  max_attempts: 8
logging:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "redis", cfg.Bus.Backend)
	assert.Equal(t, "redis://redis.internal:6379/1", cfg.Bus.Redis.URL)
	assert.Equal(t, "bridge:prod", cfg.Bus.Redis.StreamKey)
	assert.Equal(t, 8, cfg.Dispatch.MaxAttempts)
	assert.Equal(t, "debug", cfg.Logging.Level)

	// Unset keys keep their defaults.
	assert.Equal(t, 1024, cfg.Dispatch.QueueDepth)
	assert.Equal(t, "memory", cfg.Registry.Backend)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("EVENTBRIDGE_SERVER_PORT", "7777")
	t.Setenv("EVENTBRIDGE_LOGGING_FORMAT", "text")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 7777, cfg.Server.Port)
	assert.Equal(t, "text", cfg.Logging.Format)
}

func TestLoad_ConfigDirEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"),
		[]byte("server:\n  port: 8181\n"), 0644))
	t.Setenv("EVENTBRIDGE_CONFIG_DIR", dir)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8181, cfg.Server.Port)
}

func TestLoad_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "unknown bus backend",
			content: "bus:\n  backend: kafka\n",
			wantErr: "unknown bus backend",
		},
		{
			name:    "unknown registry backend",
			content: "registry:\n  backend: dynamo\n",
			wantErr: "unknown registry backend",
		},
		{
			name:    "postgres without url",
			content: "registry:\n  backend: postgres\n",
			wantErr: "database_url is required",
		},
		{
			name:    "unknown dlq backend",
			content: "dlq:\n  backend: kinesis\n",
			wantErr: "unknown dlq backend",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0644))

			_, err := Load(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_MalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [not: valid\n"), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestWriteDefault_RoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "etc", "config.yaml")
	require.NoError(t, WriteDefault(path))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8090, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Bus.Backend)
	assert.Equal(t, 5, cfg.Dispatch.MaxAttempts)
	assert.Equal(t, []string{"*"}, cfg.CORS.AllowedOrigins)
}
