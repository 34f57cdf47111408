package app

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()

	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadConfig(t *testing.T) {
	p := writeConfig(t, `
target: all
ingest:
  port: 9000
  mount-conflict: reject
  users:
    dj: night
recorder:
  enabled: false
  dir: /srv/recordings
`)

	cfg, err := LoadConfig(p)
	require.NoError(t, err)

	assert.Equal(t, All, cfg.Target)
	assert.Equal(t, 9000, cfg.Ingest.Port)
	assert.Equal(t, "reject", cfg.Ingest.MountConflict)
	assert.Equal(t, map[string]string{"dj": "night"}, cfg.Ingest.Users)
	assert.Equal(t, 10*time.Second, cfg.Ingest.HandshakeTimeout)
	assert.False(t, cfg.Recorder.Enabled)
	assert.Equal(t, "/srv/recordings", cfg.Recorder.Dir)
}

func TestLoadConfigRejectsUnknownKeys(t *testing.T) {
	p := writeConfig(t, `
ingest:
  prot: 9000
`)

	_, err := LoadConfig(p)
	require.Error(t, err)
}
