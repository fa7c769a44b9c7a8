package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "archivist.yaml")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	require.NoError(t, cfg.Validate())
}

func TestLoadOverrides(t *testing.T) {
	t.Parallel()

	p := writeConfig(t, `
listen: 127.0.0.1:9000
storage_dir: /srv/archives
progress_interval: 250ms
blocking_workers: 4
open_archives: 2
log:
  level: debug
  format: json
  file: /var/log/archivist.log
  max_size_mb: 50
`)
	cfg, err := Load(p)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.Listen)
	assert.Equal(t, "/srv/archives", cfg.StorageDir)
	assert.Equal(t, DefaultArchiveExt, cfg.ArchiveExt, "unset keys keep defaults")
	assert.Equal(t, 250*time.Millisecond, cfg.ProgressInterval)
	assert.Equal(t, 4, cfg.BlockingWorkers)
	assert.Equal(t, 2, cfg.OpenArchives)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "/var/log/archivist.log", cfg.Log.File)
	assert.Equal(t, 50, cfg.Log.MaxSizeMB)
}

func TestLoadErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
	}{
		{"bad yaml", "listen: [unterminated"},
		{"bad duration", "progress_interval: soon"},
		{"negative workers", "blocking_workers: -1"},
		{"empty ext", `archive_ext: ""`},
		{"bad log level", "log:\n  level: loud"},
		{"zero shutdown timeout", "shutdown_timeout: 0s"},
		{"negative shutdown timeout", "shutdown_timeout: -5s"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Load(writeConfig(t, tt.content))
			require.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
