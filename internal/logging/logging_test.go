package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTextToWriter(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger, closer, err := New(DefaultConfig(), &buf)
	require.NoError(t, err)
	defer closer.Close()

	logger.Debug("hidden")
	logger.Info("shown", "key", "value")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "key=value")
}

func TestNewJSONLevel(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Format = "json"
	cfg.Level = "debug"
	logger, _, err := New(cfg, &buf)
	require.NoError(t, err)

	logger.Debug("visible", "n", 3)
	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "visible", rec["msg"])
	assert.Equal(t, "DEBUG", rec["level"])
}

func TestNewRotatingFile(t *testing.T) {
	t.Parallel()

	p := filepath.Join(t.TempDir(), "logs", "archivist.log")
	cfg := DefaultConfig()
	cfg.File = p
	logger, closer, err := New(cfg, nil)
	require.NoError(t, err)

	logger.Info("to file")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Contains(t, string(data), "to file")
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"default", func(*Config) {}, false},
		{"warn level", func(c *Config) { c.Level = "warn" }, false},
		{"bad level", func(c *Config) { c.Level = "loud" }, true},
		{"bad format", func(c *Config) { c.Format = "xml" }, true},
		{"negative size", func(c *Config) { c.MaxSizeMB = -1 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}
