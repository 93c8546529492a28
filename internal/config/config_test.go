package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yuya-takeyama/shaman-pack/pkg/transfer"
)

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, transfer.DefaultOptions(), cfg.Options())
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shaman-pack.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
store: http://manager:8080/api/v3
checkout_path: jobs/test
exclude:
  - "*.blend1"
  - "cache/"
compress: true
headers:
  Authorization: Bearer abc
log:
  format: json
transfer:
  max_deferred: 2
  progress_interval: 1s
`), 0o644))

	cfg := Default()
	require.NoError(t, cfg.LoadFile(path))

	assert.Equal(t, "http://manager:8080/api/v3", cfg.Store)
	assert.Equal(t, "jobs/test", cfg.CheckoutPath)
	assert.Equal(t, []string{"*.blend1", "cache/"}, cfg.Excludes)
	assert.True(t, cfg.Compress)
	assert.Equal(t, "Bearer abc", cfg.Headers["Authorization"])
	assert.Equal(t, "json", cfg.Log.Format)
	// keys missing from the file keep their defaults
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, transfer.DefaultMaxFailed, cfg.Transfer.MaxFailed)
	assert.Equal(t, 2, cfg.Transfer.MaxDeferred)
	assert.Equal(t, time.Second, cfg.Transfer.ProgressInterval)
}

func TestLoadFile_Errors(t *testing.T) {
	cfg := Default()
	assert.Error(t, cfg.LoadFile(filepath.Join(t.TempDir(), "missing.yaml")))

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("transfer: [unclosed"), 0o644))
	assert.Error(t, cfg.LoadFile(path))
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	cfg.Excludes = []string{"from-file"}

	err := cfg.ApplyEnv(envMap(map[string]string{
		"SHAMAN_PACK_STORE":             "s3://bucket/prefix",
		"SHAMAN_PACK_EXCLUDE":           "*.tmp, cache/ ,",
		"SHAMAN_PACK_MOVE":              "true",
		"SHAMAN_PACK_MAX_ROUNDS":        "3",
		"SHAMAN_PACK_PROGRESS_INTERVAL": "100ms",
		"SHAMAN_PACK_LOG_LEVEL":         "",
	}))
	require.NoError(t, err)

	assert.Equal(t, "s3://bucket/prefix", cfg.Store)
	assert.Equal(t, []string{"*.tmp", "cache/"}, cfg.Excludes)
	assert.True(t, cfg.Move)
	assert.Equal(t, 3, cfg.Transfer.MaxRounds)
	assert.Equal(t, 100*time.Millisecond, cfg.Transfer.ProgressInterval)
	// empty values are ignored
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestApplyEnv_InvalidValues(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(envMap(map[string]string{
		"SHAMAN_PACK_MOVE":              "perhaps",
		"SHAMAN_PACK_MAX_FAILED":        "many",
		"SHAMAN_PACK_PROGRESS_INTERVAL": "soon",
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SHAMAN_PACK_MOVE")
	assert.Contains(t, err.Error(), "SHAMAN_PACK_MAX_FAILED")
	assert.Contains(t, err.Error(), "SHAMAN_PACK_PROGRESS_INTERVAL")
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store: file:///from/file\n"), 0o644))
	t.Setenv("SHAMAN_PACK_STORE", "mem://")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "mem://", cfg.Store)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{name: "valid", modify: func(c *Config) { c.Store = "mem://" }},
		{name: "no store", modify: func(c *Config) {}, wantErr: true},
		{name: "bad format", modify: func(c *Config) { c.Store = "mem://"; c.Log.Format = "xml" }, wantErr: true},
		{name: "negative interval", modify: func(c *Config) { c.Store = "mem://"; c.Transfer.ProgressInterval = -time.Second }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
