package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tunnelmesh/blobmesh/testutil"
)

func validConfig() *Config {
	cfg := Default()
	cfg.Database = "/var/lib/blobmesh/db"
	cfg.Volumes = []string{"localhost:3001", "localhost:3002", "localhost:3003"}
	return cfg
}

func TestLoad(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	content := `
listen: ":8080"
database: "/data/index"
volumes:
  - "vol1:80"
  - "vol2:80"
fallback: "archive:80"
replicas: 2
subvolumes: 4
protect: true
md5sum: false
volume_timeout: "250ms"
lock_shards: 8
max_object_size: "16MB"
rebuild:
  concurrency: 4
  rate: 50
rebalance:
  interval: "10m"
`
	path := testutil.TempFile(t, dir, "blobmesh.yaml", content)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Listen)
	assert.Equal(t, "/data/index", cfg.Database)
	assert.Equal(t, []string{"vol1:80", "vol2:80"}, cfg.Volumes)
	assert.Equal(t, "archive:80", cfg.Fallback)
	assert.Equal(t, 2, cfg.Replicas)
	assert.Equal(t, 4, cfg.Subvolumes)
	assert.True(t, cfg.Protect)
	assert.False(t, cfg.MD5Sum)
	assert.Equal(t, 8, cfg.LockShards)
	assert.Equal(t, 4, cfg.Rebuild.Concurrency)

	limit, err := cfg.ObjectSizeLimit()
	require.NoError(t, err)
	assert.Equal(t, int64(16<<20), limit)
	assert.Equal(t, 50.0, cfg.Rebuild.Rate)

	timeout, err := cfg.Timeout()
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, timeout)

	interval, err := cfg.RebalanceInterval()
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, interval)

	assert.NoError(t, cfg.Validate())
}

func TestLoad_Defaults(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	content := `
database: "/data/index"
volumes: ["a:80", "b:80", "c:80"]
`
	path := testutil.TempFile(t, dir, "blobmesh.yaml", content)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":3000", cfg.Listen)
	assert.Equal(t, "127.0.0.1:3100", cfg.AdminListen)
	assert.Equal(t, 3, cfg.Replicas)
	assert.Equal(t, 10, cfg.Subvolumes)
	assert.False(t, cfg.Protect)
	assert.True(t, cfg.MD5Sum)
	assert.Equal(t, "1s", cfg.VolumeTimeout)
	assert.Equal(t, 64, cfg.LockShards)
	assert.Equal(t, 16, cfg.Rebuild.Concurrency)
	assert.Zero(t, cfg.Rebuild.Rate)

	limit, err := cfg.ObjectSizeLimit()
	require.NoError(t, err)
	assert.Equal(t, int64(256<<20), limit)

	interval, err := cfg.RebalanceInterval()
	require.NoError(t, err)
	assert.Zero(t, interval)

	assert.NoError(t, cfg.Validate())
}

func TestLoad_EmptyPath(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/blobmesh.yaml")
	assert.Error(t, err)
}

func TestLoad_InvalidYAML(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	path := testutil.TempFile(t, dir, "blobmesh.yaml", "volumes: [invalid yaml\n")

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_ExpandsHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}

	dir, cleanup := testutil.TempDir(t)
	defer cleanup()
	path := testutil.TempFile(t, dir, "blobmesh.yaml", "database: \"~/blobmesh/db\"\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "blobmesh/db"), cfg.Database)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		field  string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing listen", func(c *Config) { c.Listen = "" }, "listen"},
		{"admin on api port", func(c *Config) { c.AdminListen = c.Listen }, "admin_listen"},
		{"admin disabled", func(c *Config) { c.AdminListen = "" }, ""},
		{"missing database", func(c *Config) { c.Database = "" }, "database"},
		{"no volumes", func(c *Config) { c.Volumes = nil }, "volumes"},
		{"empty volume", func(c *Config) { c.Volumes = []string{"a", " ", "c"} }, "volumes"},
		{"zero replicas", func(c *Config) { c.Replicas = 0 }, "replicas"},
		{"fewer volumes than replicas", func(c *Config) { c.Replicas = 4 }, "volumes"},
		{"zero subvolumes", func(c *Config) { c.Subvolumes = 0 }, "subvolumes"},
		{"too many subvolumes", func(c *Config) { c.Subvolumes = 257 }, "subvolumes"},
		{"bad timeout", func(c *Config) { c.VolumeTimeout = "soon" }, "volume_timeout"},
		{"zero timeout", func(c *Config) { c.VolumeTimeout = "0s" }, "volume_timeout"},
		{"zero lock shards", func(c *Config) { c.LockShards = 0 }, "lock_shards"},
		{"bad object size", func(c *Config) { c.MaxObjectSize = "lots" }, "max_object_size"},
		{"unlimited object size", func(c *Config) { c.MaxObjectSize = "0" }, ""},
		{"zero rebuild concurrency", func(c *Config) { c.Rebuild.Concurrency = 0 }, "rebuild.concurrency"},
		{"negative rebuild rate", func(c *Config) { c.Rebuild.Rate = -1 }, "rebuild.rate"},
		{"bad rebalance interval", func(c *Config) { c.Rebalance.Interval = "daily" }, "rebalance.interval"},
		{"negative rebalance interval", func(c *Config) { c.Rebalance.Interval = "-1m" }, "rebalance.interval"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.modify(cfg)
			err := cfg.Validate()

			if tt.field == "" {
				assert.NoError(t, err)
				return
			}
			var cfgErr *ConfigError
			require.True(t, errors.As(err, &cfgErr), "expected *ConfigError, got %v", err)
			assert.Equal(t, tt.field, cfgErr.Field)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}
