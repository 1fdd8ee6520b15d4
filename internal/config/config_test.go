package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"chanbroker/internal/segment"
)

func TestDefaultFillsEverySetting(t *testing.T) {
	cfg := Default()
	require.NotEmpty(t, cfg.DataDir)
	require.NotEmpty(t, cfg.ListenAddr)
	require.NotEmpty(t, cfg.LogLevel)
	require.Positive(t, cfg.DefaultBatchSize)
	require.Positive(t, cfg.SegmentCacheSize)
	require.Equal(t, segment.DefaultMaxSegmentSize, cfg.SegmentMaxSize)
}

func TestLoadWithoutPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoadParsesYAMLAndFillsMissingFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broker.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
data_dir: /var/lib/chanbroker
segment_max_size: 4096
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/var/lib/chanbroker", cfg.DataDir)
	require.Equal(t, int64(4096), cfg.SegmentMaxSize)
	require.Equal(t, Default().ListenAddr, cfg.ListenAddr)
}

func TestLoadAppliesEnvironmentOverlayOverFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broker.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
data_dir: /from/file
listen_addr: ":9000"
`), 0644))

	t.Setenv("CHANBROKER_DATA_DIR", "/from/env")
	t.Setenv("CHANBROKER_SEGMENT_CACHE_SIZE", "42")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/from/env", cfg.DataDir, "env overlay must win over the file")
	require.Equal(t, ":9000", cfg.ListenAddr, "file value survives when no env override is set")
	require.Equal(t, 42, cfg.SegmentCacheSize)
}

func TestLoadIgnoresUnparsableEnvOverride(t *testing.T) {
	t.Setenv("CHANBROKER_DEFAULT_BATCH_SIZE", "not-a-number")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Default().DefaultBatchSize, cfg.DefaultBatchSize)
}
