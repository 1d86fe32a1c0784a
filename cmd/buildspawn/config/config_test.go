package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "/var/lib/buildspawn/images", cfg.ImagesDir)
	require.Equal(t, "zstd", cfg.Compressor)
	require.True(t, cfg.CachePackages)
	require.False(t, cfg.AllowUnsafePerms)
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "global.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"images_dir: /srv/images\ncompressor: xz\nallow_unsafe_perms: true\ncache_packages: false\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/srv/images", cfg.ImagesDir)
	require.Equal(t, "xz", cfg.Compressor)
	require.True(t, cfg.AllowUnsafePerms)
	require.False(t, cfg.CachePackages)
	// Untouched keys keep their defaults.
	require.Equal(t, "/var/lib/buildspawn/results", cfg.ResultsDir)
}

func TestLoadExplicitFileMissingIsError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "global.yaml")
	require.NoError(t, os.WriteFile(path, []byte("temp_dir: /tmp/from-file\n"), 0o644))

	t.Setenv("BUILDSPAWN_TEMP_DIR", "/tmp/from-env")
	t.Setenv("BUILDSPAWN_CACHE_PACKAGES", "false")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/tmp/from-env", cfg.TempDir)
	require.False(t, cfg.CachePackages)
}
