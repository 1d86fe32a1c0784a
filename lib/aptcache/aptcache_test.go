package aptcache

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writePackage(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestMergeFromDir(t *testing.T) {
	ctx := context.Background()
	cache := New(filepath.Join(t.TempDir(), "cache"))

	instance := t.TempDir()
	writePackage(t, instance, "hello_2.10-3_amd64.deb", "hello")
	writePackage(t, instance, "gcc_12.2.0-1_amd64.deb", "gcc")
	writePackage(t, instance, "partial-download", "not a package")

	require.NoError(t, cache.MergeFromDir(ctx, instance))

	require.FileExists(t, filepath.Join(cache.Dir(), "hello_2.10-3_amd64.deb"))
	require.FileExists(t, filepath.Join(cache.Dir(), "gcc_12.2.0-1_amd64.deb"))
	// Non-package files are never merged.
	require.NoFileExists(t, filepath.Join(cache.Dir(), "partial-download"))
}

func TestMergeIsIdempotentAndFirstWriterWins(t *testing.T) {
	ctx := context.Background()
	cache := New(filepath.Join(t.TempDir(), "cache"))

	first := t.TempDir()
	writePackage(t, first, "hello_2.10-3_amd64.deb", "original")
	require.NoError(t, cache.MergeFromDir(ctx, first))

	// A second merge of the same filename, even with different bytes, is
	// silently dropped.
	second := t.TempDir()
	writePackage(t, second, "hello_2.10-3_amd64.deb", "different bytes")
	require.NoError(t, cache.MergeFromDir(ctx, second))

	data, err := os.ReadFile(filepath.Join(cache.Dir(), "hello_2.10-3_amd64.deb"))
	require.NoError(t, err)
	require.Equal(t, "original", string(data))

	// No stray temp files left behind.
	entries, err := os.ReadDir(cache.Dir())
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestCreateInstanceCache(t *testing.T) {
	ctx := context.Background()
	cache := New(filepath.Join(t.TempDir(), "cache"))
	writePackage(t, cache.Dir(), "hello_2.10-3_amd64.deb", "hello")
	writePackage(t, cache.Dir(), "make_4.3-4.1_amd64.deb", "make")

	instance := filepath.Join(t.TempDir(), "instance-cache")
	require.NoError(t, cache.CreateInstanceCache(ctx, instance))

	data, err := os.ReadFile(filepath.Join(instance, "hello_2.10-3_amd64.deb"))
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))
	require.FileExists(t, filepath.Join(instance, "make_4.3-4.1_amd64.deb"))
}

func TestCreateInstanceCacheEmpty(t *testing.T) {
	ctx := context.Background()
	cache := New(filepath.Join(t.TempDir(), "cache"))

	instance := filepath.Join(t.TempDir(), "instance-cache")
	require.NoError(t, cache.CreateInstanceCache(ctx, instance))

	info, err := os.Stat(instance)
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	cache := New(filepath.Join(t.TempDir(), "cache"))
	writePackage(t, cache.Dir(), "a_1_amd64.deb", "a")
	writePackage(t, cache.Dir(), "b_1_amd64.deb", "b")

	removed, err := cache.Clear(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, removed)

	entries, err := os.ReadDir(cache.Dir())
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestSize(t *testing.T) {
	cache := New(filepath.Join(t.TempDir(), "cache"))
	writePackage(t, cache.Dir(), "a_1_amd64.deb", "12345")
	writePackage(t, cache.Dir(), "b_1_amd64.deb", "123")

	size, err := cache.Size()
	require.NoError(t, err)
	require.Equal(t, int64(8), size)
}

func TestDelete(t *testing.T) {
	cache := New(filepath.Join(t.TempDir(), "cache"))
	writePackage(t, cache.Dir(), "a_1_amd64.deb", "a")

	require.NoError(t, cache.Delete())
	require.NoDirExists(t, cache.Dir())
	// Deleting an absent cache is fine.
	require.NoError(t, cache.Delete())
}
