package osbase

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/stretchr/testify/require"
)

func TestListEmptyStore(t *testing.T) {
	p := testPaths(t)

	infos, err := List(context.Background(), p)
	require.NoError(t, err)
	require.Empty(t, infos)
}

func TestList(t *testing.T) {
	p := testPaths(t)
	require.NoError(t, os.MkdirAll(p.ImagesDir, 0o755))

	require.NoError(t, os.WriteFile(p.ImageArchive("unstable-amd64"), make([]byte, 1024), 0o644))
	require.NoError(t, writeManifest(p.ImageManifest("unstable-amd64"), &Manifest{
		Version:      manifestVersion,
		Name:         "unstable-amd64",
		Suite:        "unstable",
		Architecture: "amd64",
		CreatedAt:    time.Now().UTC(),
	}))

	// An archive without a manifest still lists, by name only.
	require.NoError(t, os.WriteFile(p.ImageArchive("stable-amd64"), []byte("x"), 0o644))

	// Leftovers from an interrupted replace are not images.
	require.NoError(t, os.WriteFile(p.ImageArchive("stable-amd64.old"), []byte("x"), 0o644))

	cacheDir := p.AptCache("unstable-amd64")
	require.NoError(t, os.MkdirAll(cacheDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(cacheDir, "pkg_1_amd64.deb"), make([]byte, 512), 0o644))

	infos, err := List(context.Background(), p)
	require.NoError(t, err)
	require.Len(t, infos, 2)

	byName := map[string]ImageInfo{}
	for _, info := range infos {
		byName[info.Name] = info
	}

	full := byName["unstable-amd64"]
	require.Equal(t, "unstable", full.Suite)
	require.Equal(t, "amd64", full.Architecture)
	require.Equal(t, datasize.ByteSize(1024), full.ArchiveSize)
	require.Equal(t, datasize.ByteSize(512), full.CacheSize)

	bare := byName["stable-amd64"]
	require.Empty(t, bare.Suite)
}

func TestClearAllCaches(t *testing.T) {
	ctx := context.Background()
	p := testPaths(t)

	for _, name := range []string{"unstable-amd64", "stable-arm64"} {
		dir := p.AptCache(name)
		require.NoError(t, os.MkdirAll(dir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "pkg_1.deb"), []byte("p"), 0o644))
	}
	require.NoError(t, os.MkdirAll(p.DerivedCacheDir("unstable-amd64"), 0o755))
	require.NoError(t, os.WriteFile(p.DerivedCacheArchive("unstable-amd64", "deps"), []byte("d"), 0o644))

	require.NoError(t, ClearAllCaches(ctx, p))

	entries, err := os.ReadDir(p.AptCacheDir)
	require.NoError(t, err)
	require.Empty(t, entries)
	require.NoDirExists(t, filepath.Join(p.ImagesDir, "dcache"))

	// Clearing an empty store is fine.
	require.NoError(t, ClearAllCaches(ctx, p))
}
