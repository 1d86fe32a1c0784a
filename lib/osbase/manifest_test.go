package osbase

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestManifestRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stable-amd64.json")

	in := &Manifest{
		Version:          manifestVersion,
		Name:             "stable-amd64",
		Suite:            "stable",
		Architecture:     "amd64",
		Variant:          "minbase",
		Mirror:           "http://deb.debian.org/debian",
		Components:       []string{"main", "contrib", "non-free"},
		ExtraSuites:      []string{"stable-updates"},
		ExtraSourceLines: []string{"deb http://deb.debian.org/debian-security stable-security main"},
		AllowRecommends:  false,
		CreatedAt:        time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, writeManifest(path, in))

	out, err := readManifest(path)
	require.NoError(t, err)
	require.Equal(t, in, out)

	// No temp file left behind by the atomic write.
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestReadManifestMissing(t *testing.T) {
	_, err := readManifest(filepath.Join(t.TempDir(), "absent.json"))
	require.ErrorIs(t, err, ErrManifestMissing)
}

func TestReadManifestBadVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "m.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"version": 99, "suite": "stable"}`), 0o644))

	_, err := readManifest(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "version")
}
