package injectpkg

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func stage(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestHasInjectables(t *testing.T) {
	base := t.TempDir()
	specific := filepath.Join(base, "stable-amd64")

	inj := New(base, specific)
	require.False(t, inj.HasInjectables())

	stage(t, base, "libfoo_1.0_amd64.deb", "foo")
	require.True(t, inj.HasInjectables())
}

func TestHasInjectablesSpecificOnly(t *testing.T) {
	base := t.TempDir()
	specific := filepath.Join(t.TempDir(), "stable-amd64")
	stage(t, specific, "libbar_2.0_amd64.deb", "bar")

	inj := New(base, specific)
	require.True(t, inj.HasInjectables())
}

func TestHasInjectablesMissingDirs(t *testing.T) {
	inj := New(filepath.Join(t.TempDir(), "nope"), filepath.Join(t.TempDir(), "nope2"))
	require.False(t, inj.HasInjectables())
}

func TestCreateInstanceRepoSpecificShadowsGlobal(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	specific := filepath.Join(t.TempDir(), "stable-amd64")

	stage(t, base, "libfoo_1.0_amd64.deb", "global build")
	stage(t, base, "libqux_3.0_amd64.deb", "qux")
	stage(t, specific, "libfoo_1.0_amd64.deb", "identity build")
	stage(t, specific, "README", "not a package")

	repo := filepath.Join(t.TempDir(), "repo")
	inj := New(base, specific)
	require.NoError(t, inj.CreateInstanceRepo(ctx, repo))

	data, err := os.ReadFile(filepath.Join(repo, "libfoo_1.0_amd64.deb"))
	require.NoError(t, err)
	require.Equal(t, "identity build", string(data))

	require.FileExists(t, filepath.Join(repo, "libqux_3.0_amd64.deb"))
	require.NoFileExists(t, filepath.Join(repo, "README"))
}
