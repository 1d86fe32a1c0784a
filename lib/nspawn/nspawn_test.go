package nspawn

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
)

func testEngine(allowUnsafe bool) *Engine {
	return &Engine{
		version:       252,
		syscallFilter: "",
		allowUnsafe:   allowUnsafe,
		cachePackages: true,
		tempRoot:      os.TempDir(),
	}
}

func TestBuildArgvPersistent(t *testing.T) {
	ctx := context.Background()
	e := testEngine(false)

	argv, err := e.buildArgv(ctx, RunOptions{
		Dir:         "/var/tmp/buildspawn/instance-x",
		MachineName: "host-stable-amd64-ab12",
		Chdir:       "/tmp",
		Command:     []string{"/usr/lib/buildspawn/bsrun", "--update"},
	})
	require.NoError(t, err)
	require.Equal(t, []string{
		"systemd-nspawn",
		"-M", "host-stable-amd64-ab12",
		"--chdir=/tmp",
		"-aq",
		"-D", "/var/tmp/buildspawn/instance-x",
		"/usr/lib/buildspawn/bsrun", "--update",
	}, argv)
}

func TestBuildArgvEphemeral(t *testing.T) {
	ctx := context.Background()
	e := testEngine(false)

	argv, err := e.buildArgv(ctx, RunOptions{
		Dir:         "/srv/instance",
		MachineName: "m1",
		Chdir:       "/srv",
		Command:     []string{"/bin/true"},
		Ephemeral:   true,
	})
	require.NoError(t, err)
	require.Contains(t, argv, "-aqx")
	require.NotContains(t, argv, "-aq")
}

func TestBuildArgvBoot(t *testing.T) {
	ctx := context.Background()
	e := testEngine(false)

	argv, err := e.buildArgv(ctx, RunOptions{
		Dir:         "/srv/instance",
		MachineName: "m1",
		Command:     []string{"/usr/bin/make"},
		Boot:        true,
	})
	require.NoError(t, err)
	// Booted instances must not get --as-pid2, and the payload command is
	// not part of the boot invocation.
	require.Equal(t, []string{
		"systemd-nspawn", "-M", "m1", "-qb", "-D", "/srv/instance",
	}, argv)
}

func TestBuildArgvBootEphemeral(t *testing.T) {
	ctx := context.Background()
	e := testEngine(false)

	argv, err := e.buildArgv(ctx, RunOptions{
		Dir:         "/srv/instance",
		MachineName: "m1",
		Boot:        true,
		Ephemeral:   true,
	})
	require.NoError(t, err)
	require.Contains(t, argv, "-qxb")
}

func TestBuildArgvSyscallFilterAndEnv(t *testing.T) {
	ctx := context.Background()
	e := testEngine(false)
	e.syscallFilter = "@default @basic-io"

	argv, err := e.buildArgv(ctx, RunOptions{
		Dir:         "/srv/instance",
		MachineName: "m1",
		Command:     []string{"/bin/true"},
		Env:         map[string]string{"DEB_BUILD_OPTIONS": "parallel=4", "CI": "1"},
	})
	require.NoError(t, err)
	require.Contains(t, argv, "--system-call-filter=@default @basic-io")

	// Env flags are emitted in sorted key order, before the command.
	ciIdx := indexOf(t, argv, "--setenv=CI=1")
	optIdx := indexOf(t, argv, "--setenv=DEB_BUILD_OPTIONS=parallel=4")
	require.Less(t, ciIdx, optIdx)
}

func TestBuildArgvPermissionGating(t *testing.T) {
	ctx := context.Background()
	perms := ParsePermissions(ctx, []string{"cap_sys_admin", "full-dev"})

	// Without the opt-in the tool is never invoked.
	e := testEngine(false)
	_, err := e.buildArgv(ctx, RunOptions{
		Dir: "/srv/i", MachineName: "m1", Command: []string{"/bin/true"}, Permissions: perms,
	})
	require.ErrorIs(t, err, ErrUnsafePermission)

	// With the opt-in the corresponding flags appear in the argv.
	e = testEngine(true)
	argv, err := e.buildArgv(ctx, RunOptions{
		Dir: "/srv/i", MachineName: "m1", Command: []string{"/bin/true"}, Permissions: perms,
	})
	require.NoError(t, err)
	require.Contains(t, argv, "--capability=CAP_SYS_ADMIN")
	require.Contains(t, argv, "--bind=/dev:/dev")
	require.Contains(t, argv, "--console=pipe")
}

func TestBuildArgvFullDevOldVersionSkipsConsole(t *testing.T) {
	ctx := context.Background()
	e := testEngine(true)
	e.version = 239

	perms := ParsePermissions(ctx, []string{"full-dev"})
	argv, err := e.buildArgv(ctx, RunOptions{
		Dir: "/srv/i", MachineName: "m1", Command: []string{"/bin/true"}, Permissions: perms,
	})
	require.NoError(t, err)
	require.Contains(t, argv, "--bind=/dev:/dev")
	require.NotContains(t, argv, "--console=pipe")
}

func TestBuildArgvPrivateUsers(t *testing.T) {
	ctx := context.Background()
	e := testEngine(false)

	argv, err := e.buildArgv(ctx, RunOptions{
		Dir: "/srv/i", MachineName: "m1", Command: []string{"/bin/true"}, PrivateUsers: true,
	})
	require.NoError(t, err)
	require.Contains(t, argv, "--private-users=pick")
}

func TestPersonalitySelection(t *testing.T) {
	if runtime.GOARCH != "amd64" {
		t.Skip("personality selection only applies on amd64 hosts")
	}
	require.Equal(t, "x86", personalityFor("i386"))
	require.Equal(t, "x86", personalityFor("i686"))
	require.Equal(t, "", personalityFor("amd64"))
	require.Equal(t, "", personalityFor("arm64"))
}

func TestParsePermissions(t *testing.T) {
	ctx := context.Background()

	perms := ParsePermissions(ctx, []string{"cap_net_admin", "CAP_SYS_PTRACE", "kvm", "bogus-grant", ""})
	require.Equal(t, []string{"CAP_NET_ADMIN", "CAP_SYS_PTRACE"}, perms.Capabilities)
	require.True(t, perms.KVM)
	require.False(t, perms.FullDev)
	require.True(t, perms.RequiresOptIn())

	all := ParsePermissions(ctx, []string{"all", "cap_net_admin"})
	require.Equal(t, []string{"all"}, all.Capabilities)

	none := ParsePermissions(ctx, nil)
	require.True(t, none.Empty())
	require.False(t, none.RequiresOptIn())
}

func TestStripForCaching(t *testing.T) {
	ctx := context.Background()
	perms := ParsePermissions(ctx, []string{"full-dev", "full-proc", "read-kmods", "kvm", "cap_sys_admin"})

	stripped := perms.StripForCaching()
	require.False(t, stripped.FullDev)
	require.False(t, stripped.FullProc)
	require.False(t, stripped.ReadKmods)
	require.True(t, stripped.KVM)
	require.Equal(t, []string{"CAP_SYS_ADMIN"}, stripped.Capabilities)
}

func TestDeliverScript(t *testing.T) {
	instance := t.TempDir()
	host := filepath.Join(t.TempDir(), "build-hook.sh")
	require.NoError(t, os.WriteFile(host, []byte("#!/bin/sh\nexit 0\n"), 0o644))

	containerPath, err := DeliverScript(instance, host)
	require.NoError(t, err)
	require.Equal(t, "/tmp/build-hook.sh", containerPath)

	delivered := filepath.Join(instance, "tmp", "build-hook.sh")
	info, err := os.Stat(delivered)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o755), info.Mode().Perm())
}

func indexOf(t *testing.T, haystack []string, needle string) int {
	t.Helper()
	for i, s := range haystack {
		if s == needle {
			return i
		}
	}
	t.Fatalf("%q not found in %v", needle, haystack)
	return -1
}
