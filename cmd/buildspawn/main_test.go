package main

import (
	"context"
	"fmt"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"

	"github.com/onkernel/buildspawn/lib/executil"
	"github.com/onkernel/buildspawn/lib/nspawn"
	"github.com/onkernel/buildspawn/lib/osbase"
)

func TestExitCode(t *testing.T) {
	require.Equal(t, exitConfig, exitCode(errUsage))
	require.Equal(t, exitConfig, exitCode(nspawn.ErrToolMissing))
	require.Equal(t, exitConfig, exitCode(fmt.Errorf("set up store: %w", executil.ErrMissingTool)))
	require.Equal(t, exitPrivilege, exitCode(errPrivilege))
	require.Equal(t, exitImageState, exitCode(fmt.Errorf("wrapped: %w", osbase.ErrNotFound)))
	require.Equal(t, exitImageState, exitCode(osbase.ErrAlreadyExists))
	require.Equal(t, exitUnsafePerms, exitCode(nspawn.ErrUnsafePermission))
	require.Equal(t, exitFailure, exitCode(fmt.Errorf("some stage failed")))
}

func TestIdentityDefaultVariant(t *testing.T) {
	fs := pflag.NewFlagSet("create", pflag.ContinueOnError)
	idf := addIdentityFlags(fs)
	require.NoError(t, fs.Parse([]string{"--arch", "amd64"}))

	id, err := idf.identity(context.Background(), "sid", "buildd")
	require.NoError(t, err)
	require.Equal(t, "buildd", id.Variant)
	require.Equal(t, "sid-buildd-amd64", id.Name())
}

func TestIdentityFlagOverridesDefaultVariant(t *testing.T) {
	fs := pflag.NewFlagSet("create", pflag.ContinueOnError)
	idf := addIdentityFlags(fs)
	require.NoError(t, fs.Parse([]string{"--arch", "amd64", "--variant", "minbase"}))

	id, err := idf.identity(context.Background(), "sid", "buildd")
	require.NoError(t, err)
	require.Equal(t, "minbase", id.Variant)
	require.Equal(t, "sid-minbase-amd64", id.Name())
}

func TestParseEnv(t *testing.T) {
	env, err := parseEnv([]string{"DEB_BUILD_OPTIONS=parallel=4", "EMPTY="})
	require.NoError(t, err)
	require.Equal(t, map[string]string{
		"DEB_BUILD_OPTIONS": "parallel=4",
		"EMPTY":             "",
	}, env)

	_, err = parseEnv([]string{"NOVALUE"})
	require.ErrorIs(t, err, errUsage)

	env, err = parseEnv(nil)
	require.NoError(t, err)
	require.Nil(t, env)
}

func TestUnknownCommandIsUsageError(t *testing.T) {
	require.Equal(t, exitConfig, run([]string{"frobnicate"}))
}
