// Package nspawn translates logical "run this command against this root
// filesystem with these permissions" requests into systemd-nspawn
// invocations, and manages the package-cache bind-and-merge cycle around
// them.
package nspawn

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/samber/lo"

	"github.com/onkernel/buildspawn/lib/aptcache"
	"github.com/onkernel/buildspawn/lib/executil"
	"github.com/onkernel/buildspawn/lib/logger"
	"github.com/onkernel/buildspawn/lib/workspace"
)

// aptArchivesDir is the in-container package download location bound to the
// instance-local cache during a persistent run.
const aptArchivesDir = "/var/cache/apt/archives"

// scriptDir is the in-container area host scripts are delivered to.
const scriptDir = "tmp"

const (
	bootProbeInterval = 1500 * time.Millisecond
	bootProbeRetries  = 40
	powerOffWait      = 30 * time.Second
)

// Engine launches commands inside namespace-isolated root filesystems.
type Engine struct {
	version       int
	syscallFilter string
	allowUnsafe   bool
	cachePackages bool
	tempRoot      string
}

// EngineConfig carries the settings the engine needs; see the top-level
// Config object for field semantics.
type EngineConfig struct {
	SyscallFilter    string
	AllowUnsafePerms bool
	CachePackages    bool
	TempRoot         string
}

// NewEngine verifies the isolation tool is present, probes its version and
// returns a ready engine. A missing tool is a startup error.
func NewEngine(ctx context.Context, cfg EngineConfig) (*Engine, error) {
	if _, err := exec.LookPath("systemd-nspawn"); err != nil {
		return nil, ErrToolMissing
	}
	version := detectVersion(ctx)
	return &Engine{
		version:       version,
		syscallFilter: cfg.SyscallFilter,
		allowUnsafe:   cfg.AllowUnsafePerms,
		cachePackages: cfg.CachePackages,
		tempRoot:      cfg.TempRoot,
	}, nil
}

// Version returns the detected systemd-nspawn version, or 0 if probing
// failed.
func (e *Engine) Version() int {
	return e.version
}

// detectVersion parses the leading "systemd NNN" of --version output.
func detectVersion(ctx context.Context) int {
	out, err := executil.Output(ctx, "systemd-nspawn", "--version")
	if err != nil {
		logger.FromContext(ctx).WarnContext(ctx, "could not probe systemd-nspawn version", "error", err)
		return 0
	}
	fields := strings.Fields(out)
	if len(fields) >= 2 {
		if v, err := strconv.Atoi(fields[1]); err == nil {
			return v
		}
	}
	return 0
}

// RunOptions describes one isolated execution.
type RunOptions struct {
	// Dir is the instance root filesystem on the host.
	Dir string
	// MachineName is the unique machine/hostname for this run.
	MachineName string
	// Chdir is the working directory inside the instance.
	Chdir string
	// Command is the argv to execute; empty means an interactive shell.
	Command []string
	// ExtraFlags are passed to the isolation tool verbatim.
	ExtraFlags []string
	// Permissions is the resolved grant set; nil means none.
	Permissions *Permissions
	// Env are environment overrides set inside the instance.
	Env map[string]string
	// Ephemeral runs against a volatile snapshot of the tree; changes are
	// discarded and no package-cache cycle is performed.
	Ephemeral bool
	// Boot starts the instance's init system instead of running Command as
	// the payload process directly.
	Boot bool
	// PrivateUsers enables a private user namespace.
	PrivateUsers bool
	// Arch is the target architecture, used for automatic 32-bit x86
	// personality selection.
	Arch string
}

// buildArgv assembles the complete isolation-tool invocation. It is the
// single place argument shapes are decided, so tests can pin the contract.
func (e *Engine) buildArgv(ctx context.Context, opts RunOptions) ([]string, error) {
	perms := opts.Permissions
	if perms == nil {
		perms = &Permissions{}
	}
	if perms.RequiresOptIn() && !e.allowUnsafe {
		return nil, ErrUnsafePermission
	}

	argv := []string{"systemd-nspawn", "-M", opts.MachineName}
	if opts.Chdir != "" {
		argv = append(argv, "--chdir="+opts.Chdir)
	}

	// --as-pid2 is mutually exclusive with --boot: a booted instance runs
	// its init system as PID 1 and payloads go through the machine entry
	// point instead.
	flags := "-aq"
	if opts.Boot {
		flags = "-q"
	}
	if opts.Ephemeral {
		flags += "x"
	}
	if opts.Boot {
		flags += "b"
	}
	argv = append(argv, flags, "-D", opts.Dir)

	if opts.PrivateUsers {
		argv = append(argv, "--private-users=pick")
	}
	if personality := personalityFor(opts.Arch); personality != "" {
		argv = append(argv, "--personality="+personality)
	}
	if e.syscallFilter != "" {
		argv = append(argv, "--system-call-filter="+e.syscallFilter)
	}
	argv = append(argv, perms.flags(ctx, e.version)...)
	argv = append(argv, envFlags(opts.Env)...)
	argv = append(argv, opts.ExtraFlags...)

	if !opts.Boot {
		argv = append(argv, opts.Command...)
	}
	return argv, nil
}

// personalityFor returns the 32-bit x86 compatibility personality when the
// host is 64-bit x86 and the target is a 32-bit x86 variant. This is the
// only automatically selected parameter.
func personalityFor(arch string) string {
	if runtime.GOARCH != "amd64" {
		return ""
	}
	switch arch {
	case "i386", "i686", "x86":
		return "x86"
	}
	return ""
}

// Run executes one command in the instance with forwarded stdio. Boot-mode
// runs with a payload command go through the detached boot path.
func (e *Engine) Run(ctx context.Context, opts RunOptions) error {
	if opts.Boot && len(opts.Command) > 0 {
		return e.runBooted(ctx, opts)
	}
	argv, err := e.buildArgv(ctx, opts)
	if err != nil {
		return err
	}
	return executil.RunForwarded(ctx, argv...)
}

// RunWithCacheCycle wraps Run in the shared package-cache protocol: the
// durable cache is materialized into a scoped temp dir, bound at the
// in-container download path for the duration of the run, and any new
// downloads are merged back afterwards. Skipped entirely when package
// caching is disabled and for ephemeral runs, which never bind the cache.
func (e *Engine) RunWithCacheCycle(ctx context.Context, opts RunOptions, cache *aptcache.Cache) error {
	if !e.cachePackages || cache == nil || opts.Ephemeral {
		return e.Run(ctx, opts)
	}

	ws, err := workspace.New(ctx, e.tempRoot, "aptcache-"+opts.MachineName)
	if err != nil {
		return err
	}
	defer ws.Close(ctx)

	if err := cache.CreateInstanceCache(ctx, ws.Dir()); err != nil {
		return fmt.Errorf("populate instance package cache: %w", err)
	}

	opts.ExtraFlags = append(opts.ExtraFlags,
		fmt.Sprintf("--bind=%s:%s", ws.Dir(), aptArchivesDir))

	runErr := e.Run(ctx, opts)

	// Merge even after a failed run: packages already downloaded are still
	// good and the next run should not fetch them again.
	if err := cache.MergeFromDir(ctx, ws.Dir()); err != nil {
		logger.FromContext(ctx).WarnContext(ctx, "could not merge packages into cache", "error", err)
	}
	return runErr
}

// runBooted handles the boot-mode special case: nspawn cannot run an
// arbitrary payload as the primary process of a booted instance, so the
// instance is booted detached, probed until its init system reports ready,
// the payload is executed through the privileged machine entry point, and
// the instance is always powered off afterwards.
func (e *Engine) runBooted(ctx context.Context, opts RunOptions) error {
	log := logger.FromContext(ctx)

	bootOpts := opts
	bootOpts.Command = nil
	argv, err := e.buildArgv(ctx, bootOpts)
	if err != nil {
		return err
	}

	bootCmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	bootCmd.Stdout = os.Stdout
	bootCmd.Stderr = os.Stderr
	if err := bootCmd.Start(); err != nil {
		return fmt.Errorf("start booted instance: %w", err)
	}

	bootErr := e.waitBooted(ctx, opts.MachineName)
	var runErr error
	if bootErr == nil {
		payload := append([]string{
			"systemd-run", "--machine=" + opts.MachineName, "--quiet", "--pipe", "--wait", "--"},
			opts.Command...)
		runErr = executil.RunForwarded(ctx, payload...)
	}

	// Power-off and cleanup always run, boot timeout included.
	if err := executil.Run(ctx, "machinectl", "poweroff", opts.MachineName); err != nil {
		log.WarnContext(ctx, "could not power off instance", "machine", opts.MachineName, "error", err)
	}
	waitDone := make(chan error, 1)
	go func() { waitDone <- bootCmd.Wait() }()
	select {
	case <-waitDone:
	case <-time.After(powerOffWait):
		log.WarnContext(ctx, "instance did not shut down, terminating", "machine", opts.MachineName)
		_ = bootCmd.Process.Kill()
		<-waitDone
	}

	if bootErr != nil {
		return bootErr
	}
	return runErr
}

// waitBooted polls the in-instance "is the system up" probe with bounded
// retries.
func (e *Engine) waitBooted(ctx context.Context, machineName string) error {
	for attempt := 0; attempt < bootProbeRetries; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(bootProbeInterval):
		}
		err := executil.Run(ctx,
			"systemd-run", "--machine="+machineName, "--quiet", "--pipe", "--wait",
			"/bin/systemctl", "is-system-running")
		if err == nil {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrBootTimeout, machineName)
}

// DeliverScript copies a host script into the instance's temporary script
// area, marks it executable and returns the in-container path to run. Host
// paths are never executed against the instance's filesystem directly.
func DeliverScript(instanceDir, hostScript string) (string, error) {
	data, err := os.ReadFile(hostScript)
	if err != nil {
		return "", fmt.Errorf("read host script: %w", err)
	}

	name := filepath.Base(hostScript)
	destDir, err := securejoin.SecureJoin(instanceDir, scriptDir)
	if err != nil {
		return "", fmt.Errorf("resolve script dir: %w", err)
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("create script dir: %w", err)
	}
	dest, err := securejoin.SecureJoin(instanceDir, filepath.Join(scriptDir, name))
	if err != nil {
		return "", fmt.Errorf("resolve script path: %w", err)
	}
	if err := os.WriteFile(dest, data, 0o755); err != nil {
		return "", fmt.Errorf("write script: %w", err)
	}
	return "/" + filepath.Join(scriptDir, name), nil
}

// envFlags renders environment overrides as deterministic --setenv flags.
func envFlags(env map[string]string) []string {
	keys := lo.Keys(env)
	sort.Strings(keys)
	flags := make([]string, 0, len(keys))
	for _, key := range keys {
		flags = append(flags, "--setenv="+key+"="+env[key])
	}
	return flags
}
