package osbase

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	securejoin "github.com/cyphar/filepath-securejoin"

	"github.com/onkernel/buildspawn/lib/injectpkg"
	"github.com/onkernel/buildspawn/lib/logger"
	"github.com/onkernel/buildspawn/lib/nspawn"
	"github.com/onkernel/buildspawn/lib/workspace"
)

// In-container locations for staged task runs.
const (
	buildDirContainer     = "/srv/build"
	artifactsDirContainer = "/srv/artifacts"
)

// RunOptions parameterize one staged task run against this image.
type RunOptions struct {
	// Command is the argv to run. If its first element names a file on the
	// host, the script is delivered into the instance and the argv is
	// rewritten to the in-container path.
	Command []string
	// BuildDir is a host directory exposed at /srv/build.
	BuildDir string
	// BindBuildDir binds BuildDir instead of copying it in. Bound
	// directories see in-instance modifications; copied ones do not.
	BindBuildDir bool
	// ArtifactsDir is a host directory bound at /srv/artifacts; everything
	// the command leaves there lands on the host directly.
	ArtifactsDir string
	// InitCommand is run once before Command; with CacheKey set its side
	// effects are snapshotted into a derived cache image and reused.
	InitCommand []string
	// CacheKey selects the derived cache image; empty disables caching.
	CacheKey string
	// AllowedPermissions is the caller's permission-grant list.
	AllowedPermissions []string
	// Boot starts the instance's init system and runs Command against the
	// booted machine.
	Boot bool
	// PrivateUsers enables a private user namespace for the run.
	PrivateUsers bool
	// Env are environment overrides for the command.
	Env map[string]string
}

// Run materializes an instance, stages caches, injected packages and the
// build directory around it, and executes the command ephemerally: the
// instance tree is never mutated by the run, and durable outputs travel
// through the build-dir and artifacts binds. Package installation belongs
// in the init command, which runs persistently with the cache cycle.
func (b *Base) Run(ctx context.Context, opts RunOptions) (err error) {
	start := time.Now()
	defer func() { b.metrics.recordOp(ctx, "run", start, err) }()

	if err := b.ensureExists(); err != nil {
		return err
	}

	perms := nspawn.ParsePermissions(ctx, opts.AllowedPermissions)

	instance, err := b.instanceForCacheKey(ctx, opts.CacheKey, opts.InitCommand, perms)
	if err != nil {
		return err
	}
	defer instance.Close(ctx)

	if err := b.copyHelper(instance.Dir); err != nil {
		return err
	}

	runOpts, cleanup, err := b.stageRun(ctx, instance, opts, perms)
	if err != nil {
		cleanup(ctx)
		return err
	}
	defer cleanup(ctx)

	return b.engine.Run(ctx, runOpts)
}

// stageRun assembles the isolation-tool options for one staged task: the
// injected-package repository, the build directory, host-script delivery
// and the artifacts bind. The returned options select ephemeral execution.
// The cleanup function must be called once the run is over.
func (b *Base) stageRun(ctx context.Context, instance *Instance, opts RunOptions, perms *nspawn.Permissions) (nspawn.RunOptions, func(context.Context), error) {
	log := logger.FromContext(ctx)
	cleanup := func(context.Context) {}
	var extraFlags []string

	// Injected packages are assembled into a per-run repository and exposed
	// read-only; the instance never mutates the staged packages.
	if b.injector.HasInjectables() {
		repoWS, err := workspace.New(ctx, b.paths.TempDir, "pkginject-"+instance.MachineName)
		if err != nil {
			return nspawn.RunOptions{}, cleanup, err
		}
		cleanup = func(ctx context.Context) { repoWS.Close(ctx) }

		if err := b.injector.CreateInstanceRepo(ctx, repoWS.Dir()); err != nil {
			return nspawn.RunOptions{}, cleanup, err
		}
		extraFlags = append(extraFlags,
			fmt.Sprintf("--bind-ro=%s:%s", repoWS.Dir(), injectpkg.RepoDir))
		if err := writeInjectedSource(instance.Dir); err != nil {
			return nspawn.RunOptions{}, cleanup, err
		}
	}

	chdir := "/tmp"
	if opts.BuildDir != "" {
		chdir = buildDirContainer
		if opts.BindBuildDir {
			extraFlags = append(extraFlags,
				fmt.Sprintf("--bind=%s:%s", opts.BuildDir, buildDirContainer))
		} else {
			dest, err := securejoin.SecureJoin(instance.Dir, buildDirContainer)
			if err != nil {
				return nspawn.RunOptions{}, cleanup, err
			}
			if err := copyTree(opts.BuildDir, dest); err != nil {
				return nspawn.RunOptions{}, cleanup, fmt.Errorf("copy build dir into instance: %w", err)
			}
		}
	}

	command := append([]string(nil), opts.Command...)
	if len(command) > 0 {
		if info, statErr := os.Stat(command[0]); statErr == nil && info.Mode().IsRegular() {
			containerPath, err := nspawn.DeliverScript(instance.Dir, command[0])
			if err != nil {
				return nspawn.RunOptions{}, cleanup, err
			}
			log.InfoContext(ctx, "delivered host script into instance",
				"host", command[0], "container", containerPath)
			command[0] = containerPath
		}
	}

	if opts.ArtifactsDir != "" {
		if err := os.MkdirAll(opts.ArtifactsDir, 0o755); err != nil {
			return nspawn.RunOptions{}, cleanup, fmt.Errorf("create artifacts dir: %w", err)
		}
		if artDir, err := securejoin.SecureJoin(instance.Dir, artifactsDirContainer); err == nil {
			_ = os.MkdirAll(artDir, 0o755)
		}
		extraFlags = append(extraFlags,
			fmt.Sprintf("--bind=%s:%s", opts.ArtifactsDir, artifactsDirContainer))
	}

	return nspawn.RunOptions{
		Dir:          instance.Dir,
		MachineName:  instance.MachineName,
		Chdir:        chdir,
		Command:      command,
		ExtraFlags:   extraFlags,
		Permissions:  perms,
		Env:          opts.Env,
		Ephemeral:    true,
		Boot:         opts.Boot,
		PrivateUsers: opts.PrivateUsers,
		Arch:         b.id.Arch,
	}, cleanup, nil
}

// Login runs an interactive shell in an instance of this image. With
// persistent set, changes made in the shell are folded back into the
// canonical archive; otherwise the instance is discarded.
func (b *Base) Login(ctx context.Context, persistent bool, allowedPermissions []string, cacheKey string) (err error) {
	start := time.Now()
	defer func() { b.metrics.recordOp(ctx, "login", start, err) }()

	if err := b.ensureExists(); err != nil {
		return err
	}
	log := logger.FromContext(ctx)

	archive := b.ArchivePath()
	if dcachePath := b.derivedCachePath(cacheKey); dcachePath != "" {
		if _, statErr := os.Stat(dcachePath); statErr == nil {
			archive = dcachePath
			b.metrics.addDerivedCacheHit(ctx)
		}
	}

	instance, err := b.newInstance(ctx, archive)
	if err != nil {
		return err
	}
	defer instance.Close(ctx)

	log.InfoContext(ctx, "starting interactive session",
		"name", b.Name(), "machine", instance.MachineName, "persistent", persistent)

	perms := nspawn.ParsePermissions(ctx, allowedPermissions)
	if err := b.engine.Run(ctx, nspawn.RunOptions{
		Dir:         instance.Dir,
		MachineName: instance.MachineName,
		Chdir:       "/root",
		Permissions: perms,
		Arch:        b.id.Arch,
	}); err != nil {
		return err
	}

	if !persistent {
		return nil
	}
	log.InfoContext(ctx, "persisting session changes", "name", b.Name())
	if err := stripVolatileFiles(instance.Dir); err != nil {
		return err
	}
	return b.makePermanent(ctx, instance.Dir)
}

// writeInjectedSource points the instance's package manager at the bound
// injected-package repository.
func writeInjectedSource(instanceDir string) error {
	dir, err := securejoin.SecureJoin(instanceDir, "etc/apt/sources.list.d")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create sources.list.d: %w", err)
	}
	path := filepath.Join(dir, "buildspawn-injected.list")
	if err := os.WriteFile(path, []byte(injectpkg.SourceEntry), 0o644); err != nil {
		return fmt.Errorf("write injected source entry: %w", err)
	}
	return nil
}

// copyTree recursively copies a directory, preserving permissions and
// symlinks. Hard links are not preserved.
func copyTree(src, dest string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dest, info.Mode().Perm()); err != nil {
		return err
	}
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		from := filepath.Join(src, entry.Name())
		to := filepath.Join(dest, entry.Name())
		if entry.IsDir() {
			if err := copyTree(from, to); err != nil {
				return err
			}
			continue
		}
		if err := copyEntry(from, to, entry); err != nil {
			return err
		}
	}
	return nil
}

func copyEntry(from, to string, entry os.DirEntry) error {
	if entry.Type()&os.ModeSymlink != 0 {
		target, err := os.Readlink(from)
		if err != nil {
			return err
		}
		return os.Symlink(target, to)
	}

	info, err := entry.Info()
	if err != nil {
		return err
	}
	in, err := os.Open(from)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(to, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
