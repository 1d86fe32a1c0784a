package osbase

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/onkernel/buildspawn/lib/executil"
	"github.com/onkernel/buildspawn/lib/logger"
	"github.com/onkernel/buildspawn/lib/nspawn"
	"github.com/onkernel/buildspawn/lib/workspace"
)

// bootstrapInclude is always installed during bootstrap so the fresh tree
// can talk to HTTPS mirrors on its first update pass.
const bootstrapInclude = "ca-certificates"

// CreateOptions parameterize image creation. All fields are recorded in the
// manifest so recreate can replay them.
type CreateOptions struct {
	Mirror           string
	Components       []string
	ExtraSuites      []string
	ExtraSourceLines []string
	AllowRecommends  bool
}

// Create bootstraps a fresh image for this identity, runs one update pass
// inside it, compresses it to the canonical path and writes the manifest.
// All steps are sequential and abort on first failure; nothing is written
// to the canonical path until compression succeeds.
func (b *Base) Create(ctx context.Context, opts CreateOptions) (err error) {
	start := time.Now()
	defer func() { b.metrics.recordOp(ctx, "create", start, err) }()

	if b.Exists() {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, b.Name())
	}
	if err := executil.LookPaths("debootstrap"); err != nil {
		return err
	}
	if err := os.MkdirAll(b.paths.ImagesDir, 0o755); err != nil {
		return fmt.Errorf("create image store dir: %w", err)
	}
	return b.createAt(ctx, b.ArchivePath(), opts)
}

// createAt runs the full create sequence, writing the archive to
// archivePath. Split out so recreate can target the canonical path while
// the previous archive sits renamed aside.
func (b *Base) createAt(ctx context.Context, archivePath string, opts CreateOptions) error {
	log := logger.FromContext(ctx)
	log.InfoContext(ctx, "creating image",
		"name", b.Name(), "suite", b.id.Suite, "arch", b.id.Arch,
		"variant", b.id.Variant, "mirror", orDefault(opts.Mirror, "default"))

	ws, err := workspace.New(ctx, b.paths.TempDir, "bootstrap-"+b.Name())
	if err != nil {
		return err
	}
	defer ws.Close(ctx)

	log.InfoContext(ctx, "bootstrapping root filesystem", "suite", b.id.BootstrapSuite())
	argv := []string{
		"debootstrap",
		"--arch=" + b.id.Arch,
		"--include=" + bootstrapInclude,
	}
	if b.id.Variant != "" {
		argv = append(argv, "--variant="+b.id.Variant)
	}
	if len(opts.Components) > 0 {
		argv = append(argv, "--components="+strings.Join(opts.Components, ","))
	}
	argv = append(argv, b.id.BootstrapSuite(), ws.Dir())
	if opts.Mirror != "" {
		argv = append(argv, opts.Mirror)
	}
	if err := executil.RunForwarded(ctx, argv...); err != nil {
		return fmt.Errorf("bootstrap failed: %w", err)
	}

	// Overlay setups bootstrap the base suite; the target suite and any
	// extras are appended to the package sources afterwards.
	if err := b.appendSources(ws.Dir(), opts.Mirror, opts.Components, opts.ExtraSuites, opts.ExtraSourceLines); err != nil {
		return err
	}
	if err := b.copyHelper(ws.Dir()); err != nil {
		return err
	}
	if err := writeAptPolicy(ws.Dir(), opts.AllowRecommends); err != nil {
		return err
	}

	log.InfoContext(ctx, "running first update pass")
	if err := b.runHelper(ctx, ws.Dir(), b.newMachineName(), "--update"); err != nil {
		return fmt.Errorf("initial update pass failed: %w", err)
	}

	if err := stripVolatileFiles(ws.Dir()); err != nil {
		return err
	}

	log.InfoContext(ctx, "compressing image", "archive", archivePath)
	if err := b.store.Compress(ctx, ws.Dir(), archivePath); err != nil {
		return err
	}

	manifest := &Manifest{
		Version:          manifestVersion,
		Name:             b.Name(),
		Suite:            b.id.Suite,
		BaseSuite:        b.id.BaseSuite,
		Architecture:     b.id.Arch,
		Variant:          b.id.Variant,
		Mirror:           opts.Mirror,
		Components:       opts.Components,
		ExtraSuites:      opts.ExtraSuites,
		ExtraSourceLines: opts.ExtraSourceLines,
		AllowRecommends:  opts.AllowRecommends,
		CreatedAt:        time.Now().UTC(),
	}
	if err := writeManifest(b.paths.ImageManifest(b.Name()), manifest); err != nil {
		return err
	}

	log.InfoContext(ctx, "image created", "name", b.Name())
	return nil
}

// runHelper executes the in-container helper in persistent mode with the
// package-cache cycle around it.
func (b *Base) runHelper(ctx context.Context, instanceDir, machineName string, helperArgs ...string) error {
	command := append([]string{HelperContainerPath}, helperArgs...)
	return b.engine.RunWithCacheCycle(ctx, nspawn.RunOptions{
		Dir:         instanceDir,
		MachineName: machineName,
		Chdir:       "/tmp",
		Command:     command,
		Arch:        b.id.Arch,
	}, b.cache)
}

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
