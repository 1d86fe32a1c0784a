// Package osbase owns the lifecycle of one (suite, architecture, variant)
// image: creating, updating, recreating and deleting the compressed image,
// materializing ephemeral instances from it, and running isolated commands
// against those instances.
package osbase

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/nrednav/cuid2"

	"github.com/onkernel/buildspawn/lib/aptcache"
	"github.com/onkernel/buildspawn/lib/injectpkg"
	"github.com/onkernel/buildspawn/lib/nspawn"
	"github.com/onkernel/buildspawn/lib/paths"
	"github.com/onkernel/buildspawn/lib/tarball"
	"github.com/onkernel/buildspawn/lib/workspace"
)

// helperDir is where the in-container helper is installed inside an image.
const helperDir = "usr/lib/buildspawn"

// helperName is the helper executable name inside helperDir.
const helperName = "bsrun"

// HelperContainerPath is the fixed in-image path of the helper.
const HelperContainerPath = "/" + helperDir + "/" + helperName

// Base orchestrates all lifecycle operations for one image identity.
type Base struct {
	id       Identity
	paths    *paths.Paths
	store    *tarball.Store
	engine   *nspawn.Engine
	cache    *aptcache.Cache
	injector *injectpkg.Injector

	helperPath string
	metrics    *metrics
}

// New assembles a Base for the given identity from its collaborators. The
// identity must already be resolved (see ResolveIdentity).
func New(id Identity, p *paths.Paths, store *tarball.Store, engine *nspawn.Engine, helperPath string) *Base {
	name := id.Name()
	return &Base{
		id:         id,
		paths:      p,
		store:      store,
		engine:     engine,
		cache:      aptcache.New(p.AptCache(name)),
		injector:   injectpkg.New(p.InjectedPkgsDir, p.InjectedPkgs(name)),
		helperPath: helperPath,
		metrics:    newMetrics(),
	}
}

// Identity returns the image identity.
func (b *Base) Identity() Identity {
	return b.id
}

// Name returns the derived image name.
func (b *Base) Name() string {
	return b.id.Name()
}

// ArchivePath returns the canonical compressed image path.
func (b *Base) ArchivePath() string {
	return b.paths.ImageArchive(b.Name())
}

// Exists reports whether the image exists. The archive file is the sole
// source of truth.
func (b *Base) Exists() bool {
	info, err := os.Stat(b.ArchivePath())
	return err == nil && info.Mode().IsRegular()
}

// ensureExists fails fast for operations that need the image present.
func (b *Base) ensureExists() error {
	if !b.Exists() {
		return fmt.Errorf("%w: %s", ErrNotFound, b.Name())
	}
	return nil
}

// Manifest reads the persisted image manifest. For custom-named images the
// manifest's identity is cross-checked to catch configuration drift.
func (b *Base) Manifest() (*Manifest, error) {
	m, err := readManifest(b.paths.ImageManifest(b.Name()))
	if err != nil {
		return nil, err
	}
	if b.id.CustomName != "" && (m.Suite != b.id.Suite || m.Architecture != b.id.Arch) {
		return nil, fmt.Errorf("%w: manifest records %s/%s, requested %s/%s",
			ErrNameMismatch, m.Suite, m.Architecture, b.id.Suite, b.id.Arch)
	}
	return m, nil
}

// newMachineName generates the unique machine/hostname for one instance.
func (b *Base) newMachineName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "buildspawn"
	}
	suffix := cuid2.Generate()
	if len(suffix) > 6 {
		suffix = suffix[:6]
	}
	return fmt.Sprintf("%s-%s-%s", host, b.Name(), suffix)
}

// Instance is an ephemeral, exclusively-owned decompressed root filesystem
// plus its unique runtime name.
type Instance struct {
	Dir         string
	MachineName string

	ws *workspace.Workspace
}

// Close discards the instance tree.
func (i *Instance) Close(ctx context.Context) error {
	return i.ws.Close(ctx)
}

// newInstance materializes an instance from the given archive.
func (b *Base) newInstance(ctx context.Context, archivePath string) (*Instance, error) {
	ws, err := workspace.New(ctx, b.paths.TempDir, b.Name())
	if err != nil {
		return nil, err
	}
	if err := b.store.Decompress(ctx, archivePath, ws.Dir()); err != nil {
		ws.Close(ctx)
		return nil, err
	}
	return &Instance{Dir: ws.Dir(), MachineName: b.newMachineName(), ws: ws}, nil
}

// makePermanent folds an instance's changes back into the canonical archive
// using the atomic replace protocol: the previous archive survives whenever
// compression fails partway.
func (b *Base) makePermanent(ctx context.Context, instanceDir string) error {
	archive := b.ArchivePath()
	oldArchive := archive + ".old"

	if err := os.Rename(archive, oldArchive); err != nil {
		return fmt.Errorf("set aside current archive: %w", err)
	}
	if err := b.store.Compress(ctx, instanceDir, archive); err != nil {
		// The previous image survives a failed write: drop the partial
		// archive and put the old one back.
		os.Remove(archive)
		if restoreErr := os.Rename(oldArchive, archive); restoreErr != nil {
			return fmt.Errorf("compress failed (%v) and old archive could not be restored: %w",
				err, restoreErr)
		}
		return err
	}
	if err := os.Remove(oldArchive); err != nil {
		return fmt.Errorf("remove old archive: %w", err)
	}
	return nil
}

// copyHelper installs the current in-container helper into the instance,
// replacing any older copy baked into the image.
func (b *Base) copyHelper(instanceDir string) error {
	data, err := os.ReadFile(b.helperPath)
	if err != nil {
		return fmt.Errorf("read helper %q: %w", b.helperPath, err)
	}

	dir, err := securejoin.SecureJoin(instanceDir, helperDir)
	if err != nil {
		return fmt.Errorf("resolve helper dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create helper dir: %w", err)
	}
	dest, err := securejoin.SecureJoin(instanceDir, filepath.Join(helperDir, helperName))
	if err != nil {
		return fmt.Errorf("resolve helper path: %w", err)
	}
	if err := os.WriteFile(dest, data, 0o755); err != nil {
		return fmt.Errorf("install helper: %w", err)
	}
	return nil
}

// volatilePaths are host-identity and log files dropped from an instance
// before it is packaged, so images stay host-neutral.
var volatilePaths = []string{
	"etc/machine-id",
	"var/lib/dbus/machine-id",
	"etc/resolv.conf",
	"etc/apt/apt.conf.d/01proxy",
	"var/log/wtmp",
	"var/log/btmp",
	"var/log/lastlog",
}

// stripVolatileFiles removes volatile host state from an instance tree.
func stripVolatileFiles(instanceDir string) error {
	for _, rel := range volatilePaths {
		path, err := securejoin.SecureJoin(instanceDir, rel)
		if err != nil {
			return fmt.Errorf("resolve volatile path %q: %w", rel, err)
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove volatile file %q: %w", rel, err)
		}
	}
	return nil
}

// writeAptPolicy installs the default package-manager policy: recommends
// suppressed unless explicitly allowed, and hard failures on update errors
// instead of silently building against stale indices.
func writeAptPolicy(instanceDir string, allowRecommends bool) error {
	dir, err := securejoin.SecureJoin(instanceDir, "etc/apt/apt.conf.d")
	if err != nil {
		return fmt.Errorf("resolve apt config dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create apt config dir: %w", err)
	}

	var sb strings.Builder
	if !allowRecommends {
		sb.WriteString("APT::Install-Recommends \"false\";\n")
	}
	sb.WriteString("APT::Update::Error-Mode \"any\";\n")

	path := filepath.Join(dir, "20buildspawn")
	if err := os.WriteFile(path, []byte(sb.String()), 0o644); err != nil {
		return fmt.Errorf("write apt policy: %w", err)
	}
	return nil
}

var mirrorPattern = regexp.MustCompile(`(?m)^deb\s+(?:\[[^\]]*\]\s+)?(\S+://\S+)\s+`)

// detectMirror extracts the mirror URL from an instance's existing package
// source configuration.
func detectMirror(instanceDir string) (string, error) {
	path, err := securejoin.SecureJoin(instanceDir, "etc/apt/sources.list")
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoMirror, err)
	}
	match := mirrorPattern.FindSubmatch(data)
	if match == nil {
		return "", ErrNoMirror
	}
	return string(match[1]), nil
}

// appendSources appends package-source lines for the target suite, any
// extra suites and literal extra source lines to the instance's source
// configuration. The mirror is auto-detected only when a line that needs
// one is about to be written; a plain single-suite image never touches the
// source configuration here.
func (b *Base) appendSources(instanceDir, mirror string, components, extraSuites, extraSourceLines []string) error {
	overlay := b.id.BaseSuite != "" && b.id.BaseSuite != b.id.Suite
	if !overlay && len(extraSuites) == 0 && len(extraSourceLines) == 0 {
		return nil
	}
	if mirror == "" && (overlay || len(extraSuites) > 0) {
		detected, err := detectMirror(instanceDir)
		if err != nil {
			return err
		}
		mirror = detected
	}
	comps := components
	if len(comps) == 0 {
		comps = []string{"main"}
	}

	var sb strings.Builder
	if overlay {
		sb.WriteString(fmt.Sprintf("deb %s %s %s\n", mirror, b.id.Suite, strings.Join(comps, " ")))
	}
	for _, suite := range extraSuites {
		sb.WriteString(fmt.Sprintf("deb %s %s %s\n", mirror, suite, strings.Join(comps, " ")))
	}
	for _, line := range extraSourceLines {
		sb.WriteString(line + "\n")
	}

	path, err := securejoin.SecureJoin(instanceDir, "etc/apt/sources.list")
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open sources.list: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(sb.String()); err != nil {
		return fmt.Errorf("append sources.list: %w", err)
	}
	return nil
}
