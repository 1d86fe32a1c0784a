// Package injectpkg overlays externally staged package files into an
// instance's package resolution, for building against unreleased packages
// without touching the durable image. Packages are staged on the host in a
// global directory plus an optional per-identity directory; a temporary
// flat repository is assembled per run and exposed read-only inside the
// instance.
package injectpkg

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/onkernel/buildspawn/lib/executil"
	"github.com/onkernel/buildspawn/lib/logger"
)

// RepoDir is where the assembled repository is bound inside the instance.
const RepoDir = "/srv/extra-packages"

// SourceEntry is the apt source line for the injected repository.
const SourceEntry = "deb [trusted=yes] file://" + RepoDir + " ./\n"

// Injector stages externally supplied packages for one image identity.
type Injector struct {
	baseDir     string
	specificDir string
}

// New returns an Injector reading from the global staging directory and the
// per-identity subdirectory beneath it.
func New(baseDir, specificDir string) *Injector {
	return &Injector{baseDir: baseDir, specificDir: specificDir}
}

// HasInjectables reports whether any package file is staged for injection.
func (i *Injector) HasInjectables() bool {
	return hasPackages(i.baseDir) || hasPackages(i.specificDir)
}

// CreateInstanceRepo assembles the temporary flat repository in repoDir:
// per-identity packages first (they shadow global ones of the same name),
// then global packages, then a generated package index so apt can resolve
// the repository without signatures.
func (i *Injector) CreateInstanceRepo(ctx context.Context, repoDir string) error {
	if err := os.MkdirAll(repoDir, 0o755); err != nil {
		return fmt.Errorf("create instance repo dir: %w", err)
	}

	log := logger.FromContext(ctx)
	log.InfoContext(ctx, "copying injected packages to instance repository", "repo_dir", repoDir)

	for _, dir := range []string{i.specificDir, i.baseDir} {
		names, err := listPackages(dir)
		if err != nil {
			return err
		}
		for _, name := range names {
			dest := filepath.Join(repoDir, name)
			if _, err := os.Stat(dest); err == nil {
				continue
			}
			if err := hardlinkOrCopy(filepath.Join(dir, name), dest); err != nil {
				return fmt.Errorf("stage injected package %q: %w", name, err)
			}
		}
	}

	return writePackageIndex(ctx, repoDir)
}

// writePackageIndex generates the flat-repository Packages file with
// dpkg-scanpackages so the instance's package manager can see the overlay.
// When the tool is unavailable on the host the index is left to the
// in-container helper, which regenerates it before every update pass.
func writePackageIndex(ctx context.Context, repoDir string) error {
	if err := executil.LookPaths("dpkg-scanpackages"); err != nil {
		logger.FromContext(ctx).DebugContext(ctx, "dpkg-scanpackages unavailable, deferring index to helper")
		return nil
	}
	cmd := exec.CommandContext(ctx, "dpkg-scanpackages", "--multiversion", ".")
	cmd.Dir = repoDir
	out, err := cmd.Output()
	if err != nil {
		return fmt.Errorf("index injected packages: %w", err)
	}
	if err := os.WriteFile(filepath.Join(repoDir, "Packages"), out, 0o644); err != nil {
		return fmt.Errorf("write package index: %w", err)
	}
	return nil
}

func hasPackages(dir string) bool {
	names, err := listPackages(dir)
	return err == nil && len(names) > 0
}

func listPackages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read injected package dir: %w", err)
	}
	var names []string
	for _, entry := range entries {
		if entry.Type().IsRegular() && strings.HasSuffix(entry.Name(), ".deb") {
			names = append(names, entry.Name())
		}
	}
	return names, nil
}

func hardlinkOrCopy(src, dest string) error {
	if err := os.Link(src, dest); err == nil {
		return nil
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dest, data, 0o644)
}
