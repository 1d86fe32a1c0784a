// Package paths centralizes the on-disk layout of all persisted state.
package paths

import "path/filepath"

// Paths derives every storage location from the configured roots. One
// compressed archive plus one manifest per image identity live in ImagesDir;
// derived-cache archives, apt caches and injected packages are grouped in
// per-identity subdirectories of their own roots.
type Paths struct {
	ImagesDir       string
	ResultsDir      string
	AptCacheDir     string
	InjectedPkgsDir string
	TempDir         string
}

// ImageArchive returns the canonical compressed image path for an identity.
func (p *Paths) ImageArchive(name string) string {
	return filepath.Join(p.ImagesDir, name+".tar.zst")
}

// ImageManifest returns the manifest path for an identity.
func (p *Paths) ImageManifest(name string) string {
	return filepath.Join(p.ImagesDir, name+".json")
}

// DerivedCacheDir returns the directory holding derived-cache archives for
// an identity, one archive per cache key.
func (p *Paths) DerivedCacheDir(name string) string {
	return filepath.Join(p.ImagesDir, "dcache", name)
}

// DerivedCacheArchive returns the derived-cache archive for a cache key.
func (p *Paths) DerivedCacheArchive(name, cacheKey string) string {
	return filepath.Join(p.DerivedCacheDir(name), cacheKey+".tar.zst")
}

// AptCache returns the package-cache directory for an identity.
func (p *Paths) AptCache(name string) string {
	return filepath.Join(p.AptCacheDir, name)
}

// InjectedPkgs returns the per-identity injected-package directory; the
// root itself holds packages injected into every identity.
func (p *Paths) InjectedPkgs(name string) string {
	return filepath.Join(p.InjectedPkgsDir, name)
}
