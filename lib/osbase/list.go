package osbase

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/c2h5oh/datasize"

	"github.com/onkernel/buildspawn/lib/aptcache"
	"github.com/onkernel/buildspawn/lib/logger"
	"github.com/onkernel/buildspawn/lib/paths"
)

// ImageInfo is one image's listing entry.
type ImageInfo struct {
	Name         string
	Suite        string
	BaseSuite    string
	Architecture string
	Variant      string
	ArchiveSize  datasize.ByteSize
	CacheSize    datasize.ByteSize
}

// List enumerates all images in the store from their manifests. Archives
// without a manifest (from very old installations) are listed by name only.
func List(ctx context.Context, p *paths.Paths) ([]ImageInfo, error) {
	entries, err := os.ReadDir(p.ImagesDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	log := logger.FromContext(ctx)
	var infos []ImageInfo
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".tar.zst") {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), ".tar.zst")
		if strings.HasSuffix(name, ".old") {
			continue
		}

		info := ImageInfo{Name: name}
		if fi, err := entry.Info(); err == nil {
			info.ArchiveSize = datasize.ByteSize(fi.Size())
		}
		if size, err := aptcache.New(p.AptCache(name)).Size(); err == nil {
			info.CacheSize = datasize.ByteSize(size)
		}

		if m, err := readManifest(p.ImageManifest(name)); err == nil {
			info.Suite = m.Suite
			info.BaseSuite = m.BaseSuite
			info.Architecture = m.Architecture
			info.Variant = m.Variant
		} else {
			log.DebugContext(ctx, "image has no readable manifest", "name", name, "error", err)
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// ClearAllCaches removes the package caches and derived cache images of
// every identity in the store. Maintenance operation, forward-only.
func ClearAllCaches(ctx context.Context, p *paths.Paths) error {
	log := logger.FromContext(ctx)

	if entries, err := os.ReadDir(p.AptCacheDir); err == nil {
		for _, entry := range entries {
			log.InfoContext(ctx, "removing package cache", "name", entry.Name())
			if err := os.RemoveAll(filepath.Join(p.AptCacheDir, entry.Name())); err != nil {
				return err
			}
		}
	} else if !os.IsNotExist(err) {
		return err
	}

	dcacheRoot := filepath.Join(p.ImagesDir, "dcache")
	if _, err := os.Stat(dcacheRoot); err == nil {
		log.InfoContext(ctx, "removing derived cache images")
		if err := os.RemoveAll(dcacheRoot); err != nil {
			return err
		}
	}
	return nil
}
