// Package aptcache maintains the shared on-disk store of downloaded package
// files, scoped per image identity. The store is append-mostly and shared
// across concurrently running instances without locking: writes go through
// a unique temp name plus rename, and a lost rename race simply means some
// other instance already merged the same file.
package aptcache

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/nrednav/cuid2"
	"golang.org/x/sync/errgroup"

	"github.com/onkernel/buildspawn/lib/logger"
)

const packageSuffix = ".deb"

// Cache is the durable package cache for one image identity.
type Cache struct {
	dir string
}

// New returns the cache rooted at dir (see paths.AptCache).
func New(dir string) *Cache {
	return &Cache{dir: dir}
}

// Dir returns the durable cache directory.
func (c *Cache) Dir() string {
	return c.dir
}

// CreateInstanceCache populates instanceDir with every cached package,
// hard-linking where possible and copying across filesystems. The instance
// then binds this directory at the in-container download path so packages
// never hit the network twice.
func (c *Cache) CreateInstanceCache(ctx context.Context, instanceDir string) error {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	if err := os.MkdirAll(instanceDir, 0o755); err != nil {
		return fmt.Errorf("create instance cache dir: %w", err)
	}

	names, err := listPackages(c.dir)
	if err != nil {
		return err
	}

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, name := range names {
		name := name
		g.Go(func() error {
			dest := filepath.Join(instanceDir, name)
			if _, err := os.Stat(dest); err == nil {
				return nil
			}
			return hardlinkOrCopy(filepath.Join(c.dir, name), dest)
		})
	}
	return g.Wait()
}

// MergeFromDir moves any package files newly downloaded into instanceDir
// back into the durable cache. First writer wins: a filename already in the
// cache is assumed byte-identical and the new copy is dropped, and a rename
// lost to a concurrent instance is not an error.
func (c *Cache) MergeFromDir(ctx context.Context, instanceDir string) error {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}

	names, err := listPackages(instanceDir)
	if err != nil {
		return err
	}

	merged := 0
	for _, name := range names {
		cachePath := filepath.Join(c.dir, name)
		if _, err := os.Stat(cachePath); err == nil {
			continue
		}

		tmpPath := cachePath + ".tmp-" + cuid2.Generate()
		if err := copyFile(filepath.Join(instanceDir, name), tmpPath); err != nil {
			return fmt.Errorf("stage package %q: %w", name, err)
		}
		if err := os.Rename(tmpPath, cachePath); err != nil {
			// Another instance merged this package first; give up on it.
			os.Remove(tmpPath)
			continue
		}
		merged++
	}

	if merged > 0 {
		logger.FromContext(ctx).InfoContext(ctx, "merged packages into cache",
			"cache_dir", c.dir, "count", merged)
	}
	return nil
}

// Clear removes all cache contents, leaving an empty cache directory. The
// old directory is renamed aside first so a concurrent reader never sees a
// half-deleted cache. Returns the number of packages removed.
func (c *Cache) Clear(ctx context.Context) (int, error) {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return 0, fmt.Errorf("create cache dir: %w", err)
	}
	names, err := listPackages(c.dir)
	if err != nil {
		return 0, err
	}

	oldDir := strings.TrimRight(c.dir, string(os.PathSeparator)) + ".old"
	if err := os.Rename(c.dir, oldDir); err != nil {
		return 0, fmt.Errorf("rotate cache dir: %w", err)
	}
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return 0, fmt.Errorf("recreate cache dir: %w", err)
	}
	if err := os.RemoveAll(oldDir); err != nil {
		return 0, fmt.Errorf("remove old cache dir: %w", err)
	}
	return len(names), nil
}

// Delete removes the cache directory entirely. Only useful when the owning
// image is deleted too.
func (c *Cache) Delete() error {
	if err := os.RemoveAll(c.dir); err != nil {
		return fmt.Errorf("delete cache dir: %w", err)
	}
	return nil
}

// Size returns the total byte size of all cached packages.
func (c *Cache) Size() (int64, error) {
	names, err := listPackages(c.dir)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, name := range names {
		info, err := os.Stat(filepath.Join(c.dir, name))
		if err != nil {
			continue
		}
		total += info.Size()
	}
	return total, nil
}

func listPackages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read package dir: %w", err)
	}
	var names []string
	for _, entry := range entries {
		if entry.Type().IsRegular() && strings.HasSuffix(entry.Name(), packageSuffix) {
			names = append(names, entry.Name())
		}
	}
	return names, nil
}

func hardlinkOrCopy(src, dest string) error {
	if err := os.Link(src, dest); err == nil {
		return nil
	}
	return copyFile(src, dest)
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dest)
		return err
	}
	return out.Close()
}
