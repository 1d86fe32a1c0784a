package osbase

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/onkernel/buildspawn/lib/logger"
	"github.com/onkernel/buildspawn/lib/nspawn"
)

var cacheKeyUnsafe = regexp.MustCompile(`[^a-zA-Z0-9._+-]+`)

// sanitizeCacheKey maps an arbitrary caller-supplied cache key to a
// filesystem-safe archive name.
func sanitizeCacheKey(key string) string {
	safe := cacheKeyUnsafe.ReplaceAllString(key, "_")
	safe = strings.Trim(safe, "._-")
	if safe == "" {
		safe = "default"
	}
	return safe
}

// derivedCachePath returns the archive path for a cache key, or "" when no
// key is in play.
func (b *Base) derivedCachePath(cacheKey string) string {
	if cacheKey == "" {
		return ""
	}
	return b.paths.DerivedCacheArchive(b.Name(), sanitizeCacheKey(cacheKey))
}

// instanceForCacheKey materializes an instance for a run. With a cache key,
// an existing derived cache image is reused directly; otherwise one is
// created lazily by running the initialization command against a fresh
// instance of the base image and snapshotting the result. Dangerous
// device/proc/kernel-module grants are stripped before the snapshot so they
// are never baked into a cached tree.
func (b *Base) instanceForCacheKey(ctx context.Context, cacheKey string, initCommand []string, perms *nspawn.Permissions) (*Instance, error) {
	log := logger.FromContext(ctx)

	dcachePath := b.derivedCachePath(cacheKey)
	if dcachePath == "" {
		instance, err := b.newInstance(ctx, b.ArchivePath())
		if err != nil {
			return nil, err
		}
		if len(initCommand) > 0 {
			if err := b.runInit(ctx, instance, initCommand, perms); err != nil {
				instance.Close(ctx)
				return nil, err
			}
		}
		return instance, nil
	}

	if _, err := os.Stat(dcachePath); err == nil {
		log.InfoContext(ctx, "using derived cache image", "cache_key", cacheKey)
		b.metrics.addDerivedCacheHit(ctx)
		return b.newInstance(ctx, dcachePath)
	}

	log.InfoContext(ctx, "initializing derived cache image", "cache_key", cacheKey)
	instance, err := b.newInstance(ctx, b.ArchivePath())
	if err != nil {
		return nil, err
	}
	if len(initCommand) > 0 {
		cachePerms := perms.StripForCaching()
		if err := b.runInit(ctx, instance, initCommand, cachePerms); err != nil {
			instance.Close(ctx)
			return nil, err
		}
	}

	if err := os.MkdirAll(filepath.Dir(dcachePath), 0o755); err != nil {
		instance.Close(ctx)
		return nil, fmt.Errorf("create derived cache dir: %w", err)
	}
	if err := b.store.Compress(ctx, instance.Dir, dcachePath); err != nil {
		instance.Close(ctx)
		return nil, err
	}
	b.metrics.addDerivedCacheInit(ctx)
	return instance, nil
}

// runInit executes an initialization command in persistent mode with the
// package-cache cycle.
func (b *Base) runInit(ctx context.Context, instance *Instance, command []string, perms *nspawn.Permissions) error {
	if err := b.engine.RunWithCacheCycle(ctx, nspawn.RunOptions{
		Dir:         instance.Dir,
		MachineName: instance.MachineName,
		Chdir:       "/tmp",
		Command:     command,
		Permissions: perms,
		Arch:        b.id.Arch,
	}, b.cache); err != nil {
		return fmt.Errorf("init command failed: %w", err)
	}
	return nil
}

// InvalidateDerivedCaches deletes every derived cache image for this
// identity. Called whenever the base image changes underneath them.
func (b *Base) InvalidateDerivedCaches(ctx context.Context) error {
	dir := b.paths.DerivedCacheDir(b.Name())
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read derived cache dir: %w", err)
	}

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, entry := range entries {
		entry := entry
		g.Go(func() error {
			return os.Remove(filepath.Join(dir, entry.Name()))
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("remove derived cache archives: %w", err)
	}
	if err := os.Remove(dir); err != nil && !os.IsNotExist(err) {
		logger.FromContext(ctx).WarnContext(ctx, "could not remove derived cache dir", "error", err)
	}
	return nil
}
