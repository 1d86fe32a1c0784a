package osbase

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/onkernel/buildspawn/lib/logger"
)

// Update refreshes the image's packages: a fresh instance gets the current
// helper, one update pass, volatile-file stripping, then replaces the
// canonical archive atomically. Package and derived caches are invalidated
// afterwards since they were built against the now-stale base.
func (b *Base) Update(ctx context.Context) (err error) {
	start := time.Now()
	defer func() { b.metrics.recordOp(ctx, "update", start, err) }()

	if err := b.ensureExists(); err != nil {
		return err
	}
	log := logger.FromContext(ctx)
	log.InfoContext(ctx, "updating image", "name", b.Name())

	instance, err := b.newInstance(ctx, b.ArchivePath())
	if err != nil {
		return err
	}
	defer instance.Close(ctx)

	if err := b.copyHelper(instance.Dir); err != nil {
		return err
	}
	if err := b.runHelper(ctx, instance.Dir, instance.MachineName, "--update"); err != nil {
		return fmt.Errorf("update pass failed: %w", err)
	}
	if err := stripVolatileFiles(instance.Dir); err != nil {
		return err
	}

	log.InfoContext(ctx, "recreating image archive")
	if err := b.makePermanent(ctx, instance.Dir); err != nil {
		return err
	}

	if _, err := b.cache.Clear(ctx); err != nil {
		log.WarnContext(ctx, "could not clear package cache", "error", err)
	}
	if err := b.InvalidateDerivedCaches(ctx); err != nil {
		log.WarnContext(ctx, "could not invalidate derived caches", "error", err)
	}

	log.InfoContext(ctx, "image updated", "name", b.Name())
	return nil
}

// Recreate regenerates the image from its persisted manifest. The previous
// archive is kept renamed aside for the duration and restored on any
// failure: this is the one operation that guarantees rollback.
func (b *Base) Recreate(ctx context.Context) (err error) {
	start := time.Now()
	defer func() { b.metrics.recordOp(ctx, "recreate", start, err) }()

	if err := b.ensureExists(); err != nil {
		return err
	}
	manifest, err := b.Manifest()
	if err != nil {
		return err
	}

	log := logger.FromContext(ctx)
	log.InfoContext(ctx, "recreating image from manifest", "name", b.Name())

	if _, err := b.cache.Clear(ctx); err != nil {
		log.WarnContext(ctx, "could not clear package cache", "error", err)
	}

	archive := b.ArchivePath()
	oldArchive := archive + ".old"
	if err := os.Rename(archive, oldArchive); err != nil {
		return fmt.Errorf("set aside current archive: %w", err)
	}

	opts := CreateOptions{
		Mirror:           manifest.Mirror,
		Components:       manifest.Components,
		ExtraSuites:      manifest.ExtraSuites,
		ExtraSourceLines: manifest.ExtraSourceLines,
		AllowRecommends:  manifest.AllowRecommends,
	}
	if createErr := b.createAt(ctx, archive, opts); createErr != nil {
		// Restore the previous image exactly as it was.
		os.Remove(archive)
		if restoreErr := os.Rename(oldArchive, archive); restoreErr != nil {
			return fmt.Errorf("recreate failed (%v) and old archive could not be restored: %w",
				createErr, restoreErr)
		}
		return fmt.Errorf("recreate failed, previous image restored: %w", createErr)
	}

	if err := os.Remove(oldArchive); err != nil {
		log.WarnContext(ctx, "could not remove old archive", "path", oldArchive, "error", err)
	}
	if err := b.InvalidateDerivedCaches(ctx); err != nil {
		log.WarnContext(ctx, "could not invalidate derived caches", "error", err)
	}

	log.InfoContext(ctx, "image recreated", "name", b.Name())
	return nil
}

// Delete removes the image and everything keyed to it. Deletion is
// best-effort forward-only: partial completion is not rolled back.
func (b *Base) Delete(ctx context.Context) (err error) {
	start := time.Now()
	defer func() { b.metrics.recordOp(ctx, "delete", start, err) }()

	if err := b.ensureExists(); err != nil {
		return err
	}
	log := logger.FromContext(ctx)
	log.InfoContext(ctx, "deleting image", "name", b.Name())

	if _, err := b.cache.Clear(ctx); err != nil {
		log.WarnContext(ctx, "could not clear package cache", "error", err)
	}
	if err := b.cache.Delete(); err != nil {
		log.WarnContext(ctx, "could not delete package cache", "error", err)
	}
	if err := b.InvalidateDerivedCaches(ctx); err != nil {
		log.WarnContext(ctx, "could not delete derived caches", "error", err)
	}
	if err := os.Remove(b.ArchivePath()); err != nil {
		return fmt.Errorf("remove image archive: %w", err)
	}
	if err := os.Remove(b.paths.ImageManifest(b.Name())); err != nil && !os.IsNotExist(err) {
		log.WarnContext(ctx, "could not remove manifest", "error", err)
	}

	log.InfoContext(ctx, "image deleted", "name", b.Name())
	return nil
}
