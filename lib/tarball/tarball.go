// Package tarball (de)serializes root filesystem trees to single compressed
// archives. Archiving is delegated to the system tar with an external
// compressor program, matching what the images were originally packed with
// regardless of what this process links against.
package tarball

import (
	"context"
	"fmt"

	"github.com/onkernel/buildspawn/lib/executil"
)

// Store compresses and decompresses image archives with a fixed compressor.
type Store struct {
	compressor string
}

// NewStore returns a Store using the named compressor binary (e.g. "zstd").
// Both tar and the compressor must be resolvable on PATH; a missing tool is
// a startup error, not a per-call one.
func NewStore(compressor string) (*Store, error) {
	if compressor == "" {
		compressor = "zstd"
	}
	if err := executil.LookPaths("tar", compressor); err != nil {
		return nil, fmt.Errorf("archive tools unavailable: %w", err)
	}
	return &Store{compressor: compressor}, nil
}

// Compress packs the full contents of sourceDir into archivePath.
func (s *Store) Compress(ctx context.Context, sourceDir, archivePath string) error {
	if err := executil.Run(ctx,
		"tar", "-C", sourceDir, "-I", s.compressor, "-cf", archivePath, "."); err != nil {
		return fmt.Errorf("create archive %q: %w", archivePath, err)
	}
	return nil
}

// Decompress unpacks archivePath into destDir.
func (s *Store) Decompress(ctx context.Context, archivePath, destDir string) error {
	if err := executil.Run(ctx,
		"tar", "-C", destDir, "-I", s.compressor, "-xf", archivePath); err != nil {
		return fmt.Errorf("unpack archive %q: %w", archivePath, err)
	}
	return nil
}
