// Package workspace manages scoped temporary directories for container
// instances and scratch state. Directories are flocked while in use so
// periodic tmp-cleanup daemons do not reap them mid-build, and removal is
// mount-aware so a stale bind mount inside an instance tree can never leak
// a recursive delete onto host files.
package workspace

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/nrednav/cuid2"
	"golang.org/x/sys/unix"

	"github.com/onkernel/buildspawn/lib/logger"
)

// Workspace is a scoped temporary directory. Close removes the tree and
// releases the advisory lock on every exit path.
type Workspace struct {
	dir      string
	lockFile *os.File
}

// New creates a uniquely named directory under root, prefixed with prefix,
// and takes a non-blocking shared flock on it. Failing to acquire the lock
// is not fatal; it only weakens protection against external cleanup daemons.
func New(ctx context.Context, root, prefix string) (*Workspace, error) {
	name := cuid2.Generate()
	if prefix != "" {
		name = prefix + "-" + name
	}
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace dir: %w", err)
	}

	ws := &Workspace{dir: dir}
	f, err := os.Open(dir)
	if err == nil {
		if lockErr := unix.Flock(int(f.Fd()), unix.LOCK_SH|unix.LOCK_NB); lockErr != nil {
			logger.FromContext(ctx).WarnContext(ctx, "could not lock workspace directory",
				"dir", dir, "error", lockErr)
			f.Close()
		} else {
			ws.lockFile = f
		}
	} else {
		logger.FromContext(ctx).WarnContext(ctx, "could not open workspace directory for locking",
			"dir", dir, "error", err)
	}
	return ws, nil
}

// Dir returns the workspace directory path.
func (w *Workspace) Dir() string {
	return w.dir
}

// Close unlocks and removes the workspace tree.
func (w *Workspace) Close(ctx context.Context) error {
	if w.lockFile != nil {
		_ = unix.Flock(int(w.lockFile.Fd()), unix.LOCK_UN)
		w.lockFile.Close()
		w.lockFile = nil
	}
	return RemoveMountSafe(ctx, w.dir)
}

// RemoveMountSafe recursively deletes root. Any descendant that is a mount
// point (bind mounts included) is lazily unmounted first; if the unmount
// fails the subtree is skipped instead of recursed into, so files visible
// through a live mount are never deleted at their true source.
func RemoveMountSafe(ctx context.Context, root string) error {
	mounts, err := mountPointsUnder(root)
	if err != nil {
		return fmt.Errorf("query mount table: %w", err)
	}

	skipped := false
	for _, mp := range mounts {
		if err := unix.Unmount(mp, unix.MNT_DETACH); err != nil {
			logger.FromContext(ctx).WarnContext(ctx, "could not unmount, skipping subtree",
				"mountpoint", mp, "error", err)
			skipped = true
		}
	}
	if skipped {
		return removeExceptMounts(ctx, root)
	}
	if err := os.RemoveAll(root); err != nil {
		return fmt.Errorf("remove workspace tree: %w", err)
	}
	return nil
}

// mountPointsUnder returns every mount point strictly inside root, deepest
// first, read from /proc/self/mountinfo. Statfs-style heuristics miss bind
// mounts of the same filesystem, the mount table does not.
func mountPointsUnder(root string) ([]string, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	f, err := os.Open("/proc/self/mountinfo")
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var mounts []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		// Field 5 of mountinfo is the mount point; octal escapes cover
		// spaces in paths.
		fields := strings.Fields(scanner.Text())
		if len(fields) < 5 {
			continue
		}
		mp := unescapeMountPath(fields[4])
		if mp == abs || strings.HasPrefix(mp, abs+string(os.PathSeparator)) {
			mounts = append(mounts, mp)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	// Deepest first so nested binds unmount before their parents.
	for i, j := 0, len(mounts)-1; i < j; i, j = i+1, j-1 {
		mounts[i], mounts[j] = mounts[j], mounts[i]
	}
	return mounts, nil
}

func unescapeMountPath(s string) string {
	replacer := strings.NewReplacer(`\040`, " ", `\011`, "\t", `\012`, "\n", `\134`, `\`)
	return replacer.Replace(s)
}

// removeExceptMounts deletes everything under root except subtrees that are
// still live mount points.
func removeExceptMounts(ctx context.Context, root string) error {
	mounts, err := mountPointsUnder(root)
	if err != nil {
		return err
	}
	if len(mounts) == 0 {
		return os.RemoveAll(root)
	}
	mountSet := make(map[string]bool, len(mounts))
	for _, mp := range mounts {
		mountSet[mp] = true
	}
	if abs, err := filepath.Abs(root); err == nil && mountSet[abs] {
		logger.FromContext(ctx).WarnContext(ctx, "workspace root is a live mount, not removing", "path", abs)
		return nil
	}

	var walk func(dir string) (kept bool, err error)
	walk = func(dir string) (bool, error) {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return true, err
		}
		kept := false
		for _, entry := range entries {
			path := filepath.Join(dir, entry.Name())
			if mountSet[path] {
				logger.FromContext(ctx).WarnContext(ctx, "leaving live mount in place", "path", path)
				kept = true
				continue
			}
			if entry.IsDir() {
				childKept, err := walk(path)
				if err != nil {
					return kept || childKept, err
				}
				if childKept {
					kept = true
					continue
				}
				if err := os.Remove(path); err != nil {
					return kept, err
				}
			} else if err := os.Remove(path); err != nil {
				return kept, err
			}
		}
		return kept, nil
	}

	kept, err := walk(root)
	if err != nil {
		return fmt.Errorf("remove workspace tree: %w", err)
	}
	if !kept {
		return os.Remove(root)
	}
	return nil
}
