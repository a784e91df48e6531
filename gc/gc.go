// Package gc implements the Compactor (component H): a periodic, quota-
// bounded sweep that removes expired mirrors, prunes monitoring data and
// crashed gc leftovers, and compacts mirrors that need it via either an
// in-place or copy-swap native-git gc.
package gc

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/coreforge/gitmirror/gitcli"
	"github.com/coreforge/gitmirror/mirror"
	"github.com/coreforge/gitmirror/registry"
)

const (
	// defaultAutopacklimit mirrors git's own gc.autopacklimit default.
	defaultAutopacklimit = 50
	// defaultGCAuto mirrors git's own gc.auto default (loose-object count
	// threshold).
	defaultGCAuto = 6700
	// looseObjectBucket is the two-hex-digit fanout directory sampled to
	// estimate the total loose-object count without a full tree walk.
	looseObjectBucket = "17"
	// looseObjectBuckets is the number of fanout directories under
	// objects/ (one per two-hex-digit prefix), used to scale the sample.
	looseObjectBuckets = 256

	renameRetries    = 5
	renameRetryDelay = 100 * time.Millisecond
)

// Variant selects which native-git gc strategy a mirror should use.
type Variant int

const (
	// InPlace runs `git gc` directly against the mirror under its write
	// lock - cheaper, but blocks readers/writers for the gc's duration.
	InPlace Variant = iota
	// CopySwap builds a compacted copy alongside the mirror and swaps it
	// in atomically - more expensive, but only blocks briefly for the
	// rename.
	CopySwap
)

// Options configures a Compactor.
type Options struct {
	// Quota bounds the wall-clock time spent per Run call across all
	// mirrors needing gc.
	Quota time.Duration
	// MonitoringRetention is how long monitoring/ files are kept before
	// being pruned, regardless of whether gc runs.
	MonitoringRetention time.Duration
	// IsExpired decides whether a mirror should be removed outright
	// rather than compacted. Left nil, no mirror is ever considered
	// expired.
	IsExpired func(*mirror.Mirror) bool
	// SelectVariant decides in-place vs copy-swap for a mirror that needs
	// gc. Left nil, every mirror uses InPlace.
	SelectVariant func(*mirror.Mirror) Variant
	// RepackArgs are passed to `git repack` during a copy-swap gc.
	RepackArgs []string
}

func (o Options) withDefaults() Options {
	if o.Quota <= 0 {
		o.Quota = 10 * time.Minute
	}
	if o.MonitoringRetention <= 0 {
		o.MonitoringRetention = 7 * 24 * time.Hour
	}
	if o.SelectVariant == nil {
		o.SelectVariant = func(*mirror.Mirror) Variant { return InPlace }
	}
	if len(o.RepackArgs) == 0 {
		o.RepackArgs = []string{"-a", "-d", "-q"}
	}
	return o
}

// roundInProgress is the process-wide semaphore of permits=1 shared by every
// Compactor.
var roundInProgress sync.Mutex

// Compactor runs periodic compaction rounds over a pool, guarded by a
// process-wide semaphore of permits=1: a round already in progress causes
// a new Run call to skip rather than queue.
type Compactor struct {
	pool     *mirror.Pool
	registry *registry.Registry
	facade   gitcli.Facade
	log      *slog.Logger
	opts     Options
}

// New returns a Compactor over pool, reporting failures to reg and running
// git via the executable at gitExec (empty defaults to "git" on PATH).
func New(pool *mirror.Pool, reg *registry.Registry, gitExec string, log *slog.Logger, opts Options) *Compactor {
	if gitExec == "" {
		gitExec = "git"
	}
	if log == nil {
		log = slog.Default()
	}
	return &Compactor{
		pool:     pool,
		registry: reg,
		facade:   gitcli.Facade{Exec: gitExec, Log: log},
		log:      log,
		opts:     opts.withDefaults(),
	}
}

// Run executes one compaction round. If a round is already in progress it
// returns immediately without error.
func (c *Compactor) Run(ctx context.Context) error {
	if !roundInProgress.TryLock() {
		c.log.Debug("gc round already in progress, skipping")
		return nil
	}
	defer roundInProgress.Unlock()

	c.removeExpiredMirrors(ctx)
	c.cleanMonitoringData()
	c.deleteStaleGCCopies()

	mirrors := c.pool.Mirrors()
	rand.Shuffle(len(mirrors), func(i, j int) { mirrors[i], mirrors[j] = mirrors[j], mirrors[i] })

	deadline := time.Now().Add(c.opts.Quota)
	skipped := 0
	for _, m := range mirrors {
		if time.Now().After(deadline) {
			skipped++
			continue
		}

		needed, err := needsGC(m.Directory())
		if err != nil {
			c.log.Error("gc: unable to inspect mirror", "path", m.Directory(), "err", err)
			continue
		}
		if !needed {
			continue
		}

		if err := c.checkDiskSpace(m.Directory()); err != nil {
			c.registry.RegisterError(m.Remote(), registry.CategoryGC, "insufficient disk space for gc", err)
			continue
		}

		variant := c.opts.SelectVariant(m)
		var gcErr error
		switch variant {
		case CopySwap:
			gcErr = c.copySwapGC(ctx, m)
		default:
			gcErr = c.inPlaceGC(ctx, m)
		}

		if gcErr != nil {
			c.registry.RegisterError(m.Remote(), registry.CategoryGC, "gc failed", gcErr)
		} else {
			c.registry.ClearError(m.Remote())
		}
	}

	if skipped > 0 {
		c.log.Info("gc quota exceeded, skipping remaining mirrors", "skipped", skipped)
	}
	return nil
}

// removeExpiredMirrors deletes any mirror opts.IsExpired flags, acquiring
// its rm.write lock first.
func (c *Compactor) removeExpiredMirrors(ctx context.Context) {
	if c.opts.IsExpired == nil {
		return
	}
	for _, m := range c.pool.Mirrors() {
		if !c.opts.IsExpired(m) {
			continue
		}
		if err := m.Remove(ctx); err != nil {
			m.Invalidate()
			c.registry.RegisterError(m.Remote(), registry.CategoryGC, "unable to remove expired mirror", err)
			continue
		}
		c.registry.ClearError(m.Remote())
	}
}

// cleanMonitoringData deletes files older than opts.MonitoringRetention
// from each mirror's monitoring/ subdirectory.
func (c *Compactor) cleanMonitoringData() {
	cutoff := time.Now().Add(-c.opts.MonitoringRetention)
	for _, dir := range c.pool.Directories() {
		monDir := filepath.Join(dir, "monitoring")
		entries, err := os.ReadDir(monDir)
		if err != nil {
			continue // no monitoring dir yet, nothing to do
		}
		for _, e := range entries {
			info, err := e.Info()
			if err != nil || info.ModTime().After(cutoff) {
				continue
			}
			if err := os.Remove(filepath.Join(monDir, e.Name())); err != nil {
				c.log.Error("gc: unable to remove stale monitoring file", "path", e.Name(), "err", err)
			}
		}
	}
}

// deleteStaleGCCopies removes *.git.gc directories left behind by a
// crashed copy-swap gc.
func (c *Compactor) deleteStaleGCCopies() {
	for _, dir := range c.pool.Directories() {
		root := filepath.Dir(dir)
		entries, err := os.ReadDir(root)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !e.IsDir() || !strings.HasSuffix(e.Name(), ".git.gc") {
				continue
			}
			stale := filepath.Join(root, e.Name())
			c.log.Info("removing stale gc copy", "path", stale)
			if err := os.RemoveAll(stale); err != nil {
				c.log.Error("gc: unable to remove stale gc copy", "path", stale, "err", err)
			}
		}
	}
}

// needsGC inspects pack count and a loose-object estimate against git's own
// gc.autopacklimit/gc.auto defaults.
func needsGC(dir string) (bool, error) {
	packDir := filepath.Join(dir, "objects", "pack")
	packEntries, err := os.ReadDir(packDir)
	if err != nil && !os.IsNotExist(err) {
		return false, err
	}
	packCount := 0
	for _, e := range packEntries {
		if strings.HasSuffix(e.Name(), ".pack") {
			packCount++
		}
	}
	if packCount >= defaultAutopacklimit {
		return true, nil
	}

	bucket := filepath.Join(dir, "objects", looseObjectBucket)
	bucketEntries, err := os.ReadDir(bucket)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	estimate := len(bucketEntries) * looseObjectBuckets
	return estimate >= defaultGCAuto, nil
}

// checkDiskSpace fails if free space on the filesystem backing dir is less
// than the current size of objects/pack. The free-space query itself is
// platform-specific; see gc_unix.go / gc_other.go.
func (c *Compactor) checkDiskSpace(dir string) error {
	packDir := filepath.Join(dir, "objects", "pack")
	var packSize int64
	entries, err := os.ReadDir(packDir)
	if err == nil {
		for _, e := range entries {
			if info, iErr := e.Info(); iErr == nil {
				packSize += info.Size()
			}
		}
	}

	free, err := freeSpace(dir)
	if err != nil {
		return fmt.Errorf("unable to stat filesystem for %s: %w", dir, err)
	}

	if free < packSize {
		return fmt.Errorf("free space %d less than objects/pack size %d", free, packSize)
	}
	return nil
}

// inPlaceGC runs `git gc --auto --quiet` directly against the mirror under
// its write lock.
func (c *Compactor) inPlaceGC(ctx context.Context, m *mirror.Mirror) error {
	if err := m.WriteLock(ctx); err != nil {
		return err
	}
	defer m.WriteUnlock()

	_, err := c.facade.Run(ctx, m.Directory(), 0, 30*time.Minute, gitcli.GCAuto()...)
	return err
}

// copySwapGC builds a compacted copy of the mirror alongside it (linked via
// objects/info/alternates), repacks the copy standalone, then atomically
// swaps it into place.
func (c *Compactor) copySwapGC(ctx context.Context, m *mirror.Mirror) error {
	original := m.Directory()
	copyDir := original + ".gc"
	oldDir := original + ".old"

	var err error
	err = m.RunWithDisabledRemove(ctx, func() error {
		return c.buildCompactedCopy(ctx, original, copyDir)
	})
	if err != nil {
		os.RemoveAll(copyDir)
		return fmt.Errorf("building compacted copy: %w", err)
	}

	if err := os.Remove(filepath.Join(copyDir, "objects", "info", "alternates")); err != nil && !os.IsNotExist(err) {
		os.RemoveAll(copyDir)
		return fmt.Errorf("removing alternates: %w", err)
	}

	if err := m.RunWithExclusiveLock(ctx, func() error {
		return c.swapIn(original, copyDir, oldDir)
	}); err != nil {
		return fmt.Errorf("swapping compacted copy into place: %w", err)
	}

	os.RemoveAll(oldDir)
	os.RemoveAll(copyDir)
	return nil
}

func (c *Compactor) buildCompactedCopy(ctx context.Context, original, copyDir string) error {
	if err := os.MkdirAll(copyDir, 0o755); err != nil {
		return err
	}
	if _, err := c.facade.Run(ctx, copyDir, 0, time.Minute, gitcli.InitBare()...); err != nil {
		return err
	}

	alternates := filepath.Join(copyDir, "objects", "info", "alternates")
	if err := os.MkdirAll(filepath.Dir(alternates), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(alternates, []byte(filepath.Join(original, "objects")+"\n"), 0o644); err != nil {
		return err
	}

	for _, name := range []string{"packed-refs", "config"} {
		src := filepath.Join(original, name)
		if _, err := os.Stat(src); err != nil {
			continue
		}
		if err := copyFile(src, filepath.Join(copyDir, name)); err != nil {
			return fmt.Errorf("copying %s: %w", name, err)
		}
	}
	for _, name := range []string{"refs", "monitoring"} {
		src := filepath.Join(original, name)
		if _, err := os.Stat(src); err != nil {
			continue
		}
		if err := copyDirRecursive(src, filepath.Join(copyDir, name)); err != nil {
			return fmt.Errorf("copying %s: %w", name, err)
		}
	}
	// a timestamp file, if the mirror cycle writes one, records the last
	// successful fetch and is carried forward so the compacted copy's
	// metadata doesn't regress.
	timestampSrc := filepath.Join(original, "timestamp")
	if _, err := os.Stat(timestampSrc); err == nil {
		copyFile(timestampSrc, filepath.Join(copyDir, "timestamp"))
	}

	args := append([]string{}, gitcli.Repack(c.opts.RepackArgs...)...)
	if _, err := c.facade.Run(ctx, copyDir, 0, 30*time.Minute, args...); err != nil {
		return err
	}
	if _, err := c.facade.Run(ctx, copyDir, 0, 5*time.Minute, gitcli.PackRefsAll()...); err != nil {
		return err
	}
	return nil
}

// swapIn renames original -> oldDir and copyDir -> original, retrying
// rename failures and restoring from oldDir if the second rename fails.
func (c *Compactor) swapIn(original, copyDir, oldDir string) error {
	if err := renameWithRetry(original, oldDir); err != nil {
		return fmt.Errorf("renaming original aside: %w", err)
	}

	if err := renameWithRetry(copyDir, original); err != nil {
		if restoreErr := os.Rename(oldDir, original); restoreErr != nil {
			return fmt.Errorf("rename of compacted copy failed (%v) and restore from %s also failed: %w", err, oldDir, restoreErr)
		}
		return fmt.Errorf("rename of compacted copy failed, restored original: %w", err)
	}
	return nil
}

func renameWithRetry(from, to string) error {
	var err error
	for i := 0; i < renameRetries; i++ {
		if err = os.Rename(from, to); err == nil {
			return nil
		}
		time.Sleep(renameRetryDelay)
	}
	return err
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}

func copyDirRecursive(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyFile(path, target)
	})
}
