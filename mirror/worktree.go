package mirror

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/coreforge/gitmirror/gitcli"
)

// WorkTreeLink is an optional, additive checkout published alongside a
// Mirror's bare directory. It never mutates the mirror's object database;
// it only reads from it.
type WorkTreeLink struct {
	link      string // as specified in config, logging only
	linkAbs   string // absolute path of the published symlink
	ref       string
	pathspecs []string
	dir       string // current checkout path, set after ensureWorktree
	log       *slog.Logger
}

// Equals reports whether wt matches the given config (order of pathspecs
// is ignored).
func (wt *WorkTreeLink) Equals(wtc WorktreeConfig) bool {
	sorted := slices.Clone(wtc.Pathspecs)
	slices.Sort(sorted)
	return wt.link == wtc.Link && wt.ref == wtc.Ref && slices.Compare(wt.pathspecs, sorted) == 0
}

// worktreeDirName generates a unique directory name for this worktree link
// at the given commit hash. Two links can point at the same ref with
// different pathspecs, so the tree hash alone isn't enough; the absolute
// link path is folded in too.
func (wt *WorkTreeLink) worktreeDirName(hash string) string {
	linkHash := fmt.Sprintf("%x", sha256.Sum256([]byte(wt.linkAbs)))
	return filepath.Base(wt.linkAbs) + "_" + linkHash[:7] + "-" + hash[:7]
}

func (wt *WorkTreeLink) currentWorktree() (string, error) {
	return readAbsLink(wt.linkAbs)
}

func (m *Mirror) worktreesRoot() string {
	// git itself uses a `worktrees` dir internally; ours is prefixed to
	// avoid any collision.
	return filepath.Join(m.dir, ".worktrees")
}

func (m *Mirror) worktreePath(wl *WorkTreeLink, hash string) string {
	return filepath.Join(m.worktreesRoot(), wl.worktreeDirName(hash))
}

func (m *Mirror) workTreeHash(ctx context.Context, wl *WorkTreeLink, wt string) (string, error) {
	if !m.isInsideWorkTree(ctx, wt) {
		return "", fmt.Errorf("worktree is not a valid git worktree")
	}
	return m.git(ctx, nil, wt, "rev-parse", "HEAD")
}

func (m *Mirror) isInsideWorkTree(ctx context.Context, wt string) bool {
	if !filepath.IsAbs(wt) {
		return false
	}
	if ok, err := m.git(ctx, nil, wt, "rev-parse", "--is-inside-work-tree"); err != nil || ok != "true" {
		return false
	}
	return true
}

// sanityCheckWorktree verifies the checkout still looks like a valid
// worktree of this mirror. It does not guarantee every file was written -
// git can die mid-checkout and still pass this.
func (m *Mirror) sanityCheckWorktree(ctx context.Context, wl *WorkTreeLink) bool {
	wt, err := wl.currentWorktree()
	if err != nil || wt == "" {
		return false
	}
	if empty, err := dirIsEmpty(wt); err != nil || empty {
		return false
	}
	if !m.isInsideWorkTree(ctx, wt) {
		return false
	}
	if root, err := m.git(ctx, nil, wt, "rev-parse", "--show-toplevel"); err != nil || root != wt {
		return false
	}
	if _, err := m.git(ctx, nil, wt, gitcli.FsckConnectivityOnly()...); err != nil {
		return false
	}
	return true
}

// ensureWorktree creates or validates the checkout backing wl, swapping it
// to a fresh one if the tracked ref moved or the current checkout failed
// its sanity check.
func (m *Mirror) ensureWorktree(ctx context.Context, wl *WorkTreeLink) error {
	remoteHash, err := m.hash(ctx, wl.ref, "")
	if err != nil {
		return fmt.Errorf("unable to get hash for worktree %s: %w", wl.link, err)
	}
	if remoteHash == "" {
		return fmt.Errorf("hash not found for ref %q (worktree %s)", wl.ref, wl.link)
	}

	var currentHash string
	wl.dir, err = wl.currentWorktree()
	if err != nil {
		wl.log.Error("unable to get current worktree path", "err", err)
	}
	if wl.dir != "" {
		currentHash, err = m.workTreeHash(ctx, wl, wl.dir)
		if err != nil {
			wl.log.Error("unable to get current worktree hash", "err", err)
		}
	}

	if currentHash == remoteHash && m.sanityCheckWorktree(ctx, wl) {
		return nil
	}

	wl.log.Info("worktree update required", "remoteHash", remoteHash, "currentHash", currentHash)
	newPath, err := m.createWorktree(ctx, wl, remoteHash)
	if err != nil {
		return fmt.Errorf("unable to create worktree for %s: %w", wl.link, err)
	}
	wl.dir = newPath
	return nil
}

func (m *Mirror) ensureWorktreeLink(wl *WorkTreeLink) error {
	if wl.dir == "" {
		return fmt.Errorf("worktree checkout dir not set")
	}

	currentPath, err := wl.currentWorktree()
	if err != nil {
		return fmt.Errorf("unable to get current worktree link: %w", err)
	}

	if currentPath != wl.dir {
		if err := publishSymlink(wl.linkAbs, wl.dir); err != nil {
			return fmt.Errorf("unable to publish link: %w", err)
		}
		wl.log.Info("publishing worktree link", "link", wl.link, "linkAbs", wl.linkAbs)
	}

	tracker := wl.dir + tracerSuffix
	trackedDstLink, _ := readAbsLink(tracker)
	if wl.linkAbs != trackedDstLink {
		if err := publishSymlink(tracker, wl.linkAbs); err != nil {
			return fmt.Errorf("unable to publish link tracker: %w", err)
		}
	}
	return nil
}

func (m *Mirror) createWorktree(ctx context.Context, wl *WorkTreeLink, hash string) (string, error) {
	wtPath := m.worktreePath(wl, hash)

	if err := m.removeWorktree(ctx, wtPath); err != nil {
		return wtPath, err
	}

	wl.log.Info("creating worktree", "path", wtPath, "hash", hash)
	if _, err := m.git(ctx, nil, "", gitcli.WorktreeAdd(wtPath, hash)...); err != nil {
		return wtPath, err
	}

	if _, err := m.git(ctx, nil, wtPath, gitcli.Checkout(hash, wl.pathspecs...)...); err != nil {
		return "", err
	}

	return wtPath, nil
}

func (m *Mirror) removeWorktree(ctx context.Context, path string) error {
	_, err := os.Stat(path)
	switch {
	case os.IsNotExist(err):
		return nil
	case err != nil:
		return err
	}

	m.log.Info("removing worktree", "path", path)
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("error removing directory: %w", err)
	}
	_, err = m.git(ctx, nil, "", gitcli.WorktreePrune()...)
	return err
}

// cleanup removes stale worktrees/links and runs git's garbage collection.
func (m *Mirror) cleanup(ctx context.Context) bool {
	success := m.removeStaleWorktreeLinks()

	if _, err := m.removeStaleWorktrees(); err != nil {
		m.log.Error("cleanup: unable to remove stale worktrees", "err", err)
		success = false
	}

	if _, err := m.git(ctx, nil, "", gitcli.WorktreePrune()...); err != nil {
		m.log.Error("cleanup: worktree prune failed", "err", err)
		success = false
	}

	if _, err := m.git(ctx, nil, "", gitcli.ReflogExpireUnreachable()...); err != nil {
		m.log.Error("cleanup: reflog expire failed", "err", err)
		success = false
	}

	if m.gitGC != GCOff {
		var args []string
		switch m.gitGC {
		case GCAuto:
			args = gitcli.GCAuto()
		case GCAggressive:
			args = gitcli.GCAggressive()
		default:
			args = []string{"gc"}
		}
		if _, err := m.git(ctx, nil, "", args...); err != nil {
			m.log.Error("cleanup: git gc failed", "err", err)
			success = false
		}
	}

	return success
}

func (m *Mirror) removeStaleWorktreeLinks() bool {
	success := true
	var configLinks []string
	for _, wl := range m.WorktreeLinks() {
		configLinks = append(configLinks, wl.linkAbs)
	}

	onDiskTrackedLinks := make(map[string]string)
	dirents, err := os.ReadDir(m.worktreesRoot())
	if err != nil {
		m.log.Error("unable to read worktree root dir", "err", err)
		return false
	}

	for _, fi := range dirents {
		if fi.IsDir() {
			continue
		}
		if strings.HasSuffix(fi.Name(), tracerSuffix) {
			tracker := filepath.Join(m.worktreesRoot(), fi.Name())
			trackedDstLink, err := readAbsLink(tracker)
			if err != nil {
				m.log.Error("unable to read link tracker", "file", fi.Name(), "err", err)
				success = false
				continue
			}
			onDiskTrackedLinks[tracker] = trackedDstLink
		}
	}

	for tracker, trackedDstLink := range onDiskTrackedLinks {
		if slices.Contains(configLinks, trackedDstLink) {
			continue
		}

		if wtPath, err := readAbsLink(trackedDstLink); err == nil {
			if wtPath == strings.TrimSuffix(tracker, tracerSuffix) {
				if err := os.Remove(trackedDstLink); err != nil {
					m.log.Error("unable to remove stale published link", "link", trackedDstLink, "err", err)
					success = false
					continue
				}
			}
		}

		if err := os.Remove(tracker); err != nil {
			m.log.Error("unable to remove stale link tracker", "tracker", tracker, "err", err)
			success = false
			continue
		}

		m.log.Info("stale link removed", "link", trackedDstLink)
	}

	return success
}

func (m *Mirror) removeStaleWorktrees() (int, error) {
	var currentWTDirs []string
	for _, wt := range m.WorktreeLinks() {
		t, err := wt.currentWorktree()
		if err != nil {
			m.log.Error("unable to read worktree link", "worktree", wt.link, "err", err)
			continue
		}
		if t != "" {
			_, wtDir := splitAbs(t)
			currentWTDirs = append(currentWTDirs, wtDir, wtDir+tracerSuffix)
		}
	}

	count := 0
	err := removeDirContentsIf(m.worktreesRoot(), m.log, func(fi os.FileInfo) (bool, error) {
		if !slices.Contains(currentWTDirs, fi.Name()) {
			count++
			m.log.Info("removing stale worktree", "name", fi.Name())
			return true, nil
		}
		return false, nil
	})
	if err != nil && !os.IsNotExist(err) {
		return 0, err
	}
	return count, nil
}
