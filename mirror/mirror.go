// Package mirror implements the Mirror Directory Manager: it maps a
// canonical remote URL onto a hash-named bare mirror directory, keeps it
// fetched on an interval, guards it with a per-directory lock set, and
// optionally publishes live worktree links off the side of it.
//
// The implementation borrows heavily from https://github.com/kubernetes/git-sync.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/coreforge/gitmirror/gitcli"
	"github.com/coreforge/gitmirror/giturl"
	"github.com/coreforge/gitmirror/internal/lock"
)

const (
	defaultRefSpec = "+refs/*:refs/*"
	tracerSuffix   = "-link-tracker"

	// defaultIdleTimeout bounds how long a single git invocation may go
	// without stdout/stderr progress before the process runner kills it.
	defaultIdleTimeout = 2 * time.Minute

	// TeamcityRemoteKey is the config key under which the canonical remote
	// URL is recorded inside a MirrorDir's `config` file, per the data
	// model's MirrorDir invariant.
	TeamcityRemoteKey = "teamcity.remote"
)

var (
	ErrMirrorFailed    = errors.New("mirror fetch failed")
	ErrWorktreeFailed  = errors.New("worktree update failed")
	ErrInvalidated     = errors.New("mirror directory invalidated, will be re-created on next access")

	// parses "ref: refs/heads/xxxx  HEAD" from `ls-remote --symref origin HEAD`
	remoteDefaultBranchRgx = regexp.MustCompile(`^ref:\s+([^\s]+)\s+HEAD`)
)

// Mirror is a single mirrored repository: a hash-named bare directory plus
// whatever worktree links have been configured on top of it.
//
// A Mirror is safe for concurrent use by multiple goroutines.
type Mirror struct {
	facade gitcli.Facade

	locks lock.Set

	gitURL   *giturl.URL
	remote   string // normalised remote URL, used as the canonical identity
	root     string
	linkRoot string
	dir      string // resolve()'d absolute path, <root>/repo-mirrors/<hash>.git

	interval      time.Duration
	mirrorTimeout time.Duration
	gitGC         string
	auth          Auth
	envs          []string

	mu            lock.RWMutex // guards the fields below, distinct from locks (content lock)
	running       bool
	lastUsed      time.Time
	invalidated   bool
	workTreeLinks map[string]*WorkTreeLink

	stop, stopped chan bool
	queueMirror   chan struct{}

	log *slog.Logger

	githubAppToken          string
	githubAppTokenExpiresAt time.Time
}

// New resolves repoConf into a Mirror. The mirror directory is not fetched
// until Mirror() or StartLoop() is called.
func New(repoConf MirrorConfig, gitExec string, envs []string, log *slog.Logger) (*Mirror, error) {
	remoteURL := giturl.NormaliseURL(repoConf.Remote)

	gURL, err := giturl.Parse(remoteURL)
	if err != nil {
		return nil, err
	}

	if log == nil {
		log = slog.Default()
	}
	log = log.With("repo", gURL.Repo, "hash", gURL.Hash()[:12])

	if gitExec == "" {
		gitExec = "git"
	}

	if !filepath.IsAbs(repoConf.Root) {
		return nil, fmt.Errorf("mirror root '%s' must be absolute", repoConf.Root)
	}
	if repoConf.LinkRoot != "" && !filepath.IsAbs(repoConf.LinkRoot) {
		return nil, fmt.Errorf("mirror link root set but not absolute '%s'", repoConf.LinkRoot)
	}
	if repoConf.LinkRoot == "" {
		repoConf.LinkRoot = repoConf.Root
	}
	if repoConf.Interval < MinAllowedInterval {
		return nil, fmt.Errorf("interval %s too short, must be > %s", repoConf.Interval, MinAllowedInterval)
	}

	switch repoConf.GitGC {
	case GCAuto, GCAlways, GCAggressive, GCOff:
	default:
		return nil, fmt.Errorf("wrong git_gc value %q", repoConf.GitGC)
	}

	m := &Mirror{
		facade:        gitcli.Facade{Exec: gitExec, Env: envs, Log: log},
		gitURL:        gURL,
		remote:        remoteURL,
		root:          repoConf.Root,
		linkRoot:      repoConf.LinkRoot,
		dir:           DirFor(repoConf.Root, gURL),
		interval:      repoConf.Interval,
		mirrorTimeout: repoConf.MirrorTimeout,
		gitGC:         repoConf.GitGC,
		auth:          repoConf.Auth,
		envs:          envs,
		workTreeLinks: make(map[string]*WorkTreeLink),
		stop:          make(chan bool),
		stopped:       make(chan bool),
		queueMirror:   make(chan struct{}, 1),
		log:           log,
	}

	for _, wtc := range repoConf.Worktrees {
		if err := m.AddWorktreeLink(wtc); err != nil {
			return nil, fmt.Errorf("unable to add worktree link: %w", err)
		}
	}

	return m, nil
}

// DirFor implements resolve()'s deterministic directory naming: hash the
// canonical URL and suffix it with .git, rooted under root/repo-mirrors.
func DirFor(root string, gURL *giturl.URL) string {
	return filepath.Join(DefaultMirrorRoot(root), gURL.Hash()+".git")
}

// DefaultMirrorRoot returns the dir under which all mirror directories for
// a given pool root are created.
func DefaultMirrorRoot(root string) string {
	return filepath.Join(root, "repo-mirrors")
}

// Remote returns the mirror's canonical remote URL.
func (m *Mirror) Remote() string { return m.remote }

// Directory returns the absolute path to the mirror's bare directory.
func (m *Mirror) Directory() string { return m.dir }

// GitURL returns the parsed remote URL.
func (m *Mirror) GitURL() *giturl.URL { return m.gitURL }

// AddWorktreeLink adds a worktree link to be maintained alongside the mirror.
func (m *Mirror) AddWorktreeLink(wtc WorktreeConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if wtc.Link == "" {
		return fmt.Errorf("symlink path cannot be empty")
	}
	if v, ok := m.workTreeLinks[wtc.Link]; ok {
		return fmt.Errorf("worktree with link already exists link:%s ref:%s", v.linkAbs, v.ref)
	}

	linkAbs := m.AbsoluteLink(wtc.Link)
	if wtc.Ref == "" {
		wtc.Ref = "HEAD"
	}

	wt := &WorkTreeLink{
		link:      wtc.Link,
		linkAbs:   linkAbs,
		ref:       wtc.Ref,
		pathspecs: wtc.Pathspecs,
		log:       m.log.With("worktree", wtc.Link),
	}
	slices.Sort(wt.pathspecs)

	m.workTreeLinks[wtc.Link] = wt
	return nil
}

// RemoveWorktreeLink removes a worktree link from the config; the actual
// symlink and checkout are removed as part of the next mirror cycle's
// cleanup so the change is atomic with respect to readers.
func (m *Mirror) RemoveWorktreeLink(link string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.workTreeLinks, link)
	return nil
}

// AbsoluteLink resolves link against the mirror's link root.
func (m *Mirror) AbsoluteLink(link string) string { return absLink(m.linkRoot, link) }

// WorktreeLinks returns a snapshot of the currently configured worktree links.
func (m *Mirror) WorktreeLinks() map[string]*WorkTreeLink {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return maps.Clone(m.workTreeLinks)
}

// IsRunning reports whether the mirror loop is currently active.
func (m *Mirror) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

// LastUsed returns the time of the last successful resolve (one per mirror
// cycle) or the last ReadLock, whichever is later. A compactor
// Options.IsExpired predicate can use it to decide expiry.
func (m *Mirror) LastUsed() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastUsed
}

// Invalidate marks the mirror unusable after a failed delete (e.g. a stale
// file handle kept the directory tree from being removed cleanly); the
// next resolve-equivalent access will attempt to re-create it.
func (m *Mirror) Invalidate() {
	m.mu.Lock()
	m.invalidated = true
	m.mu.Unlock()
}

// ReadLock acquires a shared read lock on the mirror's contents, used by
// the change collector, checkout-rules walker, and fetch coordinator's
// presence checks. It also records this as a use for expiry purposes.
func (m *Mirror) ReadLock(ctx context.Context) error {
	if err := m.locks.RRead(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	m.lastUsed = time.Now()
	m.mu.Unlock()
	return nil
}

func (m *Mirror) ReadUnlock() { m.locks.RUnread() }

// WriteLock acquires the exclusive content lock, used while fetching and
// by in-place gc.
func (m *Mirror) WriteLock(ctx context.Context) error { return m.locks.RWrite(ctx) }
func (m *Mirror) WriteUnlock()                        { m.locks.RUnwrite() }

// RunWithDisabledRemove holds rm.read for the duration of fn, blocking any
// concurrent delete of this mirror directory by the compactor.
func (m *Mirror) RunWithDisabledRemove(ctx context.Context, fn func() error) error {
	if err := m.locks.RRead(ctx); err != nil {
		return err
	}
	defer m.locks.RUnread()
	return fn()
}

// RunWithExclusiveLock holds the exclusive rm lock for the duration of fn,
// excluding every reader, writer and other remover on this mirror. Used by
// the compactor while renaming a compacted copy into place: a reader that
// opened the directory mid-rename would see a torn repository, so the swap
// needs the same exclusivity as a full Remove, not merely RunWithDisabledRemove's
// rm.read.
func (m *Mirror) RunWithExclusiveLock(ctx context.Context, fn func() error) error {
	if err := m.locks.Remove(ctx); err != nil {
		return err
	}
	defer m.locks.Unremove()
	return fn()
}

// Remove acquires the exclusive rm lock and deletes the mirror directory
// tree. Used by the compactor when a mirror has expired.
func (m *Mirror) Remove(ctx context.Context) error {
	if err := m.locks.Remove(ctx); err != nil {
		return err
	}
	defer m.locks.Unremove()

	for _, wt := range m.WorktreeLinks() {
		if err := os.Remove(wt.linkAbs); err != nil && !os.IsNotExist(err) {
			m.log.Error("unable to remove published link", "err", err)
		}
	}

	return os.RemoveAll(m.dir)
}

// StartLoop mirrors the repository periodically per its configured
// interval, until the supplied context is cancelled or StopLoop is called.
func (m *Mirror) StartLoop(ctx context.Context) {
	if m.IsRunning() {
		m.log.Error("mirror loop already started")
		return
	}

	m.mu.Lock()
	m.running = true
	m.mu.Unlock()

	m.log.Info("started mirror loop", "interval", m.interval)

	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
		close(m.stopped)
	}()

	for {
		time.Sleep(jitter(m.interval, 0.2))

		mCtx, cancel := context.WithTimeout(ctx, m.mirrorTimeout)
		err := m.Mirror(mCtx)
		cancel()
		recordMirror(m.gitURL.Repo, err == nil)

		t := time.NewTimer(m.interval)
		select {
		case <-t.C:
		case <-m.queueMirror:
			t.Stop()
			m.log.Debug("triggering queued mirror")
		case <-ctx.Done():
			m.log.Info("context cancelled, stopping mirror loop")
			return
		case <-m.stop:
			return
		}
	}
}

// QueueMirrorRun asks the mirror loop to run immediately instead of
// waiting for its next scheduled interval. A run already queued absorbs
// the request.
func (m *Mirror) QueueMirrorRun() {
	select {
	case m.queueMirror <- struct{}{}:
	default:
	}
}

// StopLoop stops the mirror loop and waits for the in-flight cycle, if
// any, to finish.
func (m *Mirror) StopLoop() {
	m.stop <- true
	<-m.stopped
	deleteMirrorMetrics(m.gitURL.Repo)
	m.log.Info("mirror loop stopped")
}

// Mirror runs one mirror cycle: resolve/init, fetch, ensure worktrees,
// cleanup.
func (m *Mirror) Mirror(ctx context.Context) error {
	if err := m.WriteLock(ctx); err != nil {
		return err
	}
	defer m.WriteUnlock()

	defer updateMirrorLatency(m.gitURL.Repo, time.Now())
	start := time.Now()

	if err := m.resolve(ctx); err != nil {
		m.log.Error("unable to resolve mirror directory", "err", err)
		return ErrMirrorFailed
	}
	m.mu.Lock()
	m.lastUsed = time.Now()
	m.mu.Unlock()

	refs, err := m.fetch(ctx)
	if err != nil {
		m.log.Error("unable to fetch", "err", err)
		return ErrMirrorFailed
	}
	fetchTime := time.Since(start)

	var wtErr error
	for _, wl := range m.WorktreeLinks() {
		if err := m.ensureWorktree(ctx, wl); err != nil {
			m.log.Error("unable to ensure worktree", "link", wl.link, "err", err)
			wtErr = ErrWorktreeFailed
		}
	}
	for _, wl := range m.WorktreeLinks() {
		if err := m.ensureWorktreeLink(wl); err != nil {
			m.log.Error("unable to ensure worktree link", "link", wl.link, "err", err)
			wtErr = ErrWorktreeFailed
		}
	}
	// a worktree error means the checkout state is ambiguous; skip
	// cleanup this cycle rather than risk pruning a link still in use.
	if wtErr != nil {
		return wtErr
	}

	m.cleanup(ctx)

	m.log.Debug("mirror cycle complete", "time", time.Since(start), "fetch-time", fetchTime, "updated-refs", len(refs))
	return nil
}

// resolve implements the directory manager's resolve() contract: create
// the bare mirror directory if it doesn't exist (or was invalidated), and
// record the canonical remote under TeamcityRemoteKey.
func (m *Mirror) resolve(ctx context.Context) error {
	m.mu.Lock()
	invalidated := m.invalidated
	m.invalidated = false
	m.mu.Unlock()

	_, err := os.Stat(m.dir)
	switch {
	case os.IsNotExist(err) || invalidated:
		m.log.Info("mirror directory missing or invalidated, creating", "path", m.dir)
		if err := os.MkdirAll(m.dir, defaultDirMode); err != nil {
			return fmt.Errorf("unable to create mirror dir: %w", err)
		}
	case err != nil:
		return fmt.Errorf("unable to stat mirror dir: %w", err)
	default:
		if m.sanityCheck(ctx) {
			m.log.Log(ctx, -8, "existing mirror directory is valid", "path", m.dir)
			return nil
		}
		m.log.Error("mirror directory failed checks, re-creating", "path", m.dir)
		if err := recreateDir(m.dir); err != nil {
			return fmt.Errorf("unable to re-create mirror dir: %w", err)
		}
	}

	if _, err := m.git(ctx, nil, "", gitcli.InitBare()...); err != nil {
		return fmt.Errorf("unable to init mirror dir: %w", err)
	}

	if _, err := m.git(ctx, nil, "", gitcli.RemoteAdd("origin", m.remote, gitcli.RemoteAddOpts{Mirror: "fetch"})...); err != nil {
		return fmt.Errorf("unable to set remote: %w", err)
	}

	if _, err := m.git(ctx, nil, "", gitcli.ConfigSet(TeamcityRemoteKey, m.gitURL.Canonical())...); err != nil {
		return fmt.Errorf("unable to record canonical remote: %w", err)
	}

	headBranch, err := m.remoteDefaultBranch(ctx)
	if err != nil {
		return fmt.Errorf("unable to get remote default branch: %w", err)
	}
	if _, err := m.git(ctx, nil, "", gitcli.SymbolicRef("HEAD", headBranch)...); err != nil {
		return fmt.Errorf("unable to set local HEAD: %w", err)
	}

	if !m.sanityCheck(ctx) {
		return fmt.Errorf("can't initialize mirror directory")
	}

	return nil
}

func (m *Mirror) remoteDefaultBranch(ctx context.Context) (string, error) {
	envs := m.authEnv(ctx)
	out, err := m.git(ctx, envs, "", gitcli.LsRemoteSymref("origin", "HEAD")...)
	if err != nil {
		return "", fmt.Errorf("unable to get default branch: %w", err)
	}
	sections := remoteDefaultBranchRgx.FindStringSubmatch(out)
	if len(sections) == 2 {
		return sections[1], nil
	}
	return "", fmt.Errorf("unable to parse ls-remote output: %s", out)
}

// sanityCheck verifies the on-disk directory still looks like a mirror of
// this remote: bare, rooted correctly, origin configured with the expected
// URL and mirror refspec, and internally consistent.
func (m *Mirror) sanityCheck(ctx context.Context) bool {
	if empty, err := dirIsEmpty(m.dir); err != nil {
		m.log.Error("can't list mirror directory", "path", m.dir, "err", err)
		return false
	} else if empty {
		return false
	}

	if ok, err := m.git(ctx, nil, "", gitcli.RevParse("--is-bare-repository")...); err != nil || ok != "true" {
		m.log.Error("mirror directory is not a bare repository", "path", m.dir, "err", err)
		return false
	}

	if root, err := m.git(ctx, nil, "", gitcli.RevParse("--absolute-git-dir")...); err != nil {
		m.log.Error("can't get mirror git dir", "path", m.dir, "err", err)
		return false
	} else if root != m.dir {
		m.log.Error("mirror directory is under another repo", "path", m.dir, "parent", root)
		return false
	}

	if stdout, err := m.git(ctx, nil, "", gitcli.ConfigGet("remote.origin.url")...); err != nil || stdout != m.remote {
		m.log.Error("mirror configured with a different remote url", "path", m.dir, "err", err)
		return false
	}

	if stdout, err := m.git(ctx, nil, "", gitcli.ConfigGet("remote.origin.fetch")...); err != nil || stdout != defaultRefSpec {
		m.log.Error("mirror configured with incorrect fetch refspec", "path", m.dir, "err", err)
		return false
	}

	if _, err := m.git(ctx, nil, "", gitcli.FsckConnectivityOnly()...); err != nil {
		m.log.Error("mirror fsck failed", "path", m.dir, "err", err)
		return false
	}

	return true
}

// fetch calls git fetch to update all references from origin.
func (m *Mirror) fetch(ctx context.Context) ([]string, error) {
	envs := m.authEnv(ctx)
	args := gitcli.Fetch(gitcli.FetchOpts{Remote: "origin", Prune: true, NoProgress: true, Porcelain: true, NoAutoGC: true})
	out, err := m.git(ctx, envs, "", args...)
	return updatedRefs(out), err
}

// FetchRefs fetches exactly refspecs from origin, under the mirror's write
// lock. Used by the fetch coordinator for targeted, minimal fetches rather
// than the full periodic mirror cycle's default-refspec fetch.
func (m *Mirror) FetchRefs(ctx context.Context, refspecs []string) error {
	if err := m.WriteLock(ctx); err != nil {
		return err
	}
	defer m.WriteUnlock()

	envs := m.authEnv(ctx)
	args := gitcli.Fetch(gitcli.FetchOpts{Remote: "origin", RefSpecs: refspecs, NoProgress: true, NoAutoGC: true})
	_, err := m.git(ctx, envs, "", args...)
	return err
}

// Hash returns the hash of ref (and path, if given) inside the mirror.
func (m *Mirror) Hash(ctx context.Context, ref, path string) (string, error) {
	if err := m.tryReadLockWithContext(ctx); err != nil {
		return "", err
	}
	defer m.ReadUnlock()
	return m.hash(ctx, ref, path)
}

func (m *Mirror) hash(ctx context.Context, ref, path string) (string, error) {
	args := []string{"log", "--pretty=format:%H", "-n", "1", ref}
	if path != "" {
		args = append(args, "--", path)
	}
	return m.git(ctx, nil, "", args...)
}

// tryReadLockWithContext polls the non-blocking TryRRead so that a caller with a short
// deadline doesn't queue behind a long-running writer (e.g. copy-swap gc)
// indefinitely.
func (m *Mirror) tryReadLockWithContext(ctx context.Context) error {
	for {
		if m.locks.TryRRead() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			time.Sleep(time.Second)
		}
	}
}

// ObjectExists reports whether obj resolves to a valid object in the mirror.
func (m *Mirror) ObjectExists(ctx context.Context, obj string) error {
	if err := m.tryReadLockWithContext(ctx); err != nil {
		return err
	}
	defer m.ReadUnlock()
	_, err := m.git(ctx, nil, "", "cat-file", "-e", obj)
	return err
}

// git runs a git command with the mirror's env, defaulting cwd to the
// mirror directory.
func (m *Mirror) git(ctx context.Context, envs []string, cwd string, args ...string) (string, error) {
	if cwd == "" {
		cwd = m.dir
	}
	f := m.facade
	f.Env = append(append([]string{}, m.envs...), envs...)
	res, err := f.Run(ctx, cwd, defaultIdleTimeout, m.mirrorTimeout, args...)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}
