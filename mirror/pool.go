package mirror

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/coreforge/gitmirror/giturl"
)

var (
	ErrExist    = fmt.Errorf("mirror already exists")
	ErrNotExist = fmt.Errorf("mirror does not exist")
)

// Pool is the collection of mirrored repositories loaded from a single
// PoolConfig. A Pool is safe for concurrent use by multiple goroutines.
type Pool struct {
	ctx context.Context

	// mu guards the mirrors slice; it has no rm/read/write distinction,
	// unlike a Mirror's own lock.Set.
	mu         sync.RWMutex
	log        *slog.Logger
	mirrors    []*Mirror
	commonEnvs []string
	defaults   DefaultConfig

	// Stopped is closed once every mirror loop has exited after the
	// pool's context is cancelled.
	Stopped chan bool
}

// NewPool builds mirrors for every repository in conf. None are fetched
// until Mirror, MirrorAll or StartLoop is called.
func NewPool(ctx context.Context, conf PoolConfig, log *slog.Logger, commonEnvs []string) (*Pool, error) {
	if err := conf.ValidateAndApplyDefaults(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}

	poolCtx, cancel := context.WithCancel(ctx)

	p := &Pool{
		ctx:        poolCtx,
		log:        log,
		commonEnvs: commonEnvs,
		defaults:   conf.Defaults,
		Stopped:    make(chan bool),
	}

	go func() {
		defer close(p.Stopped)
		<-ctx.Done()
		cancel()

		for {
			time.Sleep(time.Second)
			var running bool
			p.mu.RLock()
			for _, m := range p.mirrors {
				if m.IsRunning() {
					running = true
					break
				}
			}
			p.mu.RUnlock()
			if !running {
				return
			}
		}
	}()

	for _, repoConf := range conf.Repositories {
		if err := p.AddMirror(repoConf); err != nil {
			return nil, err
		}
	}

	return p, nil
}

// AddMirror adds a new mirror to the pool. It is not fetched until Mirror,
// MirrorAll or StartLoop is called. Any field left zero on conf is filled
// in from the pool's defaults, the same way PoolConfig.applyDefaults fills
// in a freshly-loaded config's repositories - needed because callers like
// submodule.Resolver only ever know a bare remote URL, never a full,
// already-defaulted MirrorConfig.
func (p *Pool) AddMirror(conf MirrorConfig) error {
	remoteURL := giturl.NormaliseURL(conf.Remote)
	if m, _ := p.find(remoteURL); m != nil {
		return ErrExist
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	conf = p.applyDefaults(conf)
	if err := conf.PopulateEmptyLinkPaths(); err != nil {
		return fmt.Errorf("unable to populate worktree link paths: %w", err)
	}

	m, err := New(conf, "", p.commonEnvs, p.log)
	if err != nil {
		return err
	}
	p.mirrors = append(p.mirrors, m)
	return nil
}

// applyDefaults fills any zero-valued field on conf from the pool's
// defaults, mirroring PoolConfig.applyDefaults's per-repository pass.
func (p *Pool) applyDefaults(conf MirrorConfig) MirrorConfig {
	if conf.Root == "" {
		conf.Root = p.defaults.Root
	}
	if conf.LinkRoot == "" {
		conf.LinkRoot = p.defaults.LinkRoot
		if conf.LinkRoot == "" {
			conf.LinkRoot = conf.Root
		}
	}
	if conf.Interval == 0 {
		conf.Interval = p.defaults.Interval
	}
	if conf.MirrorTimeout == 0 {
		conf.MirrorTimeout = p.defaults.MirrorTimeout
	}
	if conf.GitGC == "" {
		conf.GitGC = p.defaults.GitGC
	}
	if (conf.Auth == Auth{}) {
		conf.Auth = p.defaults.Auth
	}
	return conf
}

// MirrorAll runs one mirror cycle on every mirror in the pool, in
// foreground, each bounded by timeout. Intended for the first cycle at
// process start so the pool is known-good before serving traffic.
func (p *Pool) MirrorAll(ctx context.Context, timeout time.Duration) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, m := range p.mirrors {
		mCtx, cancel := context.WithTimeout(ctx, timeout)
		err := m.Mirror(mCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("mirror %s failed: %w", m.remote, err)
		}
	}
	return nil
}

// Mirror runs one mirror cycle on the named remote.
func (p *Pool) Mirror(ctx context.Context, remote string) error {
	m, err := p.Find(remote)
	if err != nil {
		return err
	}
	return m.Mirror(ctx)
}

// StartLoop starts the periodic mirror loop on every mirror not already
// running.
func (p *Pool) StartLoop() {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, m := range p.mirrors {
		if !m.IsRunning() {
			go m.StartLoop(p.ctx)
		}
	}
}

func (p *Pool) find(remote string) (*Mirror, error) {
	gURL, err := giturl.Parse(remote)
	if err != nil {
		return nil, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, m := range p.mirrors {
		if m.gitURL.Equals(gURL) {
			return m, nil
		}
	}
	return nil, ErrNotExist
}

// Find returns the Mirror for remote, or ErrNotExist.
func (p *Pool) Find(remote string) (*Mirror, error) { return p.find(remote) }

// Remotes returns the canonical remote URL of every mirror in the pool.
func (p *Pool) Remotes() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	urls := make([]string, 0, len(p.mirrors))
	for _, m := range p.mirrors {
		urls = append(urls, m.remote)
	}
	return urls
}

// Mirrors returns every Mirror currently in the pool, for callers (the
// compactor) that need more than just remotes or directories.
func (p *Pool) Mirrors() []*Mirror {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]*Mirror, len(p.mirrors))
	copy(out, p.mirrors)
	return out
}

// Directories returns the absolute directory path of every mirror in the pool.
func (p *Pool) Directories() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	paths := make([]string, 0, len(p.mirrors))
	for _, m := range p.mirrors {
		paths = append(paths, m.dir)
	}
	return paths
}

// AddWorktreeLink adds a worktree link to the named mirror, rejecting it if
// its absolute link path collides with one already in use by any mirror in
// the pool (links from different mirrors may share a root).
func (p *Pool) AddWorktreeLink(remote string, wt WorktreeConfig) error {
	m, err := p.find(remote)
	if err != nil {
		return err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	if err := p.validateLinkPath(m, wt.Link); err != nil {
		return err
	}
	return m.AddWorktreeLink(wt)
}

func (p *Pool) validateLinkPath(m *Mirror, link string) error {
	newAbsLink := m.AbsoluteLink(link)
	for _, other := range p.mirrors {
		for _, wl := range other.WorktreeLinks() {
			if wl.linkAbs == newAbsLink {
				return fmt.Errorf("overlapping worktree link path, mirror:%s path:%s", other.gitURL.Repo, wl.linkAbs)
			}
		}
	}
	return nil
}

// RemoveWorktreeLink removes a worktree link from the named mirror.
func (p *Pool) RemoveWorktreeLink(remote, link string) error {
	m, err := p.find(remote)
	if err != nil {
		return err
	}
	return m.RemoveWorktreeLink(link)
}

// RemoveMirror stops and deletes the named mirror, including its published
// worktree links.
func (p *Pool) RemoveMirror(remote string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, m := range p.mirrors {
		if m.remote != remote {
			continue
		}

		p.log.Info("removing mirror", "remote", m.remote)
		p.mirrors = slices.Delete(p.mirrors, i, i+1)

		if m.IsRunning() {
			m.StopLoop()
		}

		for _, wt := range m.WorktreeLinks() {
			if err := os.Remove(wt.linkAbs); err != nil && !os.IsNotExist(err) {
				p.log.Error("unable to remove published link", "err", err)
			}
		}

		return os.RemoveAll(m.dir)
	}

	return ErrNotExist
}

// Hash, ObjectExists are thin wrappers around the named mirror's methods,
// kept on Pool so a caller holding only a remote URL doesn't need to look
// up the Mirror itself for one-off calls.
func (p *Pool) Hash(ctx context.Context, remote, ref, path string) (string, error) {
	m, err := p.Find(remote)
	if err != nil {
		return "", err
	}
	return m.Hash(ctx, ref, path)
}

func (p *Pool) ObjectExists(ctx context.Context, remote, obj string) error {
	m, err := p.Find(remote)
	if err != nil {
		return err
	}
	return m.ObjectExists(ctx, obj)
}

// QueueMirrorRun is a thin wrapper around the named mirror's QueueMirrorRun.
func (p *Pool) QueueMirrorRun(remote string) error {
	m, err := p.Find(remote)
	if err != nil {
		return err
	}
	m.QueueMirrorRun()
	return nil
}
