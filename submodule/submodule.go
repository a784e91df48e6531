// Package submodule implements the Submodule Resolver (component F):
// resolving a submodule pointer recorded in a parent commit to a commit
// object inside the submodule's own mirror, fetching the sub-mirror on
// demand, and reporting precisely which of (.gitmodules, entry, commit) was
// missing.
//
// Grounded on go-git's object/config packages (the only git library in the
// pack wired for in-process tree/commit/config reads - see changeset/ for
// the rest of the Change Collector, which shares this dependency).
package submodule

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/coreforge/gitmirror/mirror"
)

// ErrKind distinguishes why a submodule commit couldn't be resolved.
type ErrKind string

const (
	ErrMissingConfig ErrKind = "SUBMODULE_MISSING_CONFIG"
	ErrMissingEntry  ErrKind = "SUBMODULE_MISSING_ENTRY"
	ErrMissingCommit ErrKind = "SUBMODULE_MISSING_COMMIT"
)

// Error precisely identifies a submodule resolution failure, so the caller
// (the Change Collector) can report it without re-deriving this context.
type Error struct {
	Kind             ErrKind
	MainRepoURL      string
	MainCommitSha    string
	SubmodulePath    string
	SubmoduleURL     string
	SubmoduleCommit  string
	Cause            error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: repo=%s commit=%s path=%s subURL=%s subSha=%s: %v",
		e.Kind, e.MainRepoURL, e.MainCommitSha, e.SubmodulePath, e.SubmoduleURL, e.SubmoduleCommit, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// Resolver resolves submodule pointers against a pool of mirrors, creating
// and fetching sub-mirrors on demand. A Resolver is safe for concurrent use.
type Resolver struct {
	pool *mirror.Pool
}

// New returns a Resolver that obtains sub-mirrors from pool, adding new ones
// as submodules not already mirrored are encountered.
func New(pool *mirror.Pool) *Resolver {
	return &Resolver{pool: pool}
}

// GetSubmoduleCommit resolves pathInParent's submodule pointer, recorded at
// pointerSha in parentCommit (read from the mirror identified by
// parentRepoURL), to a commit object in the submodule's own mirror.
func (r *Resolver) GetSubmoduleCommit(ctx context.Context, parentRepoURL string, parentCommit *object.Commit, pathInParent, pointerSha string) (*object.Commit, error) {
	subURL, err := r.resolveSubmoduleURL(parentRepoURL, parentCommit, pathInParent)
	if err != nil {
		kind := ErrMissingConfig
		if errors.Is(err, errNoEntry) {
			kind = ErrMissingEntry
		}
		return nil, &Error{
			Kind:          kind,
			MainRepoURL:   parentRepoURL,
			MainCommitSha: parentCommit.Hash.String(),
			SubmodulePath: pathInParent,
			Cause:         err,
		}
	}

	subMirror, err := r.ensureSubMirror(subURL)
	if err != nil {
		return nil, &Error{
			Kind:            ErrMissingCommit,
			MainRepoURL:     parentRepoURL,
			MainCommitSha:   parentCommit.Hash.String(),
			SubmodulePath:   pathInParent,
			SubmoduleURL:    subURL,
			SubmoduleCommit: pointerSha,
			Cause:           err,
		}
	}

	commit, err := r.commitAt(ctx, subMirror, pointerSha)
	if err == nil {
		return commit, nil
	}

	// not present yet; trigger a fetch of the sub-mirror and retry once.
	if mErr := subMirror.Mirror(ctx); mErr != nil {
		return nil, &Error{
			Kind:            ErrMissingCommit,
			MainRepoURL:     parentRepoURL,
			MainCommitSha:   parentCommit.Hash.String(),
			SubmodulePath:   pathInParent,
			SubmoduleURL:    subURL,
			SubmoduleCommit: pointerSha,
			Cause:           mErr,
		}
	}

	commit, err = r.commitAt(ctx, subMirror, pointerSha)
	if err != nil {
		return nil, &Error{
			Kind:            ErrMissingCommit,
			MainRepoURL:     parentRepoURL,
			MainCommitSha:   parentCommit.Hash.String(),
			SubmodulePath:   pathInParent,
			SubmoduleURL:    subURL,
			SubmoduleCommit: pointerSha,
			Cause:           err,
		}
	}

	return commit, nil
}

// errNoEntry marks a readable .gitmodules that has no entry for the
// requested path.
var errNoEntry = errors.New("no .gitmodules entry")

// resolveSubmoduleURL reads .gitmodules at parentCommit and resolves the
// entry for pathInParent's remote URL, against parentRepoURL (callers pass
// the parent mirror's Remote()) if the entry's URL is relative.
func (r *Resolver) resolveSubmoduleURL(parentRepoURL string, parentCommit *object.Commit, pathInParent string) (string, error) {
	f, err := parentCommit.File(".gitmodules")
	if err != nil {
		return "", fmt.Errorf("no .gitmodules at commit %s: %w", parentCommit.Hash, err)
	}

	content, err := f.Contents()
	if err != nil {
		return "", fmt.Errorf("unable to read .gitmodules: %w", err)
	}

	modules := config.NewModules()
	if err := modules.Unmarshal([]byte(content)); err != nil {
		return "", fmt.Errorf("unable to parse .gitmodules: %w", err)
	}

	var entry *config.Submodule
	for _, sm := range modules.Submodules {
		if sm.Path == pathInParent {
			entry = sm
			break
		}
	}
	if entry == nil {
		return "", fmt.Errorf("%w for path %q", errNoEntry, pathInParent)
	}

	return resolveRelativeURL(parentRepoURL, entry.URL), nil
}

// resolveRelativeURL resolves a submodule URL that may be relative (e.g.
// "../sibling.git") against the parent's canonical remote URL.
func resolveRelativeURL(parentURL, subURL string) string {
	if !strings.HasPrefix(subURL, "../") && !strings.HasPrefix(subURL, "./") {
		return subURL
	}

	base := strings.TrimSuffix(parentURL, "/")
	rel := subURL
	for strings.HasPrefix(rel, "../") {
		if idx := strings.LastIndex(base, "/"); idx >= 0 {
			base = base[:idx]
		}
		rel = strings.TrimPrefix(rel, "../")
	}
	rel = strings.TrimPrefix(rel, "./")

	return base + "/" + rel
}

// SubmoduleURL resolves pathInParent's submodule remote URL at parentCommit,
// without fetching or resolving a commit. Exposed for callers (the Change
// Collector) that need the URL to recurse without re-deriving a pointer sha.
func (r *Resolver) SubmoduleURL(parentRepoURL string, parentCommit *object.Commit, pathInParent string) (string, error) {
	return r.resolveSubmoduleURL(parentRepoURL, parentCommit, pathInParent)
}

// ResolveMirror returns the mirror for a submodule's remote URL, adding it
// to the pool if this is the first time it's been seen. Recursion into
// nested submodules is handled structurally: the same Resolver is reentrant
// over any repo URL, so there is no separate "child resolver" object - a
// nested submodule's entries resolve against its own mirror the same way
// the top-level ones resolve against the parent's.
func (r *Resolver) ResolveMirror(subURL string) (*mirror.Mirror, error) {
	return r.ensureSubMirror(subURL)
}

// ensureSubMirror returns the mirror for subURL, adding it to the pool with
// the pool's defaults if it isn't already known - this is how submodule
// recursion terminates: each distinct submodule URL gets its own mirror, so
// a cycle back to an already-mirrored URL just reuses it.
func (r *Resolver) ensureSubMirror(subURL string) (*mirror.Mirror, error) {
	if m, err := r.pool.Find(subURL); err == nil {
		return m, nil
	}

	if err := r.pool.AddMirror(mirror.MirrorConfig{Remote: subURL}); err != nil {
		return nil, err
	}
	return r.pool.Find(subURL)
}

func (r *Resolver) commitAt(ctx context.Context, m *mirror.Mirror, sha string) (*object.Commit, error) {
	if err := m.ObjectExists(ctx, sha); err != nil {
		return nil, err
	}

	repo, err := git.PlainOpen(m.Directory())
	if err != nil {
		return nil, fmt.Errorf("unable to open mirror %s: %w", m.Directory(), err)
	}

	return repo.CommitObject(plumbing.NewHash(sha))
}
