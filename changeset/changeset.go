// Package changeset implements the Change Collector (component E):
// computing an ordered list of Modification Records between two state
// snapshots of a mirror, recursing into submodules and applying checkout
// rules as a display-time filter only.
package changeset

import (
	"container/heap"
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/hashicorp/go-set/v3"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/utils/merkletrie"

	"github.com/coreforge/gitmirror/checkoutwalk"
	"github.com/coreforge/gitmirror/fetch"
	"github.com/coreforge/gitmirror/mirror"
	"github.com/coreforge/gitmirror/submodule"
)

// ChangeType is the kind of change a single path underwent in a commit.
type ChangeType string

const (
	ChangeAdded       ChangeType = "ADDED"
	ChangeRemoved     ChangeType = "REMOVED"
	ChangeModified    ChangeType = "MODIFIED"
	ChangeCopied      ChangeType = "COPIED"
	ChangeRenamed     ChangeType = "RENAMED"
	ChangeTypeChanged ChangeType = "TYPE_CHANGED"
)

// FileChange describes one path's change within a commit.
type FileChange struct {
	Path string
	// OldPath is the source path for a RENAMED or COPIED change, empty
	// otherwise.
	OldPath     string
	Type        ChangeType
	IsSubmodule bool
	// Submodule holds the recursively-collected records for this path,
	// populated only when IsSubmodule and the pointer changed in this
	// commit.
	Submodule []ModificationRecord
}

// ModificationRecord is a commit with its metadata and per-path change
// kinds: (commitSha, parents, author, committer, timestamp, message,
// fileChanges).
type ModificationRecord struct {
	CommitSha   string
	ParentShas  []string
	Author      object.Signature
	Committer   object.Signature
	Timestamp   time.Time
	Message     string
	// FileChanges is sorted by Path.
	FileChanges []FileChange
}

// Options configures a CollectChanges call.
type Options struct {
	Rules checkoutwalk.Rules
}

// Collector computes Modification Records for a single mirror, delegating
// presence-guaranteeing fetches to a fetch.Coordinator and submodule
// pointer resolution to a submodule.Resolver.
type Collector struct {
	fetcher  *fetch.Coordinator
	resolver *submodule.Resolver
}

// New returns a Collector backed by fetcher and resolver.
func New(fetcher *fetch.Coordinator, resolver *submodule.Resolver) *Collector {
	return &Collector{fetcher: fetcher, resolver: resolver}
}

// CollectChanges returns the ordered Modification Records visible walking
// from 'from' to 'to' in m, in reverse-topological order (children before
// parents). If every sha in 'from' is absent even after an ensure-present
// fetch, it logs nothing failure-shaped and returns an empty list rather
// than erroring - per spec.md §4.E point 1.
func (c *Collector) CollectChanges(ctx context.Context, m *mirror.Mirror, from, to fetch.Snapshot, opts Options) ([]ModificationRecord, error) {
	var records []ModificationRecord
	err := m.RunWithDisabledRemove(ctx, func() error {
		combined := make(fetch.Snapshot, len(from)+len(to))
		for k, v := range from {
			combined[k] = v
		}
		for k, v := range to {
			combined[k] = v
		}
		if err := c.fetcher.EnsurePresent(ctx, m, combined, fetch.Options{ThrowIfMissingAfterFetch: false, Retries: 1}); err != nil {
			return err
		}

		repo, err := git.PlainOpen(m.Directory())
		if err != nil {
			return fmt.Errorf("unable to open mirror %s: %w", m.Directory(), err)
		}

		anyFromPresent := false
		for _, sha := range from {
			if _, cErr := repo.CommitObject(parseHash(sha)); cErr == nil {
				anyFromPresent = true
				break
			}
		}
		if len(from) > 0 && !anyFromPresent {
			return nil
		}

		recs, err := c.walk(ctx, m.Remote(), repo, from, to, opts)
		records = recs
		return err
	})
	return records, err
}

func (c *Collector) walk(ctx context.Context, repoURL string, repo *git.Repository, from, to fetch.Snapshot, opts Options) ([]ModificationRecord, error) {
	uninteresting, err := ancestorSet(repo, from)
	if err != nil {
		return nil, err
	}

	pq := &commitHeap{}
	visited := set.New[string](0)
	for _, sha := range to {
		commit, cErr := repo.CommitObject(parseHash(sha))
		if cErr != nil {
			continue
		}
		if visited.Insert(commit.Hash.String()) {
			heap.Push(pq, commit)
		}
	}

	var records []ModificationRecord
	for pq.Len() > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		commit := heap.Pop(pq).(*object.Commit)

		if uninteresting.Contains(commit.Hash.String()) {
			continue
		}

		changes, cErr := combinedChanges(commit)
		if cErr != nil {
			return nil, cErr
		}

		var fileChanges []FileChange
		for _, ch := range changes {
			if !opts.Rules.Included(ch.Path) {
				continue
			}

			if ch.IsSubmodule {
				subRecs, sErr := c.collectSubmoduleRange(ctx, repoURL, commit, ch.Path)
				if sErr != nil {
					return nil, fmt.Errorf("submodule recursion for %s at %s: %w", ch.Path, commit.Hash, sErr)
				}
				ch.Submodule = subRecs
			}
			fileChanges = append(fileChanges, ch)
		}

		if len(fileChanges) > 0 {
			sort.Slice(fileChanges, func(i, j int) bool { return fileChanges[i].Path < fileChanges[j].Path })
			records = append(records, ModificationRecord{
				CommitSha:   commit.Hash.String(),
				ParentShas:  parentShas(commit),
				Author:      commit.Author,
				Committer:   commit.Committer,
				Timestamp:   commit.Committer.When,
				Message:     commit.Message,
				FileChanges: fileChanges,
			})
		}

		err = commit.Parents().ForEach(func(p *object.Commit) error {
			if uninteresting.Contains(p.Hash.String()) {
				return nil
			}
			if visited.Insert(p.Hash.String()) {
				heap.Push(pq, p)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	return records, nil
}

// collectSubmoduleRange resolves the submodule's old/new pointer commits
// around commit's change to path, and recursively collects changes in the
// submodule's own mirror across that range.
func (c *Collector) collectSubmoduleRange(ctx context.Context, repoURL string, commit *object.Commit, path string) ([]ModificationRecord, error) {
	newSha, hasNew, err := submodulePointerAt(commit, path)
	if err != nil {
		return nil, err
	}
	if !hasNew {
		return nil, nil // submodule removed in this commit, nothing to recurse into
	}

	subURL, err := c.resolver.SubmoduleURL(repoURL, commit, path)
	if err != nil {
		return nil, err
	}

	subMirror, err := c.resolver.ResolveMirror(subURL)
	if err != nil {
		return nil, err
	}

	to := fetch.Snapshot{path: newSha}
	from := fetch.Snapshot{}

	if err := commit.Parents().ForEach(func(p *object.Commit) error {
		if oldSha, ok, pErr := submodulePointerAt(p, path); pErr == nil && ok {
			from[path] = oldSha
		}
		return nil
	}); err != nil {
		return nil, err
	}

	return c.CollectChanges(ctx, subMirror, from, to, Options{})
}

// submodulePointerAt returns the submodule pointer sha recorded at path in
// commit's tree, if path is present and is a gitlink entry.
func submodulePointerAt(commit *object.Commit, path string) (string, bool, error) {
	tree, err := commit.Tree()
	if err != nil {
		return "", false, err
	}
	entry, err := tree.FindEntry(path)
	if err != nil {
		return "", false, nil
	}
	if entry.Mode != filemode.Submodule {
		return "", false, nil
	}
	return entry.Hash.String(), true, nil
}

// combinedChanges returns the changed paths for commit: a plain diff
// against its single parent, the full tree for a root commit, or the
// standard combined-diff intersection across all parents for a merge -
// paths are emitted only when they differ from every parent.
func combinedChanges(commit *object.Commit) ([]FileChange, error) {
	if commit.NumParents() == 0 {
		return rootChanges(commit)
	}
	if commit.NumParents() == 1 {
		parent, err := commit.Parent(0)
		if err != nil {
			return nil, err
		}
		return diffAgainst(parent, commit)
	}

	var perParent [][]FileChange
	if err := commit.Parents().ForEach(func(p *object.Commit) error {
		changes, err := diffAgainst(p, commit)
		if err != nil {
			return err
		}
		perParent = append(perParent, changes)
		return nil
	}); err != nil {
		return nil, err
	}

	return intersectByPath(perParent), nil
}

func rootChanges(commit *object.Commit) ([]FileChange, error) {
	tree, err := commit.Tree()
	if err != nil {
		return nil, err
	}
	var changes []FileChange
	err = tree.Files().ForEach(func(f *object.File) error {
		changes = append(changes, FileChange{Path: f.Name, Type: ChangeAdded, IsSubmodule: f.Mode == filemode.Submodule})
		return nil
	})
	return changes, err
}

// rawChange is a raw insert/delete side of a tree diff, kept around long
// enough to pair matching content across paths (rename/copy detection).
type rawChange struct {
	path string
	hash plumbing.Hash
	mode filemode.FileMode
}

// emptyBlobHash is git's hash for a zero-byte blob. It is excluded from
// rename/copy matching: two unrelated empty files (stub packages, .gitkeep
// markers) are the single most common way an exact-content-match heuristic
// would otherwise fabricate an OldPath between files that share no actual
// history.
var emptyBlobHash = plumbing.NewHash("e69de29bb2d1d6434b8b29ae775ad8c2e48c5391")

// diffAgainst classifies every change between parent and commit's trees
// into a FileChange, including a best-effort RENAMED/COPIED detection:
// an insert whose blob content exactly matches a delete in the same diff
// is a rename; an insert whose blob content exactly matches an unrelated,
// still-present path in the parent tree is a copy. This is an exact
// content-match heuristic, not git's own similarity-index rename
// detection, but it is what go-git's plain DiffTree gives us to work
// with. The empty blob is excluded from matching: two unrelated empty
// files are not a rename or copy of each other.
func diffAgainst(parent, commit *object.Commit) ([]FileChange, error) {
	pt, err := parent.Tree()
	if err != nil {
		return nil, err
	}
	ct, err := commit.Tree()
	if err != nil {
		return nil, err
	}

	diff, err := object.DiffTree(pt, ct)
	if err != nil {
		return nil, err
	}

	var inserts, deletes []rawChange
	var changes []FileChange

	for _, ch := range diff {
		action, aErr := ch.Action()
		if aErr != nil {
			return nil, aErr
		}

		switch action {
		case merkletrie.Insert:
			inserts = append(inserts, rawChange{path: ch.To.Name, hash: ch.To.TreeEntry.Hash, mode: ch.To.TreeEntry.Mode})
		case merkletrie.Delete:
			deletes = append(deletes, rawChange{path: ch.From.Name, hash: ch.From.TreeEntry.Hash, mode: ch.From.TreeEntry.Mode})
		default:
			typ := ChangeModified
			if ch.From.TreeEntry.Mode != ch.To.TreeEntry.Mode {
				typ = ChangeTypeChanged
			}
			changes = append(changes, FileChange{
				Path:        ch.To.Name,
				Type:        typ,
				IsSubmodule: ch.To.TreeEntry.Mode == filemode.Submodule || ch.From.TreeEntry.Mode == filemode.Submodule,
			})
		}
	}

	deleteConsumed := make([]bool, len(deletes))
	var unmatchedInserts []rawChange

	for _, ins := range inserts {
		matched := false
		if ins.hash == emptyBlobHash {
			unmatchedInserts = append(unmatchedInserts, ins)
			continue
		}
		for i, del := range deletes {
			if deleteConsumed[i] || del.hash != ins.hash {
				continue
			}
			deleteConsumed[i] = true
			matched = true
			changes = append(changes, FileChange{
				Path:        ins.path,
				OldPath:     del.path,
				Type:        ChangeRenamed,
				IsSubmodule: ins.mode == filemode.Submodule,
			})
			break
		}
		if !matched {
			unmatchedInserts = append(unmatchedInserts, ins)
		}
	}

	if len(unmatchedInserts) > 0 {
		parentByHash, pErr := blobHashIndex(pt)
		if pErr != nil {
			return nil, pErr
		}
		for _, ins := range unmatchedInserts {
			if origin, ok := parentByHash[ins.hash]; ok && origin != ins.path && ins.hash != emptyBlobHash {
				changes = append(changes, FileChange{
					Path:        ins.path,
					OldPath:     origin,
					Type:        ChangeCopied,
					IsSubmodule: ins.mode == filemode.Submodule,
				})
				continue
			}
			changes = append(changes, FileChange{Path: ins.path, Type: ChangeAdded, IsSubmodule: ins.mode == filemode.Submodule})
		}
	}

	for i, del := range deletes {
		if deleteConsumed[i] {
			continue
		}
		changes = append(changes, FileChange{Path: del.path, Type: ChangeRemoved, IsSubmodule: del.mode == filemode.Submodule})
	}

	return changes, nil
}

// blobHashIndex maps every blob hash in t to one path carrying it, for
// copy-origin lookups.
func blobHashIndex(t *object.Tree) (map[plumbing.Hash]string, error) {
	idx := map[plumbing.Hash]string{}
	err := t.Files().ForEach(func(f *object.File) error {
		idx[f.Hash] = f.Name
		return nil
	})
	return idx, err
}

// intersectByPath keeps only the paths present in every per-parent change
// set - the combined-diff merge rule.
func intersectByPath(perParent [][]FileChange) []FileChange {
	if len(perParent) == 0 {
		return nil
	}

	counts := map[string]int{}
	byPath := map[string]FileChange{}
	for _, changes := range perParent {
		seen := map[string]bool{}
		for _, ch := range changes {
			if seen[ch.Path] {
				continue
			}
			seen[ch.Path] = true
			counts[ch.Path]++
			byPath[ch.Path] = ch
		}
	}

	var out []FileChange
	for path, n := range counts {
		if n == len(perParent) {
			out = append(out, byPath[path])
		}
	}
	return out
}

func parentShas(c *object.Commit) []string {
	shas := make([]string, 0, c.NumParents())
	for _, h := range c.ParentHashes {
		shas = append(shas, h.String())
	}
	return shas
}

// ancestorSet returns the set of commits reachable from snapshot's shas,
// inclusive - the "uninteresting" set that bounds the walk.
func ancestorSet(repo *git.Repository, snapshot fetch.Snapshot) (*set.Set[string], error) {
	seen := set.New[string](0)
	queue := make([]*object.Commit, 0, len(snapshot))
	for _, sha := range snapshot {
		commit, err := repo.CommitObject(parseHash(sha))
		if err != nil {
			continue // absent from-shas are handled by the caller
		}
		if seen.Insert(commit.Hash.String()) {
			queue = append(queue, commit)
		}
	}

	for len(queue) > 0 {
		c := queue[0]
		queue = queue[1:]
		err := c.Parents().ForEach(func(p *object.Commit) error {
			if seen.Insert(p.Hash.String()) {
				queue = append(queue, p)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	return seen, nil
}

func parseHash(sha string) plumbing.Hash { return plumbing.NewHash(sha) }

// commitHeap is a max-heap over commit time, the same reverse-topological
// visit strategy used by checkoutwalk.Walker.
type commitHeap []*object.Commit

func (h commitHeap) Len() int { return len(h) }
func (h commitHeap) Less(i, j int) bool {
	return h[i].Committer.When.After(h[j].Committer.When)
}
func (h commitHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *commitHeap) Push(x any) { *h = append(*h, x.(*object.Commit)) }
func (h *commitHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
