// Package checkoutwalk implements the Checkout-Rules Walker (component G):
// walking history backward from a start commit to find the most recent
// commit whose changes are visible under a path-inclusion/exclusion
// predicate, stopping descent at a configured set of commits.
package checkoutwalk

import (
	"container/heap"
	"context"
	"fmt"

	"github.com/hashicorp/go-set/v3"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/format/gitignore"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
)

// Rules is a path-inclusion/exclusion predicate, expressed as an ordered
// list of gitignore-style patterns - the same matching semantics git itself
// uses for non-cone sparse-checkout. The last matching pattern wins; a path
// is included unless some pattern excludes it.
type Rules struct {
	patterns []gitignore.Pattern
}

// NewRules builds a Rules predicate from gitignore-style pattern lines, e.g.
// "/vendor/" to exclude a directory or "!/vendor/keep.go" to re-include a
// path under an excluded directory.
func NewRules(lines []string) Rules {
	r := Rules{patterns: make([]gitignore.Pattern, 0, len(lines))}
	for _, l := range lines {
		if l == "" {
			continue
		}
		r.patterns = append(r.patterns, gitignore.ParsePattern(l, nil))
	}
	return r
}

// Included reports whether path is visible under these rules. An empty
// rule set includes everything.
func (r Rules) Included(path string) bool {
	if len(r.patterns) == 0 {
		return true
	}

	parts := splitPath(path)
	result := gitignore.NoMatch
	for _, p := range r.patterns {
		if m := p.Match(parts, false); m != gitignore.NoMatch {
			result = m
		}
	}
	return result != gitignore.Exclude
}

func splitPath(path string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(path); i++ {
		if path[i] == '/' {
			if i > start {
				parts = append(parts, path[start:i])
			}
			start = i + 1
		}
	}
	if start < len(path) {
		parts = append(parts, path[start:])
	}
	return parts
}

// Result is the outcome of a LatestMatching walk.
type Result struct {
	// MatchingSha is the first (most recent) commit whose changes are
	// visible under the rules; empty if none was found.
	MatchingSha string
	// ReachedStops holds the stop shas actually reached during the walk.
	ReachedStops []string
	// ClosestPartiallyAffectedMergeCommit is set only when MatchingSha is
	// empty: the first merge commit encountered where some but not all
	// parent branches touched included paths.
	ClosestPartiallyAffectedMergeCommit string
	// Visited holds every commit sha visited during the walk, in visit
	// order, so callers can warm caches.
	Visited []string
}

// Walker walks commit history within a single repository (a mirror's object
// database opened read-only).
type Walker struct {
	store storer.EncodedObjectStorer
}

// New returns a Walker over the repository backed by store (e.g.
// (*git.Repository).Storer of a mirror opened with git.PlainOpen).
func New(store storer.EncodedObjectStorer) *Walker {
	return &Walker{store: store}
}

// LatestMatching walks history backward from startSha, stopping descent on
// any sha in stopShas, and returns the first commit (reverse-topological)
// whose changed-file set is non-empty under rules.
func (w *Walker) LatestMatching(ctx context.Context, startSha string, rules Rules, stopShas []string) (*Result, error) {
	stopSet := set.From(stopShas)

	start, err := object.GetCommit(w.store, plumbing.NewHash(startSha))
	if err != nil {
		return nil, fmt.Errorf("unable to load start commit %s: %w", startSha, err)
	}

	pq := &commitHeap{start}
	visited := set.From([]string{start.Hash.String()})
	reached := set.New[string](0)
	var visits []string
	var closestMerge string

	for pq.Len() > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		c := heap.Pop(pq).(*object.Commit)
		visits = append(visits, c.Hash.String())

		if stopSet.Contains(c.Hash.String()) {
			reached.Insert(c.Hash.String())
			continue
		}

		matched, partial, err := evaluate(c, rules)
		if err != nil {
			return nil, err
		}
		if matched {
			return &Result{
				MatchingSha:  c.Hash.String(),
				ReachedStops: reached.Slice(),
				Visited:      visits,
			}, nil
		}
		if partial && closestMerge == "" {
			closestMerge = c.Hash.String()
		}

		err = c.Parents().ForEach(func(p *object.Commit) error {
			if visited.Insert(p.Hash.String()) {
				heap.Push(pq, p)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	return &Result{
		ReachedStops:                         reached.Slice(),
		ClosestPartiallyAffectedMergeCommit: closestMerge,
		Visited:                              visits,
	}, nil
}

// evaluate reports whether c matches rules, and whether c is a merge commit
// that partially (but not wholly) touches included paths.
func evaluate(c *object.Commit, rules Rules) (matched, partial bool, err error) {
	if c.NumParents() <= 1 {
		paths, err := changedPaths(c)
		if err != nil {
			return false, false, err
		}
		return anyIncluded(paths, rules), false, nil
	}

	anyVisible := false
	allVisible := true
	err = c.Parents().ForEach(func(p *object.Commit) error {
		paths, err := changedPathsAgainst(c, p)
		if err != nil {
			return err
		}
		if anyIncluded(paths, rules) {
			anyVisible = true
		} else {
			allVisible = false
		}
		return nil
	})
	if err != nil {
		return false, false, err
	}

	return allVisible, anyVisible && !allVisible, nil
}

func anyIncluded(paths []string, rules Rules) bool {
	for _, p := range paths {
		if rules.Included(p) {
			return true
		}
	}
	return false
}

// changedPaths returns c's changed file set, against its first parent (or
// every path in the tree, for a root commit).
func changedPaths(c *object.Commit) ([]string, error) {
	if c.NumParents() == 0 {
		tree, err := c.Tree()
		if err != nil {
			return nil, err
		}
		var paths []string
		err = tree.Files().ForEach(func(f *object.File) error {
			paths = append(paths, f.Name)
			return nil
		})
		return paths, err
	}

	parent, err := c.Parent(0)
	if err != nil {
		return nil, err
	}
	return changedPathsAgainst(c, parent)
}

func changedPathsAgainst(c, parent *object.Commit) ([]string, error) {
	ct, err := c.Tree()
	if err != nil {
		return nil, err
	}
	pt, err := parent.Tree()
	if err != nil {
		return nil, err
	}

	changes, err := object.DiffTree(pt, ct)
	if err != nil {
		return nil, err
	}

	paths := make([]string, 0, len(changes))
	for _, ch := range changes {
		if ch.To.Name != "" {
			paths = append(paths, ch.To.Name)
		} else {
			paths = append(paths, ch.From.Name)
		}
	}
	return paths, nil
}

// commitHeap is a max-heap over commit time, giving a reverse-topological
// visit order without materializing the full history up front.
type commitHeap []*object.Commit

func (h commitHeap) Len() int { return len(h) }
func (h commitHeap) Less(i, j int) bool {
	return h[i].Committer.When.After(h[j].Committer.When)
}
func (h commitHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *commitHeap) Push(x any) {
	*h = append(*h, x.(*object.Commit))
}

func (h *commitHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
