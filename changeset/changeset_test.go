package changeset

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
)

func writeCommit(t *testing.T, repo *git.Repository, dir string, files map[string]string, msg string) *object.Commit {
	t.Helper()
	wt, err := repo.Worktree()
	if err != nil {
		t.Fatalf("worktree: %v", err)
	}
	for name, content := range files {
		full := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		if _, err := wt.Add(name); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	sha, err := wt.Commit(msg, &git.CommitOptions{
		Author: &object.Signature{Name: "t", Email: "t@example.com", When: time.Now()},
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	c, err := repo.CommitObject(sha)
	if err != nil {
		t.Fatalf("commit object: %v", err)
	}
	return c
}

func TestCombinedChanges_Linear(t *testing.T) {
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	if err != nil {
		t.Fatalf("init: %v", err)
	}

	writeCommit(t, repo, dir, map[string]string{"a.txt": "1"}, "root")
	second := writeCommit(t, repo, dir, map[string]string{"b.txt": "2"}, "add b")

	changes, err := combinedChanges(second)
	if err != nil {
		t.Fatalf("combinedChanges: %v", err)
	}
	if len(changes) != 1 || changes[0].Path != "b.txt" || changes[0].Type != ChangeAdded {
		t.Errorf("unexpected changes: %+v", changes)
	}
}

func TestCombinedChanges_RootCommit(t *testing.T) {
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	if err != nil {
		t.Fatalf("init: %v", err)
	}

	root := writeCommit(t, repo, dir, map[string]string{"a.txt": "1", "b.txt": "2"}, "root")

	changes, err := combinedChanges(root)
	if err != nil {
		t.Fatalf("combinedChanges: %v", err)
	}
	if len(changes) != 2 {
		t.Errorf("expected 2 added files at root commit, got %d", len(changes))
	}
}

func TestIntersectByPath(t *testing.T) {
	a := []FileChange{{Path: "x"}, {Path: "y"}}
	b := []FileChange{{Path: "x"}, {Path: "z"}}

	got := intersectByPath([][]FileChange{a, b})
	if len(got) != 1 || got[0].Path != "x" {
		t.Errorf("expected only shared path x, got %+v", got)
	}
}

func TestIntersectByPath_Empty(t *testing.T) {
	if intersectByPath(nil) != nil {
		t.Errorf("expected nil for no parent sets")
	}
}

func removeCommit(t *testing.T, repo *git.Repository, dir string, names []string, msg string) *object.Commit {
	t.Helper()
	wt, err := repo.Worktree()
	if err != nil {
		t.Fatalf("worktree: %v", err)
	}
	for _, name := range names {
		if _, err := wt.Remove(name); err != nil {
			t.Fatalf("remove %s: %v", name, err)
		}
	}
	sha, err := wt.Commit(msg, &git.CommitOptions{
		Author: &object.Signature{Name: "t", Email: "t@example.com", When: time.Now()},
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	c, err := repo.CommitObject(sha)
	if err != nil {
		t.Fatalf("commit object: %v", err)
	}
	return c
}

func TestDiffAgainst_Renamed(t *testing.T) {
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	if err != nil {
		t.Fatalf("init: %v", err)
	}

	root := writeCommit(t, repo, dir, map[string]string{"a.txt": "same content"}, "root")

	wt, err := repo.Worktree()
	if err != nil {
		t.Fatalf("worktree: %v", err)
	}
	if _, err := wt.Remove("a.txt"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := os.Remove(filepath.Join(dir, "a.txt")); err != nil && !os.IsNotExist(err) {
		t.Fatalf("unlink: %v", err)
	}
	renamed := writeCommit(t, repo, dir, map[string]string{"c.txt": "same content"}, "rename a to c")

	changes, err := diffAgainst(root, renamed)
	if err != nil {
		t.Fatalf("diffAgainst: %v", err)
	}
	if len(changes) != 1 || changes[0].Type != ChangeRenamed || changes[0].Path != "c.txt" || changes[0].OldPath != "a.txt" {
		t.Errorf("unexpected changes: %+v", changes)
	}
}

func TestDiffAgainst_Copied(t *testing.T) {
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	if err != nil {
		t.Fatalf("init: %v", err)
	}

	root := writeCommit(t, repo, dir, map[string]string{"a.txt": "same content"}, "root")
	copied := writeCommit(t, repo, dir, map[string]string{"b.txt": "same content"}, "copy a to b")

	changes, err := diffAgainst(root, copied)
	if err != nil {
		t.Fatalf("diffAgainst: %v", err)
	}
	if len(changes) != 1 || changes[0].Type != ChangeCopied || changes[0].Path != "b.txt" || changes[0].OldPath != "a.txt" {
		t.Errorf("unexpected changes: %+v", changes)
	}
}

func TestDiffAgainst_Removed(t *testing.T) {
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	if err != nil {
		t.Fatalf("init: %v", err)
	}

	root := writeCommit(t, repo, dir, map[string]string{"a.txt": "1", "b.txt": "2"}, "root")
	removed := removeCommit(t, repo, dir, []string{"a.txt"}, "drop a")

	changes, err := diffAgainst(root, removed)
	if err != nil {
		t.Fatalf("diffAgainst: %v", err)
	}
	if len(changes) != 1 || changes[0].Type != ChangeRemoved || changes[0].Path != "a.txt" {
		t.Errorf("unexpected changes: %+v", changes)
	}
}

func TestDiffAgainst_UnrelatedEmptyFilesNotRenamed(t *testing.T) {
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	if err != nil {
		t.Fatalf("init: %v", err)
	}

	root := writeCommit(t, repo, dir, map[string]string{"a/.gitkeep": ""}, "root")
	removed := removeCommit(t, repo, dir, []string{"a/.gitkeep"}, "drop a/.gitkeep")
	added := writeCommit(t, repo, dir, map[string]string{"b/.gitkeep": ""}, "add b/.gitkeep")
	_ = removed

	changes, err := diffAgainst(root, added)
	if err != nil {
		t.Fatalf("diffAgainst: %v", err)
	}
	for _, ch := range changes {
		if ch.Type == ChangeRenamed || ch.Type == ChangeCopied {
			t.Errorf("unrelated empty files should not be classified as rename/copy: %+v", ch)
		}
	}
}

func TestWalk_RecordCarriesCommitMetadata(t *testing.T) {
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	if err != nil {
		t.Fatalf("init: %v", err)
	}

	root := writeCommit(t, repo, dir, map[string]string{"a.txt": "1"}, "root")
	second := writeCommit(t, repo, dir, map[string]string{"b.txt": "2"}, "add b")

	c := &Collector{}
	from := map[string]string{"a": root.Hash.String()}
	to := map[string]string{"a": second.Hash.String()}

	records, err := c.walk(t.Context(), "", repo, from, to, Options{})
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	rec := records[0]
	if rec.CommitSha != second.Hash.String() {
		t.Errorf("unexpected commit sha: %s", rec.CommitSha)
	}
	if rec.Message != second.Message {
		t.Errorf("unexpected message: %q", rec.Message)
	}
	if rec.Author.Email != "t@example.com" || rec.Committer.Email != "t@example.com" {
		t.Errorf("unexpected author/committer: %+v / %+v", rec.Author, rec.Committer)
	}
	if len(rec.FileChanges) != 1 || rec.FileChanges[0].Path != "b.txt" || rec.FileChanges[0].Type != ChangeAdded {
		t.Errorf("unexpected file changes: %+v", rec.FileChanges)
	}
}
