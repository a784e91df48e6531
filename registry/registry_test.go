package registry

import (
	"errors"
	"testing"
)

func TestRegistry_RegisterAndClear(t *testing.T) {
	r := New()

	r.RegisterError("repo1", CategoryGC, "gc failed", errors.New("disk full"))
	if _, ok := r.Error("repo1"); !ok {
		t.Fatalf("expected error registered for repo1")
	}

	r.ClearError("repo1")
	if _, ok := r.Error("repo1"); ok {
		t.Fatalf("expected no error after clear")
	}
}

func TestRegistry_RetainErrors(t *testing.T) {
	r := New()
	r.RegisterError("repo1", CategoryFetch, "fetch failed", nil)
	r.RegisterError("repo2", CategoryFetch, "fetch failed", nil)

	r.RetainErrors([]string{"repo1"})

	if _, ok := r.Error("repo1"); !ok {
		t.Errorf("expected repo1 to be retained")
	}
	if _, ok := r.Error("repo2"); ok {
		t.Errorf("expected repo2 to be pruned")
	}
}

func TestRegistry_Errors(t *testing.T) {
	r := New()
	r.RegisterError("repo1", CategoryGC, "a", nil)
	r.RegisterError("repo2", CategorySubmodule, "b", nil)

	got := r.Errors()
	if len(got) != 2 {
		t.Fatalf("expected 2 errors, got %d", len(got))
	}
}

func TestRegistry_NativeGitError(t *testing.T) {
	r := New()

	if _, ok := r.LastNativeGitError(); ok {
		t.Fatalf("expected no native git error initially")
	}

	r.RecordNativeGitError("git executable broken", errors.New("exec: \"git\": executable file not found"))
	e, ok := r.LastNativeGitError()
	if !ok {
		t.Fatalf("expected native git error recorded")
	}
	if e.Category != CategoryNativeGit {
		t.Errorf("expected category %q, got %q", CategoryNativeGit, e.Category)
	}

	r.ClearNativeGitError()
	if _, ok := r.LastNativeGitError(); ok {
		t.Fatalf("expected native git error cleared")
	}
}
