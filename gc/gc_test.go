package gc

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func TestNeedsGC_PackCountThreshold(t *testing.T) {
	dir := t.TempDir()
	packDir := filepath.Join(dir, "objects", "pack")
	if err := os.MkdirAll(packDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	for i := 0; i < defaultAutopacklimit; i++ {
		name := filepath.Join(packDir, fmt.Sprintf("pack-%d.pack", i))
		if err := os.WriteFile(name, nil, 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	needed, err := needsGC(dir)
	if err != nil {
		t.Fatalf("needsGC: %v", err)
	}
	if !needed {
		t.Errorf("expected gc needed once pack count reaches the autopacklimit")
	}
}

func TestNeedsGC_BelowThresholds(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "objects", "pack"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	needed, err := needsGC(dir)
	if err != nil {
		t.Fatalf("needsGC: %v", err)
	}
	if needed {
		t.Errorf("expected no gc needed for an empty mirror")
	}
}

func TestNeedsGC_LooseObjectEstimate(t *testing.T) {
	dir := t.TempDir()
	bucket := filepath.Join(dir, "objects", looseObjectBucket)
	if err := os.MkdirAll(bucket, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	// defaultGCAuto / looseObjectBuckets rounded down, plus one: 27 files
	// scale to 6912, which clears the 6700 threshold.
	n := defaultGCAuto/looseObjectBuckets + 1
	for i := 0; i < n; i++ {
		name := filepath.Join(bucket, fmt.Sprintf("obj-%d", i))
		if err := os.WriteFile(name, nil, 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	needed, err := needsGC(dir)
	if err != nil {
		t.Fatalf("needsGC: %v", err)
	}
	if !needed {
		t.Errorf("expected gc needed once the loose-object estimate clears gc.auto")
	}
}

func TestRenameWithRetry_Success(t *testing.T) {
	dir := t.TempDir()
	from := filepath.Join(dir, "from")
	to := filepath.Join(dir, "to")
	if err := os.Mkdir(from, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	if err := renameWithRetry(from, to); err != nil {
		t.Fatalf("renameWithRetry: %v", err)
	}
	if _, err := os.Stat(to); err != nil {
		t.Errorf("expected %s to exist after rename: %v", to, err)
	}
}

func TestOptionsWithDefaults(t *testing.T) {
	opts := Options{}.withDefaults()
	if opts.Quota <= 0 {
		t.Errorf("expected a default quota")
	}
	if opts.MonitoringRetention <= 0 {
		t.Errorf("expected a default monitoring retention")
	}
	if opts.SelectVariant == nil {
		t.Fatalf("expected a default SelectVariant")
	}
	if opts.SelectVariant(nil) != InPlace {
		t.Errorf("expected default variant to be InPlace")
	}
	if len(opts.RepackArgs) == 0 {
		t.Errorf("expected default repack args")
	}
}

func TestCopyDirRecursive(t *testing.T) {
	src := t.TempDir()
	if err := os.MkdirAll(filepath.Join(src, "nested"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(src, "nested", "f.txt"), []byte("hi"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	dst := filepath.Join(t.TempDir(), "copy")
	if err := copyDirRecursive(src, dst); err != nil {
		t.Fatalf("copyDirRecursive: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(dst, "nested", "f.txt"))
	if err != nil {
		t.Fatalf("read copied file: %v", err)
	}
	if string(got) != "hi" {
		t.Errorf("expected copied content %q, got %q", "hi", got)
	}
}
