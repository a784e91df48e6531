package procrunner

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRun_Success(t *testing.T) {
	res, err := Run(context.Background(), Options{}, "echo", "hello")
	if err != nil {
		t.Fatalf("Run() err:%v", err)
	}
	if res.Stdout != "hello" {
		t.Errorf("Stdout = %q, want %q", res.Stdout, "hello")
	}
	if res.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", res.ExitCode)
	}
}

func TestRun_NonZeroExit(t *testing.T) {
	_, err := Run(context.Background(), Options{}, "sh", "-c", "echo oops >&2; exit 7")

	var procErr *Error
	if !errors.As(err, &procErr) {
		t.Fatalf("Run() err = %v, want *Error", err)
	}
	if procErr.Category != CategoryNonZeroExit {
		t.Errorf("Category = %s, want %s", procErr.Category, CategoryNonZeroExit)
	}
	if procErr.StderrTail != "oops" {
		t.Errorf("StderrTail = %q, want %q", procErr.StderrTail, "oops")
	}
}

func TestRun_TotalTimeout(t *testing.T) {
	_, err := Run(context.Background(), Options{Timeout: 50 * time.Millisecond}, "sleep", "5")

	var procErr *Error
	if !errors.As(err, &procErr) {
		t.Fatalf("Run() err = %v, want *Error", err)
	}
	if procErr.Category != CategoryTimeout {
		t.Errorf("Category = %s, want %s", procErr.Category, CategoryTimeout)
	}
}

func TestRun_IdleTimeout(t *testing.T) {
	// prints once then goes silent; idle timeout should fire well before
	// the process would otherwise exit.
	_, err := Run(context.Background(), Options{IdleTimeout: 50 * time.Millisecond},
		"sh", "-c", "echo start; sleep 5")

	var procErr *Error
	if !errors.As(err, &procErr) {
		t.Fatalf("Run() err = %v, want *Error", err)
	}
	if procErr.Category != CategoryTimeout {
		t.Errorf("Category = %s, want %s", procErr.Category, CategoryTimeout)
	}
}
