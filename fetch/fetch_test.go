package fetch

import (
	"errors"
	"testing"

	"github.com/coreforge/gitmirror/internal/procrunner"
)

func TestRecoverable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil error", nil, false},
		{"connection reset", errors.New("read: connection reset by peer"), true},
		{"dns failure", errors.New("dial tcp: lookup github.com: Temporary failure in name resolution"), true},
		{"handshake timeout", errors.New("ssh: handshake timeout"), true},
		{"wrong passphrase", errors.New("Load key: wrong passphrase supplied"), false},
		{"auth failed", errors.New("remote: Authentication failed for https://example.com/repo.git"), false},
		{"unrelated error", errors.New("object not found"), false},
		{
			name: "procrunner timeout category",
			err: &procrunner.Error{
				Category: procrunner.CategoryTimeout,
				Cause:    errors.New("idle timeout exceeded"),
			},
			want: true,
		},
		{
			name: "procrunner non-zero exit with permanent stderr",
			err: &procrunner.Error{
				Category:   procrunner.CategoryNonZeroExit,
				StderrTail: "fatal: Authentication failed",
				Cause:      errors.New("exit status 128"),
			},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Recoverable(tt.err); got != tt.want {
				t.Errorf("Recoverable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
