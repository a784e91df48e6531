package submodule

import (
	"testing"
)

func TestResolveRelativeURL(t *testing.T) {
	tests := []struct {
		name      string
		parentURL string
		subURL    string
		want      string
	}{
		{
			name:      "absolute URL passed through",
			parentURL: "https://github.com/org/parent.git",
			subURL:    "https://github.com/org/child.git",
			want:      "https://github.com/org/child.git",
		},
		{
			name:      "sibling relative URL",
			parentURL: "https://github.com/org/parent.git",
			subURL:    "../child.git",
			want:      "https://github.com/org/child.git",
		},
		{
			name:      "same-directory relative URL",
			parentURL: "https://github.com/org/parent.git",
			subURL:    "./child.git",
			want:      "https://github.com/org/parent/child.git",
		},
		{
			name:      "nested relative URL walks up twice",
			parentURL: "https://github.com/org/group/parent.git",
			subURL:    "../../other/child.git",
			want:      "https://github.com/org/other/child.git",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := resolveRelativeURL(tt.parentURL, tt.subURL)
			if got != tt.want {
				t.Errorf("resolveRelativeURL(%q, %q) = %q, want %q", tt.parentURL, tt.subURL, got, tt.want)
			}
		})
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errMissingTestCause{}
	e := &Error{Kind: ErrMissingCommit, Cause: cause}

	if e.Unwrap() != cause {
		t.Fatalf("expected Unwrap to return the wrapped cause")
	}
	if e.Error() == "" {
		t.Fatalf("expected non-empty error message")
	}
}

type errMissingTestCause struct{}

func (errMissingTestCause) Error() string { return "missing" }
