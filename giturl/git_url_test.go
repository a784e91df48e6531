package giturl

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		rawURL  string
		want    *URL
		wantErr bool
	}{
		{"1",
			"user@host.xz:path/to/repo.git",
			&URL{Scheme: "scp", User: "user", Host: "host.xz", Path: "path/to", Repo: "repo.git"},
			false,
		},
		{"2",
			"git@github.com:org/repo",
			&URL{Scheme: "scp", User: "git", Host: "github.com", Path: "org", Repo: "repo"},
			false},
		{"3",
			"ssh://user@host.xz:123/path/to/repo.git",
			&URL{Scheme: "ssh", User: "user", Host: "host.xz:123", Path: "path/to", Repo: "repo.git"},
			false},
		{"4",
			"ssh://git@github.com/org/repo",
			&URL{Scheme: "ssh", User: "git", Host: "github.com", Path: "org", Repo: "repo"},
			false},
		{"5",
			"https://host.xz:345/path/to/repo.git",
			&URL{Scheme: "https", Host: "host.xz:345", Path: "path/to", Repo: "repo.git"},
			false},
		{"6",
			"https://github.com/org/repo",
			&URL{Scheme: "https", Host: "github.com", Path: "org", Repo: "repo"},
			false},
		{"invalid_ssh_hostname", "ssh://git@github.com:org/repo.git", nil, true},
		{"invalid_scp_url", "git@github.com/org/repo.git", nil, true},
		{"http", "http://host.xz:123/path/to/repo.git", nil, true},
		{"invalid_path", "git@host.xz:/r.git", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.rawURL)
			if (err != nil) != tt.wantErr {
				t.Errorf("Parse() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if diff := cmp.Diff(tt.want, got, cmpopts.EquateComparable(URL{})); diff != "" {
				t.Errorf("Parse() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSameRawURL(t *testing.T) {
	type args struct {
		lRepo string
		rRepo string
	}
	tests := []struct {
		name    string
		args    args
		want    bool
		wantErr bool
	}{
		{"1", args{"user@host.xz:path/to/repo.git", "USER@HOST.XZ:PATH/TO/REPO.GIT"}, true, false},
		{"2", args{"git@github.com:org/repo.git", "git@github.com:org/repo.git"}, true, false},
		{"3", args{"git@github.com:org/repo.git", "ssh://git@github.com/org/repo.git"}, true, false},
		{"4", args{"git@github.com:org/repo.git", "https://github.com/org/repo.git"}, true, false},
		{"diff", args{"git@github.com:org/repo1.git", "git@github.com:org/repo2.git"}, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SameRawURL(tt.args.lRepo, tt.args.rRepo)
			if (err != nil) != tt.wantErr {
				t.Errorf("SameRawURL() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if got != tt.want {
				t.Errorf("SameRawURL() = %v, want %v", got, tt.want)
			}
		})
	}
}

// Equal URLs, even across credentials/scheme, must resolve to the same
// mirror-directory hash (spec.md invariant 1: mirror uniqueness).
func TestURL_Hash_MirrorUniqueness(t *testing.T) {
	equivalents := []string{
		"git@github.com:org/repo.git",
		"ssh://git@github.com/org/repo.git",
		"ssh://other-user@github.com/org/repo.git",
		"https://github.com/org/repo.git",
		"https://github.com/org/repo",
	}

	var hashes []string
	for _, raw := range equivalents {
		u, err := Parse(raw)
		if err != nil {
			t.Fatalf("Parse(%q) err:%v", raw, err)
		}
		hashes = append(hashes, u.Hash())
	}

	for i := 1; i < len(hashes); i++ {
		if hashes[i] != hashes[0] {
			t.Errorf("Hash() of equivalent URL %q = %s, want %s (same as %q)",
				equivalents[i], hashes[i], hashes[0], equivalents[0])
		}
	}

	other, err := Parse("https://github.com/org/other-repo.git")
	if err != nil {
		t.Fatal(err)
	}
	if other.Hash() == hashes[0] {
		t.Errorf("Hash() of a different repo collided with %q", equivalents[0])
	}
}
