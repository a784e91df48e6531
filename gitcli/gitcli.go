// Package gitcli assembles argv and environment for the native git
// subcommands the rest of the module needs, and runs them through
// internal/procrunner. Each operation is a small builder with explicit
// setters rather than an ambient global config, so callers can see exactly
// what will be executed.
package gitcli

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"time"

	"github.com/coreforge/gitmirror/internal/procrunner"
)

// MinSupportedVersion is the lowest native git version the facade assumes
// is available. Features such as `fetch --stdin` for batched ref updates
// require this or newer; callers must check SupportsFetchStdin before
// relying on it.
var MinSupportedVersion = Version{Major: 2, Minor: 34}

// Version is a parsed `git version` triple.
type Version struct {
	Major, Minor, Patch int
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Less reports whether v is older than o.
func (v Version) Less(o Version) bool {
	if v.Major != o.Major {
		return v.Major < o.Major
	}
	if v.Minor != o.Minor {
		return v.Minor < o.Minor
	}
	return v.Patch < o.Patch
}

var versionRgx = regexp.MustCompile(`git version (\d+)\.(\d+)\.?(\d+)?`)

// Facade runs git subcommands for a single executable path.
type Facade struct {
	Exec string // absolute or PATH-resolved path to the git binary
	Env  []string
	Log  *slog.Logger
}

// Run executes argv under cwd with the facade's env, idle and total
// timeouts layered on top of the caller-supplied context.
func (f *Facade) Run(ctx context.Context, cwd string, idle, total time.Duration, args ...string) (*procrunner.Result, error) {
	return procrunner.Run(ctx, procrunner.Options{
		Dir:         cwd,
		Env:         f.Env,
		IdleTimeout: idle,
		Timeout:     total,
		Log:         f.Log,
	}, f.Exec, args...)
}

// DetectVersion runs `git version` and parses the result.
func (f *Facade) DetectVersion(ctx context.Context) (Version, error) {
	res, err := f.Run(ctx, "", 0, 10*time.Second, "version")
	if err != nil {
		return Version{}, err
	}
	m := versionRgx.FindStringSubmatch(res.Stdout)
	if m == nil {
		return Version{}, fmt.Errorf("unable to parse git version output %q", res.Stdout)
	}
	v := Version{}
	v.Major, _ = strconv.Atoi(m[1])
	v.Minor, _ = strconv.Atoi(m[2])
	if m[3] != "" {
		v.Patch, _ = strconv.Atoi(m[3])
	}
	return v, nil
}

// SupportsFetchStdin reports whether v is new enough for batched
// `fetch --stdin` ref updates.
func SupportsFetchStdin(v Version) bool {
	return !v.Less(MinSupportedVersion)
}

// --- argv builders -------------------------------------------------------
//
// Each builder returns the argv for a single invocation; callers pass the
// result to Run. Builders never read from package state beyond the
// receiver's own fields, so argument construction stays pure and testable.

func InitBare() []string { return []string{"init", "-q", "--bare"} }

func CloneMirror(remote, dst string) []string {
	return []string{"clone", "--mirror", remote, dst}
}

type RemoteAddOpts struct {
	Mirror string // "fetch" or "push", empty for a plain remote
}

func RemoteAdd(name, url string, opts RemoteAddOpts) []string {
	args := []string{"remote", "add"}
	if opts.Mirror != "" {
		args = append(args, "--mirror="+opts.Mirror)
	}
	return append(args, name, url)
}

type FetchOpts struct {
	Remote     string
	RefSpecs   []string
	Prune      bool
	NoAutoGC   bool
	NoProgress bool
	Porcelain  bool
	Stdin      bool // batched ref-spec delivery over stdin, requires SupportsFetchStdin
}

func Fetch(opts FetchOpts) []string {
	args := []string{"fetch"}
	if opts.Stdin {
		args = append(args, "--stdin")
	} else {
		args = append(args, opts.Remote)
		args = append(args, opts.RefSpecs...)
	}
	if opts.Prune {
		args = append(args, "--prune")
	}
	if opts.NoProgress {
		args = append(args, "--no-progress")
	}
	if opts.Porcelain {
		args = append(args, "--porcelain")
	}
	if opts.NoAutoGC {
		args = append(args, "--no-auto-gc")
	}
	return args
}

func LsRemote(remote string, refs ...string) []string {
	args := []string{"ls-remote", remote}
	return append(args, refs...)
}

func LsRemoteSymref(remote, ref string) []string {
	return []string{"ls-remote", "--symref", remote, ref}
}

func Push(remote string, refspecs ...string) []string {
	return append([]string{"push", remote}, refspecs...)
}

func UpdateRef(ref, newValue, oldValue string) []string {
	args := []string{"update-ref", ref, newValue}
	if oldValue != "" {
		args = append(args, oldValue)
	}
	return args
}

func Tag(name, target string) []string { return []string{"tag", name, target} }
func TagDelete(name string) []string   { return []string{"tag", "-d", name} }

func ConfigGet(key string) []string            { return []string{"config", "--get", key} }
func ConfigSet(key, value string) []string      { return []string{"config", "--set", key, value} }
func ConfigSetAll(key, value string) []string   { return []string{"config", "--replace-all", key, value} }
func ConfigList() []string                      { return []string{"config", "--list"} }

func GCAuto() []string { return []string{"gc", "--auto", "--quiet"} }
func GCAggressive() []string { return []string{"gc", "--aggressive"} }

func Repack(args ...string) []string { return append([]string{"repack"}, args...) }

func PackRefsAll() []string { return []string{"pack-refs", "--all"} }

func Clean(args ...string) []string { return append([]string{"clean"}, args...) }

func Reset(args ...string) []string { return append([]string{"reset"}, args...) }

func Checkout(ref string, pathspecs ...string) []string {
	args := []string{"checkout", ref}
	if len(pathspecs) > 0 {
		args = append(args, "--")
		args = append(args, pathspecs...)
	}
	return args
}

func BranchDelete(name string) []string { return []string{"branch", "-D", name} }

func Log(args ...string) []string { return append([]string{"log"}, args...) }

func LsTree(args ...string) []string { return append([]string{"ls-tree"}, args...) }

func RevParse(args ...string) []string { return append([]string{"rev-parse"}, args...) }

func ShowRef(args ...string) []string { return append([]string{"show-ref"}, args...) }

func SubmoduleInit() []string   { return []string{"submodule", "init"} }
func SubmoduleSync() []string   { return []string{"submodule", "sync", "--recursive"} }
func SubmoduleUpdate() []string { return []string{"submodule", "update", "--init", "--recursive"} }

func UpdateIndex(args ...string) []string { return append([]string{"update-index"}, args...) }

func Diff(args ...string) []string { return append([]string{"diff"}, args...) }

func Merge(args ...string) []string { return append([]string{"merge"}, args...) }

func SymbolicRef(name, ref string) []string { return []string{"symbolic-ref", name, ref} }

func FsckConnectivityOnly() []string { return []string{"fsck", "--no-progress", "--connectivity-only"} }

func WorktreeAdd(path, commitish string) []string {
	return []string{"worktree", "add", "--force", "--detach", "--no-checkout", path, commitish}
}

func WorktreePrune() []string { return []string{"worktree", "prune", "--verbose"} }

func ReflogExpireUnreachable() []string {
	return []string{"reflog", "expire", "--expire-unreachable=all", "--all"}
}

func CountObjects() []string { return []string{"count-objects", "-v"} }
