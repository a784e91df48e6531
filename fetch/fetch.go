// Package fetch implements the Fetch Coordinator (component D): ensuring a
// mirror has a given set of commit shas present locally, fetching only the
// missing refs, retrying recoverable transport errors, and deduplicating
// identical concurrent requests for the same mirror.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/coreforge/gitmirror/internal/procrunner"
	"github.com/coreforge/gitmirror/mirror"
)

// Snapshot is a mapping branch-ref -> commit sha, representing the tips of
// interest at an instant.
type Snapshot map[string]string

// ErrRevisionNotFound is returned by EnsurePresent when
// throwIfMissingAfterFetch is set and a sha is still absent after fetching.
var ErrRevisionNotFound = errors.New("revision not found after fetch")

// Options configures a single EnsurePresent call.
type Options struct {
	// ThrowIfMissingAfterFetch fails the call with ErrRevisionNotFound if
	// any requested sha is still missing once the fetch completes.
	ThrowIfMissingAfterFetch bool
	// Retries bounds the number of recoverable-error retry attempts.
	Retries int
	// RetryInterval is the pause between retry attempts.
	RetryInterval time.Duration
}

// DefaultOptions mirrors the teacher's own mirror-loop retry posture: a
// handful of short-interval attempts rather than a long backoff, since
// fetches here are triggered synchronously by a caller waiting on the
// result (a build agent resolving a ref), not a background loop.
var DefaultOptions = Options{
	ThrowIfMissingAfterFetch: true,
	Retries:                  3,
	RetryInterval:            2 * time.Second,
}

// Coordinator ensures mirrors have requested commits present, deduplicating
// identical concurrent requests (same mirror, same snapshot) via singleflight.
type Coordinator struct {
	group singleflight.Group
}

// New returns a ready Coordinator.
func New() *Coordinator {
	return &Coordinator{}
}

// EnsurePresent guarantees every sha in snapshot is locally resolvable in m,
// fetching only the refs whose shas are missing. The retry budget is not
// reset by partial progress: a recoverable error on attempt k still counts
// against the same opts.Retries ceiling as attempt 1.
func (c *Coordinator) EnsurePresent(ctx context.Context, m *mirror.Mirror, snapshot Snapshot, opts Options) error {
	pairs := make([]string, 0, len(snapshot))
	for ref, sha := range snapshot {
		pairs = append(pairs, ref+"="+sha)
	}
	sort.Strings(pairs)
	key := m.Remote() + "\x00" + strings.Join(pairs, "\x00")

	_, err, _ := c.group.Do(key, func() (any, error) {
		return nil, c.ensurePresent(ctx, m, snapshot, opts)
	})
	return err
}

func (c *Coordinator) ensurePresent(ctx context.Context, m *mirror.Mirror, snapshot Snapshot, opts Options) error {
	missing := missingRefs(ctx, m, snapshot)
	if len(missing) == 0 {
		return nil
	}

	refspecs := make([]string, 0, len(missing))
	for ref := range missing {
		refspecs = append(refspecs, "+"+ref+":"+ref)
	}

	var lastErr error
	attempts := opts.Retries + 1
	if opts.Retries < 0 {
		attempts = 1
	}

	for attempt := 0; attempt < attempts; attempt++ {
		lastErr = m.FetchRefs(ctx, refspecs)
		if lastErr == nil {
			break
		}
		if !Recoverable(lastErr) {
			return lastErr
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(opts.RetryInterval):
		}
	}
	if lastErr != nil && !Recoverable(lastErr) {
		return lastErr
	}

	if !opts.ThrowIfMissingAfterFetch {
		return nil
	}

	stillMissing := missingRefs(ctx, m, snapshot)
	if len(stillMissing) > 0 {
		return fmt.Errorf("%w: %d of %d refs still missing", ErrRevisionNotFound, len(stillMissing), len(snapshot))
	}
	return nil
}

// missingRefs returns the subset of snapshot whose sha is not locally
// resolvable in m.
func missingRefs(ctx context.Context, m *mirror.Mirror, snapshot Snapshot) Snapshot {
	missing := make(Snapshot)
	for ref, sha := range snapshot {
		if err := m.ObjectExists(ctx, sha); err != nil {
			missing[ref] = sha
		}
	}
	return missing
}

// recoverableSubstrings are transport-failure signatures that are worth
// retrying: connection resets, transient DNS failures, and handshake
// timeouts. Anything else - in particular wrong-passphrase and permanent
// auth rejections - is treated as permanent.
var recoverableSubstrings = []string{
	"connection reset",
	"connection refused",
	"temporary failure in name resolution",
	"i/o timeout",
	"handshake timeout",
	"could not resolve host",
	"early eof",
	"the remote end hung up unexpectedly",
}

var permanentSubstrings = []string{
	"wrong passphrase",
	"permission denied",
	"authentication failed",
	"could not read username",
	"403",
}

// Recoverable is a pure function of the error classifying whether a fetch
// attempt is worth retrying.
func Recoverable(err error) bool {
	if err == nil {
		return false
	}

	msg := strings.ToLower(err.Error())
	var perr *procrunner.Error
	if errors.As(err, &perr) {
		msg += " " + strings.ToLower(perr.StderrTail)
		if perr.Category == procrunner.CategoryTimeout {
			return true
		}
	}

	for _, s := range permanentSubstrings {
		if strings.Contains(msg, s) {
			return false
		}
	}
	for _, s := range recoverableSubstrings {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
