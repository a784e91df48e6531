// Package mirror implements the Mirror Directory Manager: it resolves a
// remote URL to a hash-named bare mirror directory, keeps that directory
// fetched on a schedule, exposes the per-directory lock set (rm, read,
// write) the rest of the module borrows for change collection and
// compaction, and optionally keeps a set of checked-out worktree links
// published alongside it.
//
// A Pool groups many Mirrors loaded from one config file and is the
// top-level type most callers construct.
package mirror
