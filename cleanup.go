package main

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"time"

	"github.com/coreforge/gitmirror/internal/procrunner"
	"github.com/coreforge/gitmirror/mirror"
)

// cleanupOrphanedMirrors deletes mirror directories under the default root
// that are no longer referenced in config but were left behind while the
// process was down. Any removal while the process is running is already
// handled by ensureConfig; this is a one-off, best-effort sweep run at
// startup - an orphaned published worktree link isn't cleaned up here, since
// by the time its mirror is gone there's no record of where it was
// published.
func cleanupOrphanedMirrors(config *mirror.PoolConfig, pool *mirror.Pool) {
	if config.Defaults.Root == "" {
		return
	}

	mirrorDirs := pool.Directories()
	defaultMirrorRoot := mirror.DefaultMirrorRoot(config.Defaults.Root)

	entries, err := os.ReadDir(defaultMirrorRoot)
	if err != nil {
		logger.Error("unable to read root dir for clean up", "err", err)
		return
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		fullPath := filepath.Join(defaultMirrorRoot, entry.Name())

		if slices.Contains(mirrorDirs, fullPath) {
			continue
		}

		// gitmirrord only ever creates bare repositories here; skip
		// anything else rather than risk deleting someone's data
		ok, err := isBareRepo(fullPath)
		if err != nil {
			logger.Error("unable to check if bare repo", "path", fullPath, "err", err)
			continue
		}

		if !ok {
			continue
		}

		logger.Info("removing orphaned mirror dir...", "path", fullPath)
		if err := os.RemoveAll(fullPath); err != nil {
			logger.Error("unable to remove orphaned mirror dir", "path", fullPath, "err", err)
			continue
		}
	}
}

func isInsideGitDir(cwd string) bool {
	// err is expected here
	output, _ := runGitCommand(cwd, "rev-parse", "--is-inside-git-dir")
	return output == "true"
}

func isBareRepo(cwd string) (bool, error) {
	// bare repository doesn't have worktrees
	if !isInsideGitDir(cwd) {
		return false, nil
	}

	output, err := runGitCommand(cwd, "rev-parse", "--is-bare-repository")
	if err != nil {
		return false, err
	}

	return strconv.ParseBool(output)
}

// runGitCommand runs a plain git command with the given args in cwd,
// bypassing the mirror package, which has no Mirror instance to attach this
// one-off startup sweep to.
func runGitCommand(cwd string, args ...string) (string, error) {
	res, err := procrunner.Run(context.Background(), procrunner.Options{
		Dir:         cwd,
		IdleTimeout: 30 * time.Second,
		Timeout:     time.Minute,
		Log:         logger,
	}, gitExecutablePath, args...)
	if err != nil {
		return "", err
	}
	return res.Stdout, nil
}
