package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"reflect"
	"slices"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/yaml.v3"

	"github.com/coreforge/gitmirror/giturl"
	"github.com/coreforge/gitmirror/mirror"
)

const (
	defaultGitGC             = "always"
	defaultInterval          = 30 * time.Second
	defaultMirrorTimeout     = 2 * time.Minute
	defaultSSHKeyPath        = "/etc/git-secret/ssh"
	defaultSSHKnownHostsPath = "/etc/git-secret/known_hosts"
)

var (
	defaultRoot = path.Join(os.TempDir(), "git-mirror")

	configSuccess = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "git_mirror_config_last_reload_successful",
		Help: "Whether the last configuration reload attempt was successful.",
	})
	configSuccessTime = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "git_mirror_config_last_reload_success_timestamp_seconds",
		Help: "Timestamp of the last successful configuration reload.",
	})
	allowedPoolConfig   = getAllowedKeys(mirror.PoolConfig{})
	allowedDefaults     = getAllowedKeys(mirror.DefaultConfig{})
	allowedAuthKeys     = getAllowedKeys(mirror.Auth{})
	allowedRepoKeys     = getAllowedKeys(mirror.MirrorConfig{})
	allowedWorktreeKeys = getAllowedKeys(mirror.WorktreeConfig{})
)

// WatchConfig polls the config file every interval and reloads if modified.
func WatchConfig(ctx context.Context, path string, watchConfig bool, interval time.Duration, onChange func(*mirror.PoolConfig) bool) {
	var lastModTime time.Time
	var success bool

	for {
		lastModTime, success = loadConfig(path, lastModTime, onChange)
		if success {
			configSuccess.Set(1)
			configSuccessTime.SetToCurrentTime()
		} else {
			configSuccess.Set(0)
		}

		if !watchConfig {
			return
		}

		t := time.NewTimer(interval)
		select {
		case <-t.C:
		case <-ctx.Done():
			return
		}
	}
}

func loadConfig(path string, lastModTime time.Time, onChange func(*mirror.PoolConfig) bool) (time.Time, bool) {
	fileInfo, err := os.Stat(path)
	if err != nil {
		logger.Error("error checking config file", "err", err)
		return lastModTime, false
	}

	modTime := fileInfo.ModTime()
	if modTime.Equal(lastModTime) {
		return lastModTime, true
	}

	logger.Info("reloading config file...")

	newConfig, err := parseConfigFile(path)
	if err != nil {
		logger.Error("failed to reload config", "err", err)
		// update modTime to re-evaluate after an update
		return modTime, false
	}
	return modTime, onChange(newConfig)
}

// ensureConfig diffs the current pool state against newConfig and adds,
// removes, or updates repositories and worktrees to match it.
func ensureConfig(pool *mirror.Pool, newConfig *mirror.PoolConfig) bool {
	success := true

	applyGitDefaults(newConfig)

	if err := newConfig.ValidateAndApplyDefaults(); err != nil {
		logger.Error("failed to validate new config", "err", err)
		return false
	}

	newRepos, removedRepos := diffRepositories(pool, newConfig)
	for _, repo := range removedRepos {
		if err := pool.RemoveMirror(repo); err != nil {
			logger.Error("failed to remove repository", "remote", repo, "err", err)
			success = false
		}
	}
	for _, repo := range newRepos {
		if err := pool.AddMirror(repo); err != nil {
			logger.Error("failed to add new repository", "remote", repo.Remote, "err", err)
			success = false
		}
	}

	for _, newRepoConf := range newConfig.Repositories {
		m, err := pool.Find(newRepoConf.Remote)
		if err != nil {
			logger.Error("unable to check worktree changes", "remote", newRepoConf.Remote, "err", err)
			success = false
			continue
		}

		newWTs, removedWTs := diffWorktrees(m, &newRepoConf)

		// remove first so a link whose reference changed doesn't
		// collide with the new config for the same link path
		for _, wt := range removedWTs {
			if err := pool.RemoveWorktreeLink(newRepoConf.Remote, wt); err != nil {
				logger.Error("failed to remove worktree", "remote", newRepoConf.Remote, "link", wt, "err", err)
				success = false
			}
		}
		for _, wt := range newWTs {
			if err := pool.AddWorktreeLink(newRepoConf.Remote, wt); err != nil {
				logger.Error("failed to add worktree", "remote", newRepoConf.Remote, "link", wt.Link, "err", err)
				success = false
			}
		}
	}

	pool.StartLoop()

	return success
}

func applyGitDefaults(poolConf *mirror.PoolConfig) {
	if poolConf.Defaults.Root == "" {
		poolConf.Defaults.Root = defaultRoot
	}

	if poolConf.Defaults.GitGC == "" {
		poolConf.Defaults.GitGC = defaultGitGC
	}

	if poolConf.Defaults.Interval == 0 {
		poolConf.Defaults.Interval = defaultInterval
	}

	if poolConf.Defaults.MirrorTimeout == 0 {
		poolConf.Defaults.MirrorTimeout = defaultMirrorTimeout
	}

	if poolConf.Defaults.Auth.SSHKeyPath == "" {
		poolConf.Defaults.Auth.SSHKeyPath = defaultSSHKeyPath
	}

	if poolConf.Defaults.Auth.SSHKnownHostsPath == "" {
		poolConf.Defaults.Auth.SSHKnownHostsPath = defaultSSHKnownHostsPath
	}
}

func parseConfigFile(path string) (*mirror.PoolConfig, error) {
	yamlFile, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read file err:%w", err)
	}

	if err := validateConfigYaml(yamlFile); err != nil {
		return nil, fmt.Errorf("invalid config err:%w", err)
	}

	conf := &mirror.PoolConfig{}
	if err := yaml.Unmarshal(yamlFile, conf); err != nil {
		return nil, fmt.Errorf("unable to decode config err:%w", err)
	}

	return conf, nil
}

func validateConfigYaml(yamlData []byte) error {
	var raw map[string]interface{}
	if err := yaml.Unmarshal(yamlData, &raw); err != nil {
		return fmt.Errorf("unable to decode config err:%w", err)
	}

	if key := findUnexpectedKey(raw, allowedPoolConfig); key != "" {
		return fmt.Errorf("unexpected key: .%v", key)
	}

	if raw["defaults"] != nil {
		defaultsMap, ok := raw["defaults"].(map[string]interface{})
		if !ok {
			return fmt.Errorf(".defaults config is not valid")
		}

		if key := findUnexpectedKey(defaultsMap, allowedDefaults); key != "" {
			return fmt.Errorf("unexpected key: .defaults.%v", key)
		}

		if authMap, ok := defaultsMap["auth"].(map[string]interface{}); ok {
			if key := findUnexpectedKey(authMap, allowedAuthKeys); key != "" {
				return fmt.Errorf("unexpected key: .defaults.auth.%v", key)
			}
		}
	}

	if raw["repositories"] == nil {
		return nil
	}

	reposInterface, ok := raw["repositories"].([]interface{})
	if !ok {
		return fmt.Errorf(".repositories config must be an array")
	}

	for _, repoInterface := range reposInterface {
		repoMap, ok := repoInterface.(map[string]interface{})
		if !ok {
			return fmt.Errorf(".repositories config is not valid")
		}

		if key := findUnexpectedKey(repoMap, allowedRepoKeys); key != "" {
			return fmt.Errorf("unexpected key: .repositories[%v].%v", repoMap["remote"], key)
		}

		if repoMap["worktrees"] == nil {
			continue
		}

		worktreesInterface, ok := repoMap["worktrees"].([]interface{})
		if !ok {
			return fmt.Errorf("worktrees config must be an array in .repositories[%v]", repoMap["remote"])
		}

		for i, worktreeInterface := range worktreesInterface {
			worktreeMap, ok := worktreeInterface.(map[string]interface{})
			if !ok {
				return fmt.Errorf("worktrees config is not valid in .repositories[%v]", repoMap["remote"])
			}

			if key := findUnexpectedKey(worktreeMap, allowedWorktreeKeys); key != "" {
				return fmt.Errorf("unexpected key: .repositories[%v].worktrees[%v].%v", repoMap["remote"], i, key)
			}

			if pathspecsInterface, exists := worktreeMap["pathspecs"]; exists {
				if _, ok := pathspecsInterface.([]interface{}); !ok {
					return fmt.Errorf("pathspecs config must be an array in .repositories[%v].worktrees[%v]", repoMap["remote"], i)
				}
			}
		}
	}

	return nil
}

// getAllowedKeys retrieves a list of allowed keys from the specified struct.
func getAllowedKeys(config interface{}) []string {
	var allowedKeys []string
	val := reflect.ValueOf(config)
	typ := reflect.TypeOf(config)

	for i := 0; i < val.NumField(); i++ {
		field := typ.Field(i)
		yamlTag := field.Tag.Get("yaml")
		if yamlTag != "" {
			allowedKeys = append(allowedKeys, yamlTag)
		}
	}
	return allowedKeys
}

func findUnexpectedKey(raw map[string]interface{}, allowedKeys []string) string {
	for key := range raw {
		if !slices.Contains(allowedKeys, key) {
			return key
		}
	}

	return ""
}

// diffRepositories does the diff between current pool state and new config
// and returns new repository configs and remote URLs no longer present.
func diffRepositories(pool *mirror.Pool, newConfig *mirror.PoolConfig) (
	newRepos []mirror.MirrorConfig,
	removedRepos []string,
) {
	for _, newRepo := range newConfig.Repositories {
		if _, err := pool.Find(newRepo.Remote); errors.Is(err, mirror.ErrNotExist) {
			newRepos = append(newRepos, newRepo)
		}
	}

	for _, currentRepoURL := range pool.Remotes() {
		var found bool
		for _, newRepo := range newConfig.Repositories {
			if currentRepoURL == giturl.NormaliseURL(newRepo.Remote) {
				found = true
				break
			}
		}
		if !found {
			removedRepos = append(removedRepos, currentRepoURL)
		}
	}

	return
}

// diffWorktrees does the diff between m's current worktree links and
// newRepoConf's, returning the configs to add and the link names to remove.
func diffWorktrees(m *mirror.Mirror, newRepoConf *mirror.MirrorConfig) (
	newWTCs []mirror.WorktreeConfig,
	removedWTs []string,
) {
	currentWTLinks := m.WorktreeLinks()

	for _, newWTC := range newRepoConf.Worktrees {
		if _, ok := currentWTLinks[newWTC.Link]; !ok {
			newWTCs = append(newWTCs, newWTC)
		}
	}

	for cLink, wt := range currentWTLinks {
		var found bool
		for _, newWTC := range newRepoConf.Worktrees {
			if newWTC.Link == cLink {
				if !wt.Equals(newWTC) {
					newWTCs = append(newWTCs, newWTC)
					break
				}
				found = true
				break
			}
		}
		if !found {
			removedWTs = append(removedWTs, cLink)
		}
	}

	return
}
