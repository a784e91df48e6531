package mirror

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/coreforge/gitmirror/giturl"
)

const MinAllowedInterval = time.Second

// PoolConfig is the configuration used to build a Pool of mirrored
// repositories.
type PoolConfig struct {
	Defaults     DefaultConfig    `yaml:"defaults"`
	Repositories []MirrorConfig   `yaml:"repositories"`
}

// DefaultConfig carries values applied to every MirrorConfig that does not
// set them explicitly.
type DefaultConfig struct {
	Root          string        `yaml:"root"`
	LinkRoot      string        `yaml:"link_root"`
	Interval      time.Duration `yaml:"interval"`
	MirrorTimeout time.Duration `yaml:"mirror_timeout"`
	GitGC         string        `yaml:"git_gc"`
	Auth          Auth          `yaml:"auth"`
}

// MirrorConfig represents the config for a single mirrored repository.
type MirrorConfig struct {
	Remote        string        `yaml:"remote"`
	Root          string        `yaml:"root"`
	LinkRoot      string        `yaml:"link_root"`
	Interval      time.Duration `yaml:"interval"`
	MirrorTimeout time.Duration `yaml:"mirror_timeout"`
	GitGC         string        `yaml:"git_gc"`
	Auth          Auth          `yaml:"auth"`
	Worktrees     []WorktreeConfig `yaml:"worktrees"`
}

// WorktreeConfig describes a worktree link maintained alongside a mirror.
type WorktreeConfig struct {
	Link      string   `yaml:"link"`
	Ref       string   `yaml:"ref"`
	Pathspecs []string `yaml:"pathspecs"`
}

// Auth represents the authentication config for a mirrored repository.
type Auth struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	SSHKeyPath        string `yaml:"ssh_key_path"`
	SSHKnownHostsPath string `yaml:"ssh_known_hosts_path"`

	GithubAppID             string `yaml:"github_app_id"`
	GithubAppInstallationID string `yaml:"github_app_installation_id"`
	GithubAppPrivateKeyPath string `yaml:"github_app_private_key_path"`
}

const (
	GCAuto       = "auto"
	GCAlways     = "always"
	GCAggressive = "aggressive"
	GCOff        = "off"
)

func (c *PoolConfig) validateDefaults() error {
	dc := c.Defaults
	var errs []error

	if dc.Root != "" && !filepath.IsAbs(dc.Root) {
		errs = append(errs, fmt.Errorf("root '%s' must be absolute", dc.Root))
	}
	if dc.LinkRoot != "" && !filepath.IsAbs(dc.LinkRoot) {
		errs = append(errs, fmt.Errorf("link_root '%s' must be absolute", dc.LinkRoot))
	}
	if dc.Interval != 0 && dc.Interval < MinAllowedInterval {
		errs = append(errs, fmt.Errorf("interval %s too short, must be > %s", dc.Interval, MinAllowedInterval))
	}
	if dc.MirrorTimeout != 0 && dc.MirrorTimeout < MinAllowedInterval {
		errs = append(errs, fmt.Errorf("mirror_timeout %s too short, must be > %s", dc.MirrorTimeout, MinAllowedInterval))
	}

	if dc.Auth.GithubAppID != "" || dc.Auth.GithubAppInstallationID != "" || dc.Auth.GithubAppPrivateKeyPath != "" {
		if dc.Auth.GithubAppID == "" || dc.Auth.GithubAppInstallationID == "" || dc.Auth.GithubAppPrivateKeyPath == "" {
			errs = append(errs, fmt.Errorf("all of github_app_id, github_app_installation_id and github_app_private_key_path are required together"))
		}
	}

	switch dc.GitGC {
	case "", GCAuto, GCAlways, GCAggressive, GCOff:
	default:
		errs = append(errs, fmt.Errorf("wrong git_gc value %q, must be one of %s, %s, %s, %s",
			dc.GitGC, GCAuto, GCAlways, GCAggressive, GCOff))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", errs)
	}
	return nil
}

func (c *PoolConfig) applyDefaults() {
	if c.Defaults.LinkRoot == "" {
		c.Defaults.LinkRoot = c.Defaults.Root
	}

	for i := range c.Repositories {
		m := &c.Repositories[i]
		if m.Root == "" {
			m.Root = c.Defaults.Root
		}
		if m.LinkRoot == "" {
			m.LinkRoot = c.Defaults.LinkRoot
		}
		if m.Interval == 0 {
			m.Interval = c.Defaults.Interval
		}
		if m.MirrorTimeout == 0 {
			m.MirrorTimeout = c.Defaults.MirrorTimeout
		}
		if m.GitGC == "" {
			m.GitGC = c.Defaults.GitGC
		}
		if (m.Auth == Auth{}) {
			m.Auth = c.Defaults.Auth
		}
	}
}

// validateLinkPaths makes sure all worktree link absolute paths are unique,
// since links from different mirrors may share a root.
func (c *PoolConfig) validateLinkPaths() error {
	var errs []error
	seen := make(map[string]bool)

	for _, m := range c.Repositories {
		for _, wt := range m.Worktrees {
			abs := absLink(m.LinkRoot, wt.Link)
			if seen[abs] {
				errs = append(errs, fmt.Errorf("overlapping worktree link path %q", abs))
				continue
			}
			seen[abs] = true
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", errs)
	}
	return nil
}

// ValidateAndApplyDefaults validates the pool config and fills in defaults
// and generated worktree link paths.
func (c *PoolConfig) ValidateAndApplyDefaults() error {
	if err := c.validateDefaults(); err != nil {
		return err
	}
	c.applyDefaults()

	for i := range c.Repositories {
		if err := c.Repositories[i].PopulateEmptyLinkPaths(); err != nil {
			return err
		}
	}

	return c.validateLinkPaths()
}

// PopulateEmptyLinkPaths fills in a generated link path for any worktree
// whose Link was left blank in config.
func (m *MirrorConfig) PopulateEmptyLinkPaths() error {
	for i := range m.Worktrees {
		if m.Worktrees[i].Link != "" {
			continue
		}
		if m.Worktrees[i].Ref == "" {
			m.Worktrees[i].Ref = "HEAD"
		}
		link, err := generateLink(m.Remote, m.Worktrees[i].Ref)
		if err != nil {
			return err
		}
		m.Worktrees[i].Link = link
	}
	return nil
}

func generateLink(remote, ref string) (string, error) {
	gURL, err := giturl.Parse(remote)
	if err != nil {
		return "", err
	}
	normalisedRef := normaliseReference(ref)
	if normalisedRef == "_" || normalisedRef == "." || normalisedRef == ".." {
		return "", fmt.Errorf("reference cannot be normalised")
	}
	if IsFullCommitHash(normalisedRef) {
		normalisedRef = normalisedRef[:7]
	}
	return filepath.Join(strings.TrimSuffix(gURL.Repo, ".git"), normalisedRef), nil
}
