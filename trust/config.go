package trust

import (
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// DefaultLifetimes are the per-role document lifetimes used when the
// environment does not override them. Timestamp is deliberately short:
// its expiry is what turns a withheld update into a detectable freeze.
var DefaultLifetimes = map[Role]time.Duration{
	RoleRoot:      365 * 24 * time.Hour,
	RoleTargets:   90 * 24 * time.Hour,
	RoleSnapshot:  30 * 24 * time.Hour,
	RoleTimestamp: 24 * time.Hour,
}

// Config carries everything the master and copy sides need that is not
// per-operation input. All of it comes from DTUF_* environment
// variables; there is no hidden global state.
type Config struct {
	Host             string
	AuthHost         string
	Insecure         bool
	Token            string
	Username         string
	Password         string
	RepositoriesRoot string
	Lifetimes        map[Role]time.Duration
}

// ConfigFromEnv builds a Config from the DTUF_* environment.
func ConfigFromEnv() (*Config, error) {
	c := &Config{
		Host:             os.Getenv("DTUF_HOST"),
		AuthHost:         os.Getenv("DTUF_AUTH_HOST"),
		Insecure:         os.Getenv("DTUF_INSECURE") == "1",
		Token:            os.Getenv("DTUF_TOKEN"),
		Username:         os.Getenv("DTUF_USERNAME"),
		Password:         os.Getenv("DTUF_PASSWORD"),
		RepositoriesRoot: os.Getenv("DTUF_REPOSITORIES_ROOT"),
		Lifetimes:        map[Role]time.Duration{},
	}
	if c.RepositoriesRoot == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, errors.Wrap(err, "DTUF_REPOSITORIES_ROOT unset and no home directory")
		}
		c.RepositoriesRoot = filepath.Join(home, ".dtuf")
	}
	if !filepath.IsAbs(c.RepositoriesRoot) {
		logrus.Warnf("repositories root %s is not an absolute path", c.RepositoriesRoot)
	}
	for role, fallback := range DefaultLifetimes {
		c.Lifetimes[role] = fallback
		env := os.Getenv("DTUF_" + envRole(role) + "_LIFETIME")
		if env == "" {
			continue
		}
		d, err := time.ParseDuration(env)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid %s lifetime %q", role, env)
		}
		c.Lifetimes[role] = d
	}
	return c, nil
}

// KeyPassword reads the private-key password for role from the
// environment.
func (c *Config) KeyPassword(role Role) string {
	return os.Getenv("DTUF_" + envRole(role) + "_KEY_PASSWORD")
}

// Passwords collects all four role key passwords from the environment.
func (c *Config) Passwords() Passwords {
	return Passwords{
		Root:      c.KeyPassword(RoleRoot),
		Targets:   c.KeyPassword(RoleTargets),
		Snapshot:  c.KeyPassword(RoleSnapshot),
		Timestamp: c.KeyPassword(RoleTimestamp),
	}
}

// MasterPath is the master-side state directory for a repository.
func (c *Config) MasterPath(repo string) string {
	return filepath.Join(c.RepositoriesRoot, repo, "master")
}

// CopyPath is the consumer-side state directory for a repository.
func (c *Config) CopyPath(repo string) string {
	return filepath.Join(c.RepositoriesRoot, repo, "copy")
}

// KeysPath is where the master keeps a repository's private keys.
func (c *Config) KeysPath(repo string) string {
	return filepath.Join(c.MasterPath(repo), "keys")
}

func envRole(role Role) string {
	switch role {
	case RoleRoot:
		return "ROOT"
	case RoleTargets:
		return "TARGETS"
	case RoleSnapshot:
		return "SNAPSHOT"
	case RoleTimestamp:
		return "TIMESTAMP"
	}
	return ""
}
