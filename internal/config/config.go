// Package config parses the YAML configuration file that describes a
// backup target: the remote host to pull from and the local store to
// write into.
package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/blockvault/internal/store"
)

// VerifyMode selects how the remote host key is authenticated.
type VerifyMode string

const (
	// VerifyInsecure accepts any host key without verification.
	VerifyInsecure VerifyMode = "insecure"
	// VerifyKnownHosts checks the remote host key against ~/.ssh/known_hosts.
	VerifyKnownHosts VerifyMode = "known_hosts"
)

// Scripts names optional remote commands run around a pull.
type Scripts struct {
	PrePull  string `yaml:"pre_pull"`
	PostPull string `yaml:"post_pull"`
}

// Remote describes the SSH target and the device to read from it.
type Remote struct {
	Server  string     `yaml:"server"`
	Port    int        `yaml:"port"`
	User    string     `yaml:"user"`
	Key     string     `yaml:"key"`
	Verify  VerifyMode `yaml:"verify"`
	Image   string     `yaml:"image"`
	Scripts Scripts    `yaml:"scripts"`
}

// Local describes where the backup history is kept.
type Local struct {
	DB       string `yaml:"db"`
	PullLock string `yaml:"pull_lock"`
}

// Config is the top-level shape of a blockvault config file.
type Config struct {
	Remote Remote `yaml:"remote"`
	Local  Local  `yaml:"local"`
}

// Load reads and strictly parses the config file at path. Unknown keys are
// rejected, matching the contract that the config file's shape is fixed.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("%w: read config %s: %v", store.ErrConfigInvalid, path, err)
	}

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: parse config %s: %v", store.ErrConfigInvalid, path, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks that required fields are present and well-formed.
func (c Config) Validate() error {
	if c.Remote.Server == "" {
		return fmt.Errorf("%w: remote.server is required", store.ErrConfigInvalid)
	}
	if c.Remote.User == "" {
		return fmt.Errorf("%w: remote.user is required", store.ErrConfigInvalid)
	}
	if c.Remote.Key == "" {
		return fmt.Errorf("%w: remote.key is required", store.ErrConfigInvalid)
	}
	if c.Remote.Image == "" {
		return fmt.Errorf("%w: remote.image is required", store.ErrConfigInvalid)
	}
	switch c.Remote.Verify {
	case VerifyInsecure, VerifyKnownHosts:
	default:
		return fmt.Errorf("%w: remote.verify must be %q or %q, got %q",
			store.ErrConfigInvalid, VerifyInsecure, VerifyKnownHosts, c.Remote.Verify)
	}
	if c.Local.DB == "" {
		return fmt.Errorf("%w: local.db is required", store.ErrConfigInvalid)
	}
	return nil
}

// PortOrDefault returns the SSH port to use, defaulting to 22.
func (r Remote) PortOrDefault() int {
	if r.Port == 0 {
		return 22
	}
	return r.Port
}
