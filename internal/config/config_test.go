package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/blockvault/internal/store"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_Valid(t *testing.T) {
	path := writeConfig(t, `
remote:
  server: backup-host.internal
  user: root
  key: /home/ops/.ssh/id_ed25519
  verify: known_hosts
  image: /dev/sdb
  scripts:
    pre_pull: /usr/local/bin/freeze.sh
local:
  db: /var/lib/blockvault/sdb.db
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "backup-host.internal", cfg.Remote.Server)
	require.Equal(t, 22, cfg.Remote.PortOrDefault())
	require.Equal(t, VerifyKnownHosts, cfg.Remote.Verify)
}

func TestLoad_RejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, `
remote:
  server: h
  user: u
  key: k
  verify: insecure
  image: /dev/sdb
  bogus_field: true
local:
  db: /tmp/x.db
`)

	_, err := Load(path)
	require.Error(t, err)
	require.True(t, errors.Is(err, store.ErrConfigInvalid))
}

func TestLoad_MissingRequiredField(t *testing.T) {
	path := writeConfig(t, `
remote:
  server: h
  user: u
  key: k
  verify: insecure
  image: /dev/sdb
local: {}
`)

	_, err := Load(path)
	require.Error(t, err)
	require.True(t, errors.Is(err, store.ErrConfigInvalid))
}

func TestLoad_RejectsBadVerifyMode(t *testing.T) {
	path := writeConfig(t, `
remote:
  server: h
  user: u
  key: k
  verify: trust-me
  image: /dev/sdb
local:
  db: /tmp/x.db
`)

	_, err := Load(path)
	require.Error(t, err)
}
