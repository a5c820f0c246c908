package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_FallsBackToDefaultsWithoutAnyFile(t *testing.T) {
	dir := t.TempDir()
	missing := filepath.Join(dir, "does-not-exist.yaml")

	c, err := LoadConfig[Config](nil, Defaults(), &missing)
	require.NoError(t, err)
	assert.Equal(t, "sqlite://ssm.db", c.DatabaseURL)
	assert.Equal(t, 8000, c.Port)
	assert.Equal(t, 120, c.SSH.TimeoutSeconds)
	assert.Equal(t, "keys/id_ssm", c.SSH.PrivateKeyFile)
}

func TestLoadConfig_ReadsExplicitFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keysyncd.yaml")
	contents := `
database_url: "postgres://localhost/keysyncd"
port: 9000
ssh:
  private_key_file: "/etc/keysyncd/id_manager"
  timeout: 30
  check_schedule: "*/5 * * * *"
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))

	c, err := LoadConfig[Config](nil, Defaults(), &path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://localhost/keysyncd", c.DatabaseURL)
	assert.Equal(t, 9000, c.Port)
	assert.Equal(t, 30, c.SSH.TimeoutSeconds)
	assert.Equal(t, "*/5 * * * *", c.SSH.CheckSchedule)
	// Defaults not overridden by the file still apply.
	assert.Equal(t, "::", c.Listen)
}

func TestLoadConfig_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keysyncd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 9000\n"), 0o600))

	t.Setenv("KEYSYNCD_PORT", "9500")

	c, err := LoadConfig[Config](nil, Defaults(), &path)
	require.NoError(t, err)
	assert.Equal(t, 9500, c.Port)
}

func TestLoadConfig_FlagsOverrideEverything(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keysyncd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 9000\n"), 0o600))
	t.Setenv("KEYSYNCD_PORT", "9500")

	cmd := &cobra.Command{Use: "keysyncd"}
	cmd.Flags().Int("port", 8000, "")
	require.NoError(t, cmd.Flags().Set("port", "9999"))

	c, err := LoadConfig[Config](cmd, Defaults(), &path)
	require.NoError(t, err)
	assert.Equal(t, 9999, c.Port)
}

func TestWriteConfigFile_RoundTrips(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	in := &Config{DatabaseURL: "sqlite://x.db", Port: 8080, SSH: SSH{TimeoutSeconds: 60}}
	require.NoError(t, WriteConfigFile(in, false))

	path, err := GetConfigPath(false)
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "database_url: sqlite://x.db")

	out, err := LoadConfig[Config](nil, Defaults(), &path)
	require.NoError(t, err)
	assert.Equal(t, 8080, out.Port)
	assert.Equal(t, 60, out.SSH.TimeoutSeconds)
}
