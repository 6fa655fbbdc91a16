package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/openmined/syncbox/internal/client/config"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newConfigTestCmd() *cobra.Command {
	cmd := &cobra.Command{}
	cmd.PersistentFlags().StringP("config", "c", config.DefaultConfigPath, "path to config file")
	return cmd
}

// isolateHome points candidate lookup at an empty temp dir.
func isolateHome(t *testing.T) string {
	t.Helper()
	old := home
	home = t.TempDir()
	t.Cleanup(func() { home = old })
	return home
}

func TestResolveConfigPath(t *testing.T) {
	t.Run("flag beats env", func(t *testing.T) {
		cmd := newConfigTestCmd()
		t.Setenv(envConfigPath, "/tmp/env/client.json")
		require.NoError(t, cmd.PersistentFlags().Set("config", "/tmp/flag/client.json"))

		assert.Equal(t, configLocation{Path: "/tmp/flag/client.json", Source: sourceFlag}, resolveConfigPath(cmd))
	})

	t.Run("env without flag", func(t *testing.T) {
		t.Setenv(envConfigPath, "/tmp/env/client.json")
		assert.Equal(t, configLocation{Path: "/tmp/env/client.json", Source: sourceEnv}, resolveConfigPath(newConfigTestCmd()))
	})

	t.Run("existing candidate", func(t *testing.T) {
		dir := isolateHome(t)
		t.Setenv(envConfigPath, "")
		existing := filepath.Join(dir, ".config", "syncbox", "client.json")
		require.NoError(t, os.MkdirAll(filepath.Dir(existing), 0o755))
		require.NoError(t, os.WriteFile(existing, []byte("{}"), 0o644))

		loc := resolveConfigPath(newConfigTestCmd())
		assert.Equal(t, existing, loc.Path)
		assert.Equal(t, sourceFound, loc.Source)
		assert.True(t, loc.Exists())
	})

	t.Run("default", func(t *testing.T) {
		isolateHome(t)
		t.Setenv(envConfigPath, "")
		loc := resolveConfigPath(newConfigTestCmd())
		assert.Equal(t, config.DefaultConfigPath, loc.Path)
		assert.Equal(t, sourceDefault, loc.Source)
	})
}
