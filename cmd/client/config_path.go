package main

import (
	"os"
	"path/filepath"

	"github.com/openmined/syncbox/internal/client/config"
	"github.com/openmined/syncbox/internal/utils"
	"github.com/spf13/cobra"
)

const envConfigPath = envPrefix + "_CONFIG_PATH"

type configSource string

const (
	sourceFlag    configSource = "flag"
	sourceEnv     configSource = "env"
	sourceFound   configSource = "found"
	sourceDefault configSource = "default"
)

type configLocation struct {
	Path   string
	Source configSource
}

func (l configLocation) Exists() bool {
	return utils.FileExists(l.Path)
}

// configCandidates are checked in order when neither --config nor the env var is set.
func configCandidates() []string {
	return []string{
		config.DefaultConfigPath,
		filepath.Join(home, ".config", "syncbox", "client.json"),
	}
}

// resolveConfigPath: --config, then SYNCBOX_CONFIG_PATH, then the first existing candidate,
// then the default path.
func resolveConfigPath(cmd *cobra.Command) configLocation {
	if f := cmd.Flag("config"); f != nil && f.Changed {
		return configLocation{Path: f.Value.String(), Source: sourceFlag}
	}
	if p := os.Getenv(envConfigPath); p != "" {
		return configLocation{Path: p, Source: sourceEnv}
	}
	for _, candidate := range configCandidates() {
		if utils.FileExists(candidate) {
			return configLocation{Path: candidate, Source: sourceFound}
		}
	}
	return configLocation{Path: config.DefaultConfigPath, Source: sourceDefault}
}
