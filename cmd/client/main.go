package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/openmined/syncbox/internal/client"
	"github.com/openmined/syncbox/internal/client/config"
	"github.com/openmined/syncbox/internal/discovery"
	"github.com/openmined/syncbox/internal/logging"
	"github.com/openmined/syncbox/internal/utils"
	"github.com/openmined/syncbox/internal/version"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const envPrefix = "SYNCBOX"

var home, _ = os.UserHomeDir()

var rootCmd = &cobra.Command{
	Use:     "syncbox",
	Short:   "SyncBox client: back up a directory to a SyncBox server",
	Version: version.Detailed(),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		cmd.SilenceUsage = true

		debug, _ := cmd.Flags().GetBool("debug")
		level := slog.LevelInfo
		if debug {
			level = slog.LevelDebug
		}
		closer, err := logging.Setup(logging.Options{Name: "client", Dir: cfg.LogDir, Level: level})
		if err != nil {
			return err
		}
		defer closer.Close()

		showSyncBoxHeader(cfg)

		c, err := client.New(cfg)
		if err != nil {
			return err
		}
		defer slog.Info("Bye!")
		return c.Start(cmd.Context())
	},
}

func init() {
	setupFlags(rootCmd)
}

func setupFlags(cmd *cobra.Command) {
	cmd.Flags().SortFlags = false
	cmd.Flags().StringP("dir", "d", "", "Directory to back up")
	cmd.Flags().StringP("server", "s", "", "Server host:port, empty to discover it on the local network")
	cmd.Flags().String("id", "", "Client id, defaults to one derived from the machine id")
	cmd.Flags().String("group", discovery.DefaultGroup, "Multicast discovery group")
	cmd.Flags().Duration("retry", config.DefaultRetryDelay, "Delay before retrying a failed round")
	cmd.Flags().String("ignore", "", "Ignore file, defaults to <dir>/.syncignore")
	cmd.Flags().String("log-dir", config.DefaultLogDir, "Log directory")
	cmd.Flags().Bool("debug", false, "Enable debug logging")
	cmd.PersistentFlags().StringP("config", "c", config.DefaultConfigPath, "Client config file")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// loadConfig merges, lowest first: defaults, the config file, SYNCBOX_* env vars and
// explicitly set flags. The result is not validated.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	v := viper.New()

	v.SetDefault("client_id", "")
	v.SetDefault("dir", "")
	v.SetDefault("server", "")
	v.SetDefault("discovery.group", discovery.DefaultGroup)
	v.SetDefault("retry_delay", config.DefaultRetryDelay)
	v.SetDefault("ignore_file", "")
	v.SetDefault("log_dir", config.DefaultLogDir)

	v.SetConfigFile(resolveConfigPath(cmd).Path)
	if err := v.ReadInConfig(); err != nil {
		enoent := errors.Is(err, os.ErrNotExist)
		var notFound viper.ConfigFileNotFoundError
		if !enoent && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config read '%s': %w", v.ConfigFileUsed(), err)
		}
	}

	flags := cmd.Flags()
	v.BindPFlag("dir", flags.Lookup("dir"))
	v.BindPFlag("server", flags.Lookup("server"))
	v.BindPFlag("client_id", flags.Lookup("id"))
	v.BindPFlag("discovery.group", flags.Lookup("group"))
	v.BindPFlag("retry_delay", flags.Lookup("retry"))
	v.BindPFlag("ignore_file", flags.Lookup("ignore"))
	v.BindPFlag("log_dir", flags.Lookup("log-dir"))

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &config.Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config decode: %w", err)
	}
	if utils.FileExists(v.ConfigFileUsed()) {
		cfg.Path = v.ConfigFileUsed()
	}
	return cfg, nil
}

func showSyncBoxHeader(cfg *config.Config) {
	server := cfg.Server
	if cfg.AutoDiscover() {
		server = "discover on " + cfg.Discovery.Group
	}
	fmt.Println(cyan.Bold(true).Render(utils.SyncBoxArt))
	fmt.Println(label("client") + green.Render(cfg.ClientID))
	fmt.Println(label("dir") + lightGray.Render(cfg.Dir))
	fmt.Println(label("server") + lightGray.Render(server))
	fmt.Println(label("retry") + lightGray.Render(cfg.RetryDelay.Round(time.Second).String()))
}
