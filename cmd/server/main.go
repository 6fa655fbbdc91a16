package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/openmined/syncbox/internal/discovery"
	"github.com/openmined/syncbox/internal/logging"
	"github.com/openmined/syncbox/internal/server"
	"github.com/openmined/syncbox/internal/server/status"
	"github.com/openmined/syncbox/internal/utils"
	"github.com/openmined/syncbox/internal/version"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	envPrefix      = "SYNCBOX"
	configFileName = "server"
)

var home, _ = os.UserHomeDir()

var headerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("14")).Bold(true)

var rootCmd = &cobra.Command{
	Use:     "syncbox-server",
	Short:   "SyncBox archive server",
	Version: version.Detailed(),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		srv, err := server.New(cfg)
		if err != nil {
			return err
		}
		cmd.SilenceUsage = true

		debug, _ := cmd.Flags().GetBool("debug")
		closer, err := logging.Setup(logging.Options{Name: "server", Dir: cfg.LogDir, Level: logLevel(debug)})
		if err != nil {
			return err
		}
		defer closer.Close()

		fmt.Println(headerStyle.Render(utils.SyncBoxArt))
		if cfg.Path != "" {
			slog.Info("config loaded", "path", cfg.Path)
		}
		defer slog.Info("Bye!")
		return srv.Start(cmd.Context())
	},
}

func init() {
	setupFlags(rootCmd)
}

func setupFlags(cmd *cobra.Command) {
	cmd.Flags().SortFlags = false
	cmd.Flags().IntP("port", "p", server.DefaultPort, "TCP port for sync sessions")
	cmd.Flags().IntP("interval", "i", server.DefaultInterval, "Minutes between a client's sync rounds")
	cmd.Flags().StringP("archive", "a", server.DefaultArchiveDir, "Archive root directory")
	cmd.Flags().Bool("include-dirs", false, "List directories in archive manifests")
	cmd.Flags().Bool("no-discovery", false, "Do not answer multicast discovery")
	cmd.Flags().String("group", discovery.DefaultGroup, "Multicast discovery group")
	cmd.Flags().String("status-addr", server.DefaultStatusAddr, "Status API address, empty disables")
	cmd.Flags().String("log-dir", server.DefaultLogDir, "Log directory")
	cmd.Flags().Bool("debug", false, "Enable debug logging")
	cmd.PersistentFlags().StringP("config", "c", "", "Server config file")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (*server.Config, error) {
	v := viper.New()

	v.SetDefault("port", server.DefaultPort)
	v.SetDefault("interval", server.DefaultInterval)
	v.SetDefault("archive_dir", server.DefaultArchiveDir)
	v.SetDefault("include_dirs", false)
	v.SetDefault("journal", true)
	v.SetDefault("activity", true)
	v.SetDefault("discovery.enabled", true)
	v.SetDefault("discovery.group", discovery.DefaultGroup)
	v.SetDefault("status.addr", server.DefaultStatusAddr)
	v.SetDefault("status.rate", status.DefaultRate)
	v.SetDefault("mirror.bucket", "")
	v.SetDefault("mirror.region", "")
	v.SetDefault("mirror.endpoint", "")
	v.SetDefault("mirror.access_key", "")
	v.SetDefault("mirror.secret_key", "")
	v.SetDefault("mirror.prefix", "")
	v.SetDefault("log_dir", server.DefaultLogDir)

	// config path
	if cfgFlag := cmd.Flag("config"); cfgFlag != nil && cfgFlag.Changed {
		v.SetConfigFile(cfgFlag.Value.String())
	} else if envPath := os.Getenv(envPrefix + "_CONFIG_PATH"); envPath != "" {
		v.SetConfigFile(envPath)
	} else {
		v.AddConfigPath(filepath.Join(home, ".syncbox"))
		v.AddConfigPath(filepath.Join(home, ".config", "syncbox"))
		v.SetConfigName(configFileName)
	}

	if err := v.ReadInConfig(); err != nil {
		enoent := errors.Is(err, os.ErrNotExist)
		var notFound viper.ConfigFileNotFoundError
		if !enoent && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config read '%s': %w", v.ConfigFileUsed(), err)
		}
	}

	// flags win over file and env only when set
	flags := cmd.Flags()
	v.BindPFlag("port", flags.Lookup("port"))
	v.BindPFlag("interval", flags.Lookup("interval"))
	v.BindPFlag("archive_dir", flags.Lookup("archive"))
	v.BindPFlag("include_dirs", flags.Lookup("include-dirs"))
	v.BindPFlag("discovery.group", flags.Lookup("group"))
	v.BindPFlag("status.addr", flags.Lookup("status-addr"))
	v.BindPFlag("log_dir", flags.Lookup("log-dir"))

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &server.Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config decode: %w", err)
	}
	if noDiscovery, _ := flags.GetBool("no-discovery"); noDiscovery {
		cfg.Discovery.Enabled = false
	}
	cfg.Path = v.ConfigFileUsed()
	return cfg, nil
}

func logLevel(debug bool) slog.Level {
	if debug {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}
