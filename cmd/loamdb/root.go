package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/aretw0/loamdb"
	"github.com/aretw0/loamdb/internal/platform"
	"github.com/aretw0/loamdb/pkg/core"
)

// settingFlags maps settings keys to the persistent flags that set them.
var settingFlags = map[string]string{
	"path":           "path",
	"adapter":        "adapter",
	"codec":          "codec",
	"system_dir":     "system-dir",
	"read_only":      "read-only",
	"cache_capacity": "cache-capacity",
	"debounce":       "debounce",
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "loamdb",
	Short: "A document store with revisions, batches and change feeds",
	Long: `loamdb stores JSON documents with optimistic revisions.
It works on a plain directory (one file per document), SQLite or PostgreSQL.

Settings come from flags, LOAMDB_* environment variables (.env is loaded)
or a loamdb.yaml file at the store root.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		for key, flag := range settingFlags {
			if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
				return err
			}
		}
		if err := viper.BindPFlag("verbose", cmd.Flags().Lookup("verbose")); err != nil {
			return err
		}

		level := slog.LevelInfo
		if viper.GetBool("verbose") {
			level = slog.LevelDebug
		}
		logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
		slog.SetDefault(logger)
		core.InitLogging(logger)

		return readConfigFile(cmd)
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initEnv)

	flags := rootCmd.PersistentFlags()
	flags.BoolP("verbose", "v", false, "Enable verbose logging")
	flags.String("config", "", "Settings file (default: loamdb.yaml at the store root)")
	flags.StringP("path", "p", "", "Store location: directory, database file or connection string (default: nearest store root)")
	flags.String("adapter", platform.AdapterFS, "Storage engine ("+strings.Join(platform.Adapters(), ", ")+")")
	flags.String("codec", "json", "Body codec (json, yaml)")
	flags.String("system-dir", "", "Hidden directory of the fs engine (default .loamdb)")
	flags.Bool("read-only", false, "Reject every write")
	flags.Int("cache-capacity", 0, "Maximum resident handles (0: default)")
	flags.Duration("debounce", 0, "Watcher debounce window (0: default)")
}

// initEnv loads .env files and environment variables.
func initEnv() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("loamdb")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	_ = viper.BindEnv("name")
	_ = viper.BindEnv("encryption_key")
	_ = viper.BindEnv("dev_safety")
}

func readConfigFile(cmd *cobra.Command) error {
	if file, _ := cmd.Flags().GetString("config"); file != "" {
		viper.SetConfigFile(file)
	} else {
		viper.SetConfigName(strings.TrimSuffix(platform.SettingsFile, ".yaml"))
		viper.SetConfigType("yaml")
		viper.AddConfigPath(storeRoot())
	}

	err := viper.ReadInConfig()
	var notFound viper.ConfigFileNotFoundError
	switch {
	case err == nil:
		slog.Debug("settings file loaded", "file", viper.ConfigFileUsed())
	case errors.As(err, &notFound):
	default:
		return fmt.Errorf("settings: %w", err)
	}
	return nil
}

// storeRoot picks the store location when no path is configured: the
// nearest directory holding a store, else the working directory.
func storeRoot() string {
	if p := viper.GetString("path"); p != "" {
		return p
	}
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	if root, err := platform.FindRoot(wd, viper.GetString("system_dir")); err == nil {
		return root
	}
	return wd
}

func loadSettings() (platform.Settings, error) {
	var s platform.Settings
	if err := viper.Unmarshal(&s); err != nil {
		return s, fmt.Errorf("settings: %w", err)
	}
	if s.Path == "" {
		s.Path = storeRoot()
	}
	return s, nil
}

// openStore opens the configured store. Read commands pass
// loamdb.WithReadOnly(true) so nothing is created on disk.
func openStore(extra ...loamdb.Option) (*loamdb.Store, error) {
	s, err := loadSettings()
	if err != nil {
		return nil, err
	}
	opts := append(s.Options(), loamdb.WithLogger(slog.Default()), loamdb.WithName("cli"))
	opts = append(opts, extra...)
	return loamdb.Open(s.Path, opts...)
}
