package main

import (
	"errors"
	"os"

	"github.com/MarcoPoloResearchLab/bridal-shower/backend/internal/config"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
)

func main() {
	loadDotEnv(".env.local", ".env")

	rootCmd := &cobra.Command{
		Use:   "shower-api",
		Short: "Bridal shower guestbook service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
		SilenceUsage: true,
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newSubmitCommand(), newWatchCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadDotEnv reads env files without overriding variables that are already set,
// so earlier files win over later ones.
func loadDotEnv(files ...string) {
	for _, file := range files {
		if _, err := os.Stat(file); err != nil {
			continue
		}
		_ = godotenv.Load(file)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("provider", defaults.GetString("backend.provider"), "Message store (auto, supabase, sql, local)")
	cmd.PersistentFlags().String("remote-url", "", "Hosted project URL")
	cmd.PersistentFlags().String("database-dsn", "", "SQLite path or postgres:// DSN for the sql provider")
	cmd.PersistentFlags().String("data-file", defaults.GetString("local.data_file"), "JSON file for the local provider")
	cmd.PersistentFlags().String("photo-dir", defaults.GetString("local.photo_dir"), "Directory holding uploaded photos")
	cmd.PersistentFlags().String("photo-max-size", defaults.GetString("photo.max_size"), "Largest accepted photo (e.g. 10MB)")
	cmd.PersistentFlags().String("redis-url", "", "Redis URL relaying new messages between instances")
	cmd.PersistentFlags().String("api-url", defaults.GetString("client.api_url"), "Message API used by submit and watch")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "backend.provider", "provider")
	bindFlag(cmd, "remote.url", "remote-url")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "local.data_file", "data-file")
	bindFlag(cmd, "local.photo_dir", "photo-dir")
	bindFlag(cmd, "photo.max_size", "photo-max-size")
	bindFlag(cmd, "changefeed.redis_url", "redis-url")
	bindFlag(cmd, "client.api_url", "api-url")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}
