package cmd

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/aweris/imgcache"
)

var rootCmd = &cobra.Command{
	Use:          "imgcache",
	Short:        "Image cache CLI",
	Long:         "CLI for fetching images through the two-tier cache and syncing the disk tier with OCI registries.",
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "config file (default: ~/.config/imgcache/config.yaml)")
	flags.String("cache-dir", "", "disk-tier directory (default: <user cache dir>/<app-id>/CacheStorage)")
	flags.String("app-id", imgcache.DefaultAppID, "application id used in the default cache path")
	flags.Int("memory-entries", 100, "memory-tier capacity")
	flags.Int("max-downloads", 3, "concurrent network fetches")
	flags.String("proxy", "", "HTTP proxy URL")
	flags.String("user-agent", "", "User-Agent header")
	flags.Duration("timeout", 0, "per-request timeout (default 15s)")
	flags.Bool("insecure-tls", true, "accept invalid TLS certificates")
	flags.Bool("coalesce", true, "share in-flight fetches of the same URL")
	flags.String("log-level", "info", "log level: debug, info, warn, error")
	flags.String("registry-username", "", "registry username for push/pull")
	flags.String("registry-password", "", "registry password for push/pull")
	flags.Int("sync-concurrency", 0, "parallel layer transfers for push/pull")

	for _, name := range []string{
		"cache-dir", "app-id", "memory-entries", "max-downloads", "proxy", "user-agent",
		"timeout", "insecure-tls", "coalesce", "log-level", "registry-username",
		"registry-password", "sync-concurrency",
	} {
		viper.BindPFlag(strings.ReplaceAll(name, "-", "_"), flags.Lookup(name))
	}
}

func initConfig() {
	if cfg := rootCmd.PersistentFlags().Lookup("config").Value.String(); cfg != "" {
		viper.SetConfigFile(cfg)
	} else {
		viper.AddConfigPath(configDir())
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("IMGCACHE")
	viper.AutomaticEnv()

	viper.ReadInConfig()
}

func configDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "imgcache")
	}
	return ".imgcache"
}

func newLogger() log.Logger {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)

	var allow level.Option
	switch strings.ToLower(viper.GetString("log_level")) {
	case "debug":
		allow = level.AllowDebug()
	case "warn":
		allow = level.AllowWarn()
	case "error":
		allow = level.AllowError()
	default:
		allow = level.AllowInfo()
	}
	return level.NewFilter(logger, allow)
}

// openEngine builds an engine from the merged flag, env and file config.
func openEngine(logger log.Logger, reg prometheus.Registerer) (*imgcache.Engine, error) {
	opts := []imgcache.Option{
		imgcache.WithAppID(viper.GetString("app_id")),
		imgcache.WithCacheDir(viper.GetString("cache_dir")),
		imgcache.WithMemoryEntries(viper.GetInt("memory_entries")),
		imgcache.WithMaxDownloads(viper.GetInt("max_downloads")),
		imgcache.WithCoalescing(viper.GetBool("coalesce")),
		imgcache.WithHTTP(imgcache.HTTPConfig{
			UserAgent:          viper.GetString("user_agent"),
			Proxy:              viper.GetString("proxy"),
			Timeout:            viper.GetDuration("timeout"),
			InsecureSkipVerify: viper.GetBool("insecure_tls"),
		}),
		imgcache.WithLogger(logger),
		imgcache.WithSyncConcurrency(viper.GetInt("sync_concurrency")),
	}
	if reg != nil {
		opts = append(opts, imgcache.WithRegisterer(reg))
	}
	if user := viper.GetString("registry_username"); user != "" {
		opts = append(opts, imgcache.WithAuth(imgcache.StaticAuthenticator{
			Username: user,
			Password: viper.GetString("registry_password"),
		}))
	}
	return imgcache.New(opts...)
}
