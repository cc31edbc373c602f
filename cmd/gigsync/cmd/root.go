package cmd

import (
	"log/slog"
	"os"
	"strings"

	"github.com/mfenderov/gigsync/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	verbose bool
	cfg     config.Config
)

// GetConfig returns the loaded configuration.
func GetConfig() config.Config {
	return cfg
}

var rootCmd = &cobra.Command{
	Use:   "gigsync",
	Short: "gigsync: concert data ingestion",
	Long: `gigsync pulls concert listings from external providers, reconciles
artists, venues and concerts into one canonical catalog in PostgreSQL,
and keeps every provider within its rate limit across all workers.

Commands:
  discover       Search a provider and ingest the concerts found
  scrape-artist  Ingest all concerts of one provider artist
  scrape-venue   Ingest all concerts of one provider venue
  migrate        Create or update the catalog schema
  search         Search the concert index
  serve          Run the job worker, metrics endpoint and MCP tools
  limiter        Inspect or reset distributed rate limiter state`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig, initLogger)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")
}

func initLogger() {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	slog.SetDefault(slog.New(handler))
}

func initConfig() {
	cfg = config.Defaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath("./config")
		viper.AddConfigPath("/etc/gigsync")
		viper.AddConfigPath(".")
	}

	// GIGSYNC_POSTGRES_DSN -> postgres.dsn
	viper.SetEnvPrefix("GIGSYNC")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.BindEnv("postgres.dsn", "GIGSYNC_POSTGRES_DSN")
	viper.BindEnv("redis.addr", "GIGSYNC_REDIS_ADDR")
	viper.BindEnv("redis.password", "GIGSYNC_REDIS_PASSWORD")
	viper.BindEnv("elasticsearch.enabled", "GIGSYNC_ELASTICSEARCH_ENABLED")
	viper.BindEnv("elasticsearch.index", "GIGSYNC_ELASTICSEARCH_INDEX")
	viper.BindEnv("elasticsearch.username", "GIGSYNC_ELASTICSEARCH_USERNAME")
	viper.BindEnv("elasticsearch.password", "GIGSYNC_ELASTICSEARCH_PASSWORD")
	viper.BindEnv("storage.enabled", "GIGSYNC_STORAGE_ENABLED")
	viper.BindEnv("storage.endpoint", "GIGSYNC_STORAGE_ENDPOINT")
	viper.BindEnv("storage.access_key_id", "GIGSYNC_STORAGE_ACCESS_KEY_ID")
	viper.BindEnv("storage.secret_access_key", "GIGSYNC_STORAGE_SECRET_ACCESS_KEY")
	viper.BindEnv("worker.discovery_interval", "GIGSYNC_WORKER_DISCOVERY_INTERVAL")
	viper.BindEnv("metrics.addr", "GIGSYNC_METRICS_ADDR")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("config file error", "error", err)
		}
	}

	if err := viper.Unmarshal(&cfg); err != nil {
		slog.Warn("failed to parse config", "error", err)
	}

	// Comma-separated addresses from env
	if addrs := os.Getenv("GIGSYNC_ELASTICSEARCH_ADDRESSES"); addrs != "" {
		cfg.Elasticsearch.Addresses = strings.Split(addrs, ",")
	}

	// GIGSYNC_SETLISTFM_API_KEY -> providers[name=setlistfm].api_key
	for i, p := range cfg.Providers {
		if key := os.Getenv("GIGSYNC_" + strings.ToUpper(p.Name) + "_API_KEY"); key != "" {
			cfg.Providers[i].APIKey = key
		}
	}
}
