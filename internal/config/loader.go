package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Load reads configuration from file and environment; it takes no CLI flags.
// Priority (highest to lowest): env vars > config file > defaults.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigType("yaml")

	// Set defaults from struct
	setDefaults(v, cfg)

	// Environment variable support
	v.SetEnvPrefix("DARKCRAWL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Load config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Search default locations
		v.SetConfigName("darkcrawl")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		home, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(filepath.Join(home, ".darkcrawl"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && configPath != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found is okay if not explicitly specified
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

// LoadFromFile reads configuration from a specific file path.
func LoadFromFile(path string) (*Config, error) {
	return Load(path)
}

// setDefaults registers default values in viper.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("frontier.backend", cfg.Frontier.Backend)
	v.SetDefault("frontier.redis_addr", cfg.Frontier.RedisAddr)
	v.SetDefault("frontier.max_pool", cfg.Frontier.MaxPool)
	v.SetDefault("frontier.bulk_size", cfg.Frontier.BulkSize)
	v.SetDefault("frontier.lock_timeout", cfg.Frontier.LockTimeout)
	v.SetDefault("frontier.retry_interval", cfg.Frontier.RetryInterval)

	v.SetDefault("scheduling.darc_cpu", cfg.Scheduling.DarcCPU)
	v.SetDefault("scheduling.darc_wait", cfg.Scheduling.DarcWait)
	v.SetDefault("scheduling.reboot", cfg.Scheduling.Reboot)
	v.SetDefault("scheduling.force", cfg.Scheduling.Force)
	v.SetDefault("scheduling.debug", cfg.Scheduling.Debug)
	v.SetDefault("scheduling.verbose", cfg.Scheduling.Verbose)

	v.SetDefault("filters.link.white", cfg.Filters.Link.White)
	v.SetDefault("filters.link.black", cfg.Filters.Link.Black)
	v.SetDefault("filters.link.fallback", cfg.Filters.Link.Fallback)
	v.SetDefault("filters.mime.white", cfg.Filters.MIME.White)
	v.SetDefault("filters.mime.black", cfg.Filters.MIME.Black)
	v.SetDefault("filters.mime.fallback", cfg.Filters.MIME.Fallback)
	v.SetDefault("filters.proxy.white", cfg.Filters.Proxy.White)
	v.SetDefault("filters.proxy.black", cfg.Filters.Proxy.Black)
	v.SetDefault("filters.proxy.fallback", cfg.Filters.Proxy.Fallback)

	v.SetDefault("caching.time_cache", cfg.Caching.TimeCache)
	v.SetDefault("caching.se_wait", cfg.Caching.SEWait)
	v.SetDefault("caching.check_ng", cfg.Caching.CheckNG)

	v.SetDefault("proxies", cfg.Proxies)

	v.SetDefault("storage.path_data", cfg.Storage.PathData)
	v.SetDefault("storage.mongo.enabled", cfg.Storage.Mongo.Enabled)
	v.SetDefault("storage.mongo.uri", cfg.Storage.Mongo.URI)
	v.SetDefault("storage.mongo.database", cfg.Storage.Mongo.Database)
	v.SetDefault("storage.mongo.collection", cfg.Storage.Mongo.Collection)

	v.SetDefault("submission.api_new_host", cfg.Submission.APINewHost)
	v.SetDefault("submission.api_requests", cfg.Submission.APIRequests)
	v.SetDefault("submission.api_selenium", cfg.Submission.APISelenium)
	v.SetDefault("submission.api_retry", cfg.Submission.APIRetry)
	v.SetDefault("submission.timeout", cfg.Submission.Timeout)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)
	v.SetDefault("logging.output", cfg.Logging.Output)
}
