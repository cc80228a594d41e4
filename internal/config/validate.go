package config

import (
	"fmt"
	"regexp"

	"github.com/darkcrawl/darkcrawl/internal/link"
)

// Validate checks the configuration for invalid values.
func Validate(cfg *Config) error {
	if cfg.Frontier.Backend != "memory" && cfg.Frontier.Backend != "redis" {
		return fmt.Errorf("frontier.backend must be 'memory' or 'redis', got %q", cfg.Frontier.Backend)
	}
	if cfg.Frontier.Backend == "redis" && cfg.Frontier.RedisAddr == "" {
		return fmt.Errorf("frontier.redis_addr is required when frontier.backend is 'redis'")
	}
	if cfg.Frontier.MaxPool < 1 {
		return fmt.Errorf("frontier.max_pool must be >= 1, got %d", cfg.Frontier.MaxPool)
	}
	if cfg.Frontier.LockTimeout <= 0 {
		return fmt.Errorf("frontier.lock_timeout must be > 0")
	}

	if cfg.Scheduling.DarcCPU < 1 {
		return fmt.Errorf("scheduling.darc_cpu must be >= 1, got %d", cfg.Scheduling.DarcCPU)
	}
	if cfg.Scheduling.DarcWait <= 0 {
		return fmt.Errorf("scheduling.darc_wait must be > 0")
	}

	for name, gate := range map[string]FilterConfig{
		"filters.link": cfg.Filters.Link, "filters.mime": cfg.Filters.MIME,
	} {
		if err := validatePatterns(name, gate); err != nil {
			return err
		}
	}
	// filters.proxy entries are literal tags, not regex patterns (§4.3),
	// so there is nothing to compile-check beyond the usual string decode.

	if cfg.Caching.TimeCache < 0 {
		return fmt.Errorf("caching.time_cache must be >= 0")
	}

	for tag, params := range cfg.Proxies {
		if params.Port < 1 || params.Port > 65535 {
			return fmt.Errorf("proxies.%s.port must be 1-65535, got %d", tag, params.Port)
		}
		if params.Retry < 0 {
			return fmt.Errorf("proxies.%s.retry must be >= 0", tag)
		}
	}

	if cfg.Storage.PathData == "" {
		return fmt.Errorf("storage.path_data must not be empty")
	}
	if cfg.Storage.Mongo.Enabled && cfg.Storage.Mongo.URI == "" {
		return fmt.Errorf("storage.mongo.uri is required when storage.mongo.enabled is true")
	}

	if cfg.Submission.APIRetry < 0 {
		return fmt.Errorf("submission.api_retry must be >= 0")
	}
	if cfg.Submission.Timeout <= 0 {
		return fmt.Errorf("submission.timeout must be > 0")
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[cfg.Logging.Level] {
		return fmt.Errorf("logging.level must be debug/info/warn/error, got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "text" && cfg.Logging.Format != "json" {
		return fmt.Errorf("logging.format must be 'text' or 'json', got %q", cfg.Logging.Format)
	}

	return nil
}

func validatePatterns(name string, gate FilterConfig) error {
	for _, pat := range gate.White {
		if _, err := regexp.Compile(pat); err != nil {
			return fmt.Errorf("%s.white pattern %q: %w", name, pat, err)
		}
	}
	for _, pat := range gate.Black {
		if _, err := regexp.Compile(pat); err != nil {
			return fmt.Errorf("%s.black pattern %q: %w", name, pat, err)
		}
	}
	return nil
}

// ValidateURL checks if a raw string is a well-formed seed URL, deferring to
// the same canonicalization the crawl uses so CLI-rejected seeds and
// worker-rejected links share one notion of "malformed" (§4.1).
func ValidateURL(rawURL string) error {
	if _, err := link.Parse(rawURL); err != nil {
		return fmt.Errorf("invalid seed URL %q: %w", rawURL, err)
	}
	return nil
}
