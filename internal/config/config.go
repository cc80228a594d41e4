// Package config carries darkcrawl's configuration surface (spec §6) as a
// nested, mapstructure-tagged struct tree, the same shape the teacher
// repository uses for its own configuration.
package config

import "time"

// Version is set at build time via ldflags.
var Version = "dev"

// Config is the root configuration for darkcrawl.
type Config struct {
	Frontier   FrontierConfig         `mapstructure:"frontier"   yaml:"frontier"`
	Scheduling SchedulingConfig       `mapstructure:"scheduling" yaml:"scheduling"`
	Filters    FiltersConfig          `mapstructure:"filters"    yaml:"filters"`
	Caching    CachingConfig          `mapstructure:"caching"    yaml:"caching"`
	Proxies    map[string]ProxyParams `mapstructure:"proxies"    yaml:"proxies"`
	Storage    StorageConfig          `mapstructure:"storage"    yaml:"storage"`
	Submission SubmissionConfig       `mapstructure:"submission" yaml:"submission"`
	Logging    LoggingConfig          `mapstructure:"logging"    yaml:"logging"`
}

// FrontierConfig controls the dual task-queue and dedup layer (§4.2).
type FrontierConfig struct {
	Backend       string        `mapstructure:"backend"        yaml:"backend"` // "memory" or "redis"
	RedisAddr     string        `mapstructure:"redis_addr"     yaml:"redis_addr"`
	MaxPool       int           `mapstructure:"max_pool"       yaml:"max_pool"`
	BulkSize      int           `mapstructure:"bulk_size"      yaml:"bulk_size"`
	LockTimeout   time.Duration `mapstructure:"lock_timeout"   yaml:"lock_timeout"`
	RetryInterval time.Duration `mapstructure:"retry_interval" yaml:"retry_interval"`
}

// SchedulingConfig controls the two-stage worker scheduler (§4.10).
type SchedulingConfig struct {
	DarcCPU  int           `mapstructure:"darc_cpu"  yaml:"darc_cpu"`
	DarcWait time.Duration `mapstructure:"darc_wait" yaml:"darc_wait"`
	Reboot   bool          `mapstructure:"reboot"    yaml:"reboot"`
	Force    bool          `mapstructure:"force"     yaml:"force"`
	Debug    bool          `mapstructure:"debug"     yaml:"debug"`
	Verbose  bool          `mapstructure:"verbose"   yaml:"verbose"`
}

// FilterConfig is one gate's white/black/fallback triple (§4.3).
type FilterConfig struct {
	White    []string `mapstructure:"white"    yaml:"white"`
	Black    []string `mapstructure:"black"    yaml:"black"`
	Fallback bool     `mapstructure:"fallback" yaml:"fallback"`
}

// FiltersConfig groups the three filter gates.
type FiltersConfig struct {
	Link  FilterConfig `mapstructure:"link"  yaml:"link"`
	MIME  FilterConfig `mapstructure:"mime"  yaml:"mime"`
	Proxy FilterConfig `mapstructure:"proxy" yaml:"proxy"`
}

// CachingConfig controls freshness windows (§5).
type CachingConfig struct {
	// TimeCache is the freshness window. Zero means "forever" (process
	// once per URL, per the resolved Open Question in SPEC_FULL.md §9).
	// Every freshness/TTL check against TimeCache must special-case zero
	// rather than comparing elapsed time against it directly — elapsed
	// time is never less than zero, so a naive `< TimeCache` comparison
	// with TimeCache==0 means "never fresh", the opposite of "forever".
	TimeCache time.Duration `mapstructure:"time_cache" yaml:"time_cache"`
	SEWait    time.Duration `mapstructure:"se_wait"    yaml:"se_wait"`
	CheckNG   bool          `mapstructure:"check_ng"   yaml:"check_ng"`
}

// Fresh reports whether a timestamp recorded at lastVisit is still within
// this CachingConfig's freshness window. TimeCache==0 means "forever": a
// non-zero lastVisit is always fresh, never re-processed.
func (c CachingConfig) Fresh(lastVisit time.Time) bool {
	if lastVisit.IsZero() {
		return false
	}
	return c.TimeCache == 0 || time.Since(lastVisit) < c.TimeCache
}

// ForeverBackoff is the NotBefore horizon used when TimeCache==0 ("forever")
// gates a re-enqueue backoff. Frontier records have no explicit "never"
// sentinel for NotBefore (a zero NotBefore means "ready immediately"), so
// "forever" is modeled as a fixed, far-future horizon instead.
const ForeverBackoff = 100 * 365 * 24 * time.Hour

// BackoffHorizon returns the duration to add to time.Now() for a
// TimeCache-gated re-enqueue backoff, special-casing TimeCache==0.
func (c CachingConfig) BackoffHorizon() time.Duration {
	if c.TimeCache == 0 {
		return ForeverBackoff
	}
	return c.TimeCache
}

// ProxyParams are the per-proxy-tag connection parameters (§6).
type ProxyParams struct {
	Port  int           `mapstructure:"port"  yaml:"port"`
	Retry int           `mapstructure:"retry" yaml:"retry"`
	Wait  time.Duration `mapstructure:"wait"  yaml:"wait"`
	Path  string        `mapstructure:"path"  yaml:"path"`
	Args  []string      `mapstructure:"args"  yaml:"args"`
}

// StorageConfig controls the on-disk artifact layout (§6).
type StorageConfig struct {
	PathData string      `mapstructure:"path_data" yaml:"path_data"`
	Mongo    MongoConfig `mapstructure:"mongo"     yaml:"mongo"`
}

// MongoConfig is the optional MongoDB archival sink.
type MongoConfig struct {
	Enabled    bool   `mapstructure:"enabled"    yaml:"enabled"`
	URI        string `mapstructure:"uri"        yaml:"uri"`
	Database   string `mapstructure:"database"   yaml:"database"`
	Collection string `mapstructure:"collection" yaml:"collection"`
}

// SubmissionConfig controls the submission sink (§4.10 data flow, §6).
type SubmissionConfig struct {
	APINewHost  string        `mapstructure:"api_new_host"  yaml:"api_new_host"`
	APIRequests string        `mapstructure:"api_requests"  yaml:"api_requests"`
	APISelenium string        `mapstructure:"api_selenium"  yaml:"api_selenium"`
	APIRetry    int           `mapstructure:"api_retry"     yaml:"api_retry"`
	Timeout     time.Duration `mapstructure:"timeout"       yaml:"timeout"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level  string `mapstructure:"level"  yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	Output string `mapstructure:"output" yaml:"output"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Frontier: FrontierConfig{
			Backend:       "memory",
			RedisAddr:     "127.0.0.1:6379",
			MaxPool:       100,
			BulkSize:      500,
			LockTimeout:   5 * time.Second,
			RetryInterval: 30 * time.Second,
		},
		Scheduling: SchedulingConfig{
			DarcCPU:  4,
			DarcWait: 10 * time.Second,
			Reboot:   false,
			Force:    false,
		},
		Filters: FiltersConfig{
			Link:  FilterConfig{Fallback: true},
			MIME:  FilterConfig{Fallback: true},
			Proxy: FilterConfig{Fallback: true},
		},
		Caching: CachingConfig{
			TimeCache: 24 * time.Hour,
			SEWait:    2 * time.Second,
			CheckNG:   false,
		},
		Proxies: map[string]ProxyParams{
			"tor": {Port: 9050, Retry: 3, Wait: 5 * time.Second},
			"i2p": {Port: 4444, Retry: 3, Wait: 5 * time.Second},
		},
		Storage: StorageConfig{
			PathData: "./data",
		},
		Submission: SubmissionConfig{
			APIRetry: 3,
			Timeout:  10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}
