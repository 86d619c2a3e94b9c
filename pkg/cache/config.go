package cache

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/valandreev/sitecache/lib"
)

const (
	defaultVersion          = 1
	defaultAppName          = "portfolio"
	defaultCacheVersion     = "v1.0.0"
	defaultListen           = "127.0.0.1:8080"
	defaultDataDir          = "~/.sitecache"
	defaultOfflinePage      = "/offline.html"
	defaultNetworkTimeoutMS = 3000

	defaultStaticMaxAgeSec   = 30 * 24 * 3600
	defaultStaticMaxEntries  = 200
	defaultDynamicMaxAgeSec  = 24 * 3600
	defaultDynamicMaxEntries = 100
	defaultOfflineMaxEntries = 10

	defaultSyncPollSec      = 15
	defaultSyncSubmitSec    = 10
	defaultPrefetchParallel = 4
	defaultPrefetchRate     = 10
	defaultCleanIntervalMin = 30
	defaultMaxCacheMB       = 256
	defaultMinFreePercent   = 10
)

// Unbounded disables a partition limit when used for max_age_sec or max_entries.
const Unbounded = -1

var ErrConfigMissing = errors.New("sitecache config missing")

var (
	defaultCacheFirst = []string{
		`\.(?:js|mjs|css|woff2?|ttf|otf|eot|png|jpe?g|gif|svg|webp|avif|ico)$`,
		`^/(?:assets|fonts|images|static)/`,
	}
	defaultNetworkFirst = []string{
		`^/api/`,
		`\.json$`,
	}
	defaultPrecache = []string{"/", defaultOfflinePage}

	defaultEndpoints = map[string]string{
		"contact-form": "/api/contact",
		"analytics":    "/api/analytics",
		"error-report": "/api/errors",
	}
)

// ValidationError aggregates config validation issues.
type ValidationError struct {
	Issues []string
}

func (v ValidationError) Error() string {
	if len(v.Issues) == 0 {
		return "config validation failed"
	}
	if len(v.Issues) == 1 {
		return v.Issues[0]
	}
	return fmt.Sprintf("config validation failed: %s", v.Issues)
}

// Config describes the caching front and its persistent store.
type Config struct {
	Version          int              `yaml:"version"`
	AppName          string           `yaml:"app_name" env:"SITECACHE_APP_NAME"`
	CacheVersion     string           `yaml:"cache_version" env:"SITECACHE_CACHE_VERSION"`
	Listen           string           `yaml:"listen" env:"SITECACHE_LISTEN"`
	Origin           string           `yaml:"origin" env:"SITECACHE_ORIGIN"`
	DataDir          string           `yaml:"data_dir" env:"SITECACHE_DATA_DIR"`
	OfflinePage      string           `yaml:"offline_page" env:"SITECACHE_OFFLINE_PAGE"`
	SkipWaiting      *bool            `yaml:"skip_waiting"`
	NetworkTimeoutMS int              `yaml:"network_timeout_ms" env:"SITECACHE_NETWORK_TIMEOUT_MS"`
	Precache         []string         `yaml:"precache" env:"SITECACHE_PRECACHE" envSeparator:","`
	Partitions       PartitionsConfig `yaml:"partitions"`
	Routes           RoutesConfig     `yaml:"routes"`
	Sync             SyncConfig       `yaml:"sync"`
	Prefetch         PrefetchConfig   `yaml:"prefetch"`
	Cleaner          CleanerConfig    `yaml:"cleaner"`
	Control          ControlConfig    `yaml:"control"`
	S3               S3Config         `yaml:"s3"`
}

// PartitionPolicyConfig bounds a single partition. Zero selects the default,
// Unbounded disables the limit.
type PartitionPolicyConfig struct {
	MaxAgeSec  int `yaml:"max_age_sec"`
	MaxEntries int `yaml:"max_entries"`
}

// PartitionsConfig holds per-purpose limits.
type PartitionsConfig struct {
	Static  PartitionPolicyConfig `yaml:"static"`
	Dynamic PartitionPolicyConfig `yaml:"dynamic"`
	Offline PartitionPolicyConfig `yaml:"offline"`
}

// RoutesConfig lists path patterns per strategy. Anything matching neither
// list is served stale-while-revalidate.
type RoutesConfig struct {
	CacheFirst   []string `yaml:"cache_first"`
	NetworkFirst []string `yaml:"network_first"`
}

// SyncConfig tunes the background task queue.
type SyncConfig struct {
	PollIntervalSec  int               `yaml:"poll_interval_sec" env:"SITECACHE_SYNC_POLL_INTERVAL_SEC"`
	SubmitTimeoutSec int               `yaml:"submit_timeout_sec"`
	Endpoints        map[string]string `yaml:"endpoints" env:"SITECACHE_SYNC_ENDPOINTS"`
}

// PrefetchConfig bounds background prefetch jobs.
type PrefetchConfig struct {
	MaxConcurrent int     `yaml:"max_concurrent"`
	RatePerSec    float64 `yaml:"rate_per_sec"`
}

// CleanerConfig controls physical removal of expired and surplus entries.
type CleanerConfig struct {
	CleanIntervalMin int `yaml:"clean_interval_min"`
	MaxCacheMB       int `yaml:"max_cache_mb" env:"SITECACHE_MAX_CACHE_MB"`
	MinFreePercent   int `yaml:"min_free_percent"`
}

// ControlConfig configures the page-facing control endpoints.
type ControlConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins" env:"SITECACHE_ALLOWED_ORIGINS" envSeparator:","`
}

// S3Config is used when origin has the s3:// scheme.
type S3Config struct {
	Region         string `yaml:"region" env:"SITECACHE_S3_REGION"`
	Endpoint       string `yaml:"endpoint" env:"SITECACHE_S3_ENDPOINT"`
	Profile        string `yaml:"profile" env:"SITECACHE_S3_PROFILE"`
	ForcePathStyle bool   `yaml:"force_path_style"`
	IndexDocument  string `yaml:"index_document"`
}

// LoadConfig reads config from the provided path. When the file does not exist
// it writes a template and returns ErrConfigMissing to prompt the user to edit
// the newly created file. Environment variables override file values.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			if writeErr := writeTemplate(path); writeErr != nil {
				return nil, writeErr
			}
			return nil, ErrConfigMissing
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse sitecache config: %w", err)
	}
	if err := ParseEnv(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.Finalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultConfig returns a validated config with every default applied.
func DefaultConfig() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

// ParseEnv applies SITECACHE_* environment overrides to target.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Finalize applies defaults and validates. It is used after flags have been
// layered over a loaded config.
func (c *Config) Finalize() error {
	c.applyDefaults()
	if vErr := c.validate(); len(vErr.Issues) > 0 {
		return vErr
	}
	return nil
}

// SkipWaitingEnabled reports whether a freshly installed version activates
// without waiting for an explicit SKIP_WAITING command.
func (c Config) SkipWaitingEnabled() bool {
	return c.SkipWaiting == nil || *c.SkipWaiting
}

func (c Config) NetworkTimeout() time.Duration {
	return time.Duration(c.NetworkTimeoutMS) * time.Millisecond
}

// ResolvedDataDir expands ~ in DataDir.
func (c Config) ResolvedDataDir() (string, error) {
	return lib.ExpandPath(c.DataDir)
}

// MaxAge converts a configured limit to a duration, zero meaning unbounded.
func (p PartitionPolicyConfig) MaxAge() time.Duration {
	if p.MaxAgeSec <= 0 {
		return 0
	}
	return time.Duration(p.MaxAgeSec) * time.Second
}

// EntryLimit converts a configured limit to a count, zero meaning unbounded.
func (p PartitionPolicyConfig) EntryLimit() int {
	if p.MaxEntries <= 0 {
		return 0
	}
	return p.MaxEntries
}

func (c *Config) applyDefaults() {
	if c.Version == 0 {
		c.Version = defaultVersion
	}
	if c.AppName == "" {
		c.AppName = defaultAppName
	}
	if c.CacheVersion == "" {
		c.CacheVersion = defaultCacheVersion
	}
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.DataDir == "" {
		c.DataDir = defaultDataDir
	}
	if c.OfflinePage == "" {
		c.OfflinePage = defaultOfflinePage
	}
	if c.NetworkTimeoutMS == 0 {
		c.NetworkTimeoutMS = defaultNetworkTimeoutMS
	}
	if c.Precache == nil {
		c.Precache = append([]string(nil), defaultPrecache...)
	}
	defaultPolicy(&c.Partitions.Static, defaultStaticMaxAgeSec, defaultStaticMaxEntries)
	defaultPolicy(&c.Partitions.Dynamic, defaultDynamicMaxAgeSec, defaultDynamicMaxEntries)
	defaultPolicy(&c.Partitions.Offline, Unbounded, defaultOfflineMaxEntries)
	if c.Routes.CacheFirst == nil {
		c.Routes.CacheFirst = append([]string(nil), defaultCacheFirst...)
	}
	if c.Routes.NetworkFirst == nil {
		c.Routes.NetworkFirst = append([]string(nil), defaultNetworkFirst...)
	}
	if c.Sync.PollIntervalSec == 0 {
		c.Sync.PollIntervalSec = defaultSyncPollSec
	}
	if c.Sync.SubmitTimeoutSec == 0 {
		c.Sync.SubmitTimeoutSec = defaultSyncSubmitSec
	}
	if c.Sync.Endpoints == nil {
		c.Sync.Endpoints = make(map[string]string, len(defaultEndpoints))
	}
	for tag, endpoint := range defaultEndpoints {
		if _, ok := c.Sync.Endpoints[tag]; !ok {
			c.Sync.Endpoints[tag] = endpoint
		}
	}
	if c.Prefetch.MaxConcurrent == 0 {
		c.Prefetch.MaxConcurrent = defaultPrefetchParallel
	}
	if c.Prefetch.RatePerSec == 0 {
		c.Prefetch.RatePerSec = defaultPrefetchRate
	}
	if c.Cleaner.CleanIntervalMin == 0 {
		c.Cleaner.CleanIntervalMin = defaultCleanIntervalMin
	}
	if c.Cleaner.MaxCacheMB == 0 {
		c.Cleaner.MaxCacheMB = defaultMaxCacheMB
	}
	if c.Cleaner.MinFreePercent == 0 {
		c.Cleaner.MinFreePercent = defaultMinFreePercent
	}
	if c.Control.AllowedOrigins == nil {
		c.Control.AllowedOrigins = []string{"*"}
	}
	if c.S3.IndexDocument == "" {
		c.S3.IndexDocument = "index.html"
	}
}

func defaultPolicy(p *PartitionPolicyConfig, maxAgeSec, maxEntries int) {
	if p.MaxAgeSec == 0 {
		p.MaxAgeSec = maxAgeSec
	}
	if p.MaxEntries == 0 {
		p.MaxEntries = maxEntries
	}
}

func (c Config) validate() ValidationError {
	issues := make([]string, 0)

	if c.Version != defaultVersion {
		issues = append(issues, "version must be 1")
	}
	if strings.TrimSpace(c.AppName) == "" || strings.ContainsAny(c.AppName, " /") {
		issues = append(issues, "app_name must be non-empty and contain no spaces or slashes")
	}
	if _, err := ParseVersion(c.CacheVersion); err != nil {
		issues = append(issues, "cache_version must be a semantic version such as v1.2.0")
	}
	if c.Origin == "" {
		issues = append(issues, "origin must be set")
	} else if u, err := url.Parse(c.Origin); err != nil || u.Host == "" {
		issues = append(issues, "origin must be an absolute URL")
	} else if u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "s3" {
		issues = append(issues, "origin scheme must be http, https or s3")
	}
	if !strings.HasPrefix(c.OfflinePage, "/") {
		issues = append(issues, "offline_page must be an absolute path")
	}
	if c.NetworkTimeoutMS <= 0 {
		issues = append(issues, "network_timeout_ms must be > 0")
	}
	for _, p := range c.Precache {
		if !strings.HasPrefix(p, "/") {
			issues = append(issues, fmt.Sprintf("precache entry %q must be an absolute path", p))
		}
	}
	issues = append(issues, validatePolicy("partitions.static", c.Partitions.Static)...)
	issues = append(issues, validatePolicy("partitions.dynamic", c.Partitions.Dynamic)...)
	issues = append(issues, validatePolicy("partitions.offline", c.Partitions.Offline)...)
	issues = append(issues, validatePatterns("routes.cache_first", c.Routes.CacheFirst)...)
	issues = append(issues, validatePatterns("routes.network_first", c.Routes.NetworkFirst)...)
	if c.Sync.PollIntervalSec <= 0 {
		issues = append(issues, "sync.poll_interval_sec must be > 0")
	}
	if c.Sync.SubmitTimeoutSec <= 0 {
		issues = append(issues, "sync.submit_timeout_sec must be > 0")
	}
	for tag, endpoint := range c.Sync.Endpoints {
		if endpoint == "" {
			issues = append(issues, fmt.Sprintf("sync.endpoints.%s must not be empty", tag))
		}
	}
	if c.Prefetch.MaxConcurrent <= 0 {
		issues = append(issues, "prefetch.max_concurrent must be > 0")
	}
	if c.Prefetch.RatePerSec <= 0 {
		issues = append(issues, "prefetch.rate_per_sec must be > 0")
	}
	if c.Cleaner.CleanIntervalMin <= 0 {
		issues = append(issues, "cleaner.clean_interval_min must be > 0")
	}
	if c.Cleaner.MaxCacheMB <= 0 {
		issues = append(issues, "cleaner.max_cache_mb must be > 0")
	}
	if c.Cleaner.MinFreePercent <= 0 || c.Cleaner.MinFreePercent > 100 {
		issues = append(issues, "cleaner.min_free_percent must be in (0,100]")
	}

	return ValidationError{Issues: issues}
}

func validatePolicy(name string, p PartitionPolicyConfig) []string {
	var issues []string
	if p.MaxAgeSec < Unbounded {
		issues = append(issues, name+".max_age_sec must be > 0 or -1")
	}
	if p.MaxEntries < Unbounded {
		issues = append(issues, name+".max_entries must be > 0 or -1")
	}
	return issues
}

func validatePatterns(name string, patterns []string) []string {
	var issues []string
	for _, p := range patterns {
		if _, err := regexp.Compile(p); err != nil {
			issues = append(issues, fmt.Sprintf("%s: invalid pattern %q: %v", name, p, err))
		}
	}
	return issues
}

func writeTemplate(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	tpl := bytes.NewBufferString("# sitecache configuration\n")
	tpl.WriteString("version: 1\n")
	tpl.WriteString("app_name: portfolio\n")
	tpl.WriteString("cache_version: v1.0.0\n")
	tpl.WriteString("listen: 127.0.0.1:8080\n")
	tpl.WriteString("# origin: https://example.com or s3://bucket/prefix\n")
	tpl.WriteString("origin: \n")
	tpl.WriteString("data_dir: ~/.sitecache\n")
	tpl.WriteString("offline_page: /offline.html\n")
	tpl.WriteString("skip_waiting: true\n")
	tpl.WriteString("network_timeout_ms: 3000\n")
	tpl.WriteString("precache:\n")
	tpl.WriteString("  - /\n")
	tpl.WriteString("  - /offline.html\n")
	tpl.WriteString("# limits: 0 keeps the default, -1 disables the limit\n")
	tpl.WriteString("partitions:\n")
	tpl.WriteString("  static:\n")
	tpl.WriteString("    max_age_sec: 2592000\n")
	tpl.WriteString("    max_entries: 200\n")
	tpl.WriteString("  dynamic:\n")
	tpl.WriteString("    max_age_sec: 86400\n")
	tpl.WriteString("    max_entries: 100\n")
	tpl.WriteString("  offline:\n")
	tpl.WriteString("    max_age_sec: -1\n")
	tpl.WriteString("    max_entries: 10\n")
	tpl.WriteString("sync:\n")
	tpl.WriteString("  poll_interval_sec: 15\n")
	tpl.WriteString("  submit_timeout_sec: 10\n")
	tpl.WriteString("  endpoints:\n")
	tpl.WriteString("    contact-form: /api/contact\n")
	tpl.WriteString("    analytics: /api/analytics\n")
	tpl.WriteString("    error-report: /api/errors\n")
	tpl.WriteString("prefetch:\n")
	tpl.WriteString("  max_concurrent: 4\n")
	tpl.WriteString("  rate_per_sec: 10\n")
	tpl.WriteString("cleaner:\n")
	tpl.WriteString("  clean_interval_min: 30\n")
	tpl.WriteString("  max_cache_mb: 256\n")
	tpl.WriteString("  min_free_percent: 10\n")

	if err := os.WriteFile(path, tpl.Bytes(), 0o600); err != nil {
		return fmt.Errorf("write config template: %w", err)
	}
	return nil
}
