package config

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	kyaml "github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server     ServerConfig     `koanf:"server" yaml:"server"`
	Cache      CacheConfig      `koanf:"cache" yaml:"cache"`
	ShortCache ShortCacheConfig `koanf:"short_cache" yaml:"short_cache"`
	Rules      RulesConfig      `koanf:"rules" yaml:"rules"`
	Fetch      FetchConfig      `koanf:"fetch" yaml:"fetch"`
	Log        LogConfig        `koanf:"log" yaml:"log"`
}

// ServerConfig contains server-related configuration
type ServerConfig struct {
	Port  int         `koanf:"port" yaml:"port"`
	HTTPS HTTPSConfig `koanf:"https" yaml:"https"`
}

// HTTPSConfig controls TLS interception
type HTTPSConfig struct {
	MITM            bool   `koanf:"mitm" yaml:"mitm"`
	CACertFile      string `koanf:"ca_cert_file" yaml:"ca_cert_file"`
	CAKeyFile       string `koanf:"ca_key_file" yaml:"ca_key_file"`
	TransparentAddr string `koanf:"transparent_addr" yaml:"transparent_addr"`
}

// CacheConfig contains persistent cache configuration
type CacheConfig struct {
	TTL     string `koanf:"ttl" yaml:"ttl"`
	Folder  string `koanf:"folder" yaml:"folder"`
	Backend string `koanf:"backend" yaml:"backend"` // "disk" or "bolt"
}

// ShortCacheConfig contains in-memory state cache configuration
type ShortCacheConfig struct {
	Enabled bool   `koanf:"enabled" yaml:"enabled"`
	TTL     string `koanf:"ttl" yaml:"ttl"`
}

// RulesConfig contains caching rules configuration
type RulesConfig struct {
	Mode  string      `koanf:"mode" yaml:"mode"` // "whitelist" or "blacklist"
	Rules []CacheRule `koanf:"rules" yaml:"rules"`
}

// CacheRule defines a caching rule
type CacheRule struct {
	BaseURI     string   `koanf:"base_uri" yaml:"base_uri"`
	Methods     []string `koanf:"methods" yaml:"methods"`
	StatusCodes []string `koanf:"status_codes" yaml:"status_codes,omitempty"` // e.g. "200", "4xx"
}

// FetchConfig contains settings of the state fetcher
type FetchConfig struct {
	Timeout string            `koanf:"timeout" yaml:"timeout"`
	Headers map[string]string `koanf:"headers" yaml:"headers,omitempty"`
}

type LogConfig struct {
	Level string `koanf:"level" yaml:"level"`
}

const (
	BackendDisk = "disk"
	BackendBolt = "bolt"
)

// Default returns the configuration used for every key the file omits
func Default() Config {
	return Config{
		Server: ServerConfig{Port: 8080},
		Cache: CacheConfig{
			TTL:     "1h",
			Folder:  "./cache",
			Backend: BackendDisk,
		},
		ShortCache: ShortCacheConfig{
			Enabled: true,
			TTL:     "30s",
		},
		Rules: RulesConfig{Mode: "blacklist"},
		Fetch: FetchConfig{Timeout: "30s"},
		Log:   LogConfig{Level: "info"},
	}
}

// Load loads configuration from a YAML file on top of the defaults
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading config defaults: %w", err)
	}

	if err := k.Load(file.Provider(path), kyaml.Parser()); err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var config Config
	if err := k.Unmarshal("", &config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	return &config, nil
}

// Dump renders the configuration as YAML
func (c *Config) Dump() ([]byte, error) {
	return yaml.Marshal(c)
}

// GetCacheTTL parses and returns the cache TTL duration
func (c *Config) GetCacheTTL() (time.Duration, error) {
	return time.ParseDuration(c.Cache.TTL)
}

// GetShortCacheTTL parses the short cache TTL. "0s" is valid.
func (c *Config) GetShortCacheTTL() (time.Duration, error) {
	return time.ParseDuration(c.ShortCache.TTL)
}

// GetFetchTimeout returns the fetch timeout, 30s when unset
func (c *Config) GetFetchTimeout() (time.Duration, error) {
	if c.Fetch.Timeout == "" {
		return 30 * time.Second, nil
	}
	return time.ParseDuration(c.Fetch.Timeout)
}

// FetchHeaders returns the default headers sent by the fetcher
func (c *Config) FetchHeaders() http.Header {
	header := http.Header{}
	for k, v := range c.Fetch.Headers {
		header.Set(k, v)
	}
	return header
}

func (c *Config) GetLogLevel() (logrus.Level, error) {
	if c.Log.Level == "" {
		return logrus.InfoLevel, nil
	}
	return logrus.ParseLevel(c.Log.Level)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}

	if c.Cache.TTL == "" {
		return fmt.Errorf("cache TTL is required")
	}

	if _, err := c.GetCacheTTL(); err != nil {
		return fmt.Errorf("invalid cache TTL format: %w", err)
	}

	if c.Cache.Folder == "" {
		return fmt.Errorf("cache folder is required")
	}

	if c.Cache.Backend != "" && c.Cache.Backend != BackendDisk && c.Cache.Backend != BackendBolt {
		return fmt.Errorf("cache backend must be '%s' or '%s', got: %s", BackendDisk, BackendBolt, c.Cache.Backend)
	}

	if c.ShortCache.Enabled {
		ttl, err := c.GetShortCacheTTL()
		if err != nil {
			return fmt.Errorf("invalid short cache TTL format: %w", err)
		}
		if ttl < 0 {
			return fmt.Errorf("short cache TTL must not be negative, got: %s", c.ShortCache.TTL)
		}
	}

	if c.Rules.Mode != "whitelist" && c.Rules.Mode != "blacklist" {
		return fmt.Errorf("rules mode must be 'whitelist' or 'blacklist', got: %s", c.Rules.Mode)
	}

	for i, rule := range c.Rules.Rules {
		for _, pattern := range rule.StatusCodes {
			if !validStatusPattern(pattern) {
				return fmt.Errorf("rule %d: invalid status code pattern: %s", i, pattern)
			}
		}
	}

	if _, err := c.GetFetchTimeout(); err != nil {
		return fmt.Errorf("invalid fetch timeout format: %w", err)
	}

	if _, err := c.GetLogLevel(); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}

	return nil
}

// MatchesStatusCode checks a status code against a pattern such as "200"
// or "4xx"
func MatchesStatusCode(code int, pattern string) bool {
	pattern = strings.ToLower(strings.TrimSpace(pattern))
	if len(pattern) == 3 && strings.HasSuffix(pattern, "xx") {
		class, err := strconv.Atoi(pattern[:1])
		if err != nil {
			return false
		}
		return code/100 == class
	}

	exact, err := strconv.Atoi(pattern)
	if err != nil {
		return false
	}
	return code == exact
}

func validStatusPattern(pattern string) bool {
	pattern = strings.ToLower(strings.TrimSpace(pattern))
	if len(pattern) != 3 {
		return false
	}
	if strings.HasSuffix(pattern, "xx") {
		return pattern[0] >= '1' && pattern[0] <= '5'
	}
	code, err := strconv.Atoi(pattern)
	return err == nil && code >= 100 && code <= 599
}
