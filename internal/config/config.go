// Package config loads flmw configuration: built-in defaults, then an
// optional YAML file, then environment variables (highest precedence).
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/idna"
	"gopkg.in/yaml.v3"
)

// ErrMissingDomain is returned by Validate when no primary mirror is set.
var ErrMissingDomain = errors.New("config: FL_DOMAIN is required")

// Config is the process configuration.
type Config struct {
	// Domain is the primary mirror hostname (no scheme).
	Domain string `yaml:"domain"`
	// SecondaryDomain is an optional second mirror used for load spreading.
	SecondaryDomain string `yaml:"secondary_domain"`

	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Passkey  string `yaml:"passkey"`

	// AltSubTag is appended to item names carrying the alternate subtitle.
	AltSubTag string `yaml:"alt_sub_tag"`

	BindIP string `yaml:"bind_ip"`
	Port   int    `yaml:"port"`

	CacheDB    string `yaml:"cache_db"`
	SessionDir string `yaml:"session_dir"`
	LogLevel   string `yaml:"log_level"`
	// LogFile, when set, receives a rotated copy of the JSON log.
	LogFile string `yaml:"log_file"`
	// SQLTrace logs every cache statement through the tracing driver.
	SQLTrace bool `yaml:"sql_trace"`

	Browser BrowserConfig `yaml:"browser"`
	Scrape  ScrapeConfig  `yaml:"scrape"`
}

// BrowserConfig controls Chrome.
type BrowserConfig struct {
	Headless bool   `yaml:"headless"`
	Bin      string `yaml:"bin"`
	Remote   string `yaml:"remote"`

	// XvfbDisplay starts Xvfb on this display for headful runs, e.g. ":99".
	XvfbDisplay string `yaml:"xvfb_display"`
}

// ScrapeConfig controls the scrape pool.
type ScrapeConfig struct {
	Workers     int           `yaml:"workers"`
	Monitor     bool          `yaml:"monitor"`
	ExtractMode string        `yaml:"extract_mode"` // dom | html
	TaskTimeout time.Duration `yaml:"task_timeout"`
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// path is empty) and the environment read through getenv. A nil getenv
// means os.Getenv.
func Load(path string, getenv func(string) string) (*Config, error) {
	if getenv == nil {
		getenv = os.Getenv
	}

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(getenv); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	flag := func(key string, dst *bool) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v == "true"
		}
	}
	num := func(key string, dst *int) error {
		v := strings.TrimSpace(getenv(key))
		if v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", key, err)
		}
		*dst = n
		return nil
	}

	str("FL_DOMAIN", &c.Domain)
	str("FL_DOMAIN_SECONDARY", &c.SecondaryDomain)
	str("FL_USER", &c.User)
	str("FL_PASS", &c.Password)
	str("FL_PASSKEY", &c.Passkey)
	str("RO_SUB_TAG", &c.AltSubTag)
	str("SERVER_IP_BIND", &c.BindIP)
	str("CACHE_DB", &c.CacheDB)
	str("SESSION_DIR", &c.SessionDir)
	str("LOG_LEVEL", &c.LogLevel)
	str("LOG_FILE", &c.LogFile)
	str("CHROME_BIN", &c.Browser.Bin)
	str("BROWSER_REMOTE", &c.Browser.Remote)
	str("XVFB_DISPLAY", &c.Browser.XvfbDisplay)
	str("EXTRACT_MODE", &c.Scrape.ExtractMode)
	flag("HEADLESS", &c.Browser.Headless)
	flag("CLUSTER_MONITOR", &c.Scrape.Monitor)
	flag("SQL_TRACE", &c.SQLTrace)

	if err := num("SERVER_PORT", &c.Port); err != nil {
		return err
	}
	return num("WORKERS", &c.Scrape.Workers)
}

func (c *Config) applyDefaults() {
	if c.AltSubTag == "" {
		c.AltSubTag = "RO-SUB"
	}
	if c.BindIP == "" {
		c.BindIP = "0.0.0.0"
	}
	if c.Port <= 0 {
		c.Port = 3998
	}
	if c.CacheDB == "" {
		c.CacheDB = "cache.sqlite"
	}
	if c.SessionDir == "" {
		c.SessionDir = "session"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Scrape.Workers <= 0 {
		c.Scrape.Workers = 5
	}
	if c.Scrape.ExtractMode == "" {
		c.Scrape.ExtractMode = "dom"
	}
	if c.Scrape.TaskTimeout <= 0 {
		c.Scrape.TaskTimeout = 120 * time.Second
	}
}

// Validate reports configuration errors that make startup pointless.
func (c *Config) Validate() error {
	if c.Domain == "" {
		return ErrMissingDomain
	}
	if strings.Contains(c.Domain, "://") || strings.Contains(c.SecondaryDomain, "://") {
		return fmt.Errorf("config: domains must be bare hostnames, got %q / %q", c.Domain, c.SecondaryDomain)
	}
	for _, d := range []string{c.Domain, c.SecondaryDomain} {
		if d == "" {
			continue
		}
		if _, err := idna.Lookup.ToASCII(d); err != nil {
			return fmt.Errorf("config: invalid domain %q: %w", d, err)
		}
	}
	switch c.Scrape.ExtractMode {
	case "dom", "html":
	default:
		return fmt.Errorf("config: unknown extract mode %q", c.Scrape.ExtractMode)
	}
	return nil
}

// BaseURL is the primary mirror URL.
func (c *Config) BaseURL() string {
	return "https://" + c.Domain
}

// SecondaryURL is the secondary mirror URL, or "" when not configured.
func (c *Config) SecondaryURL() string {
	if c.SecondaryDomain == "" {
		return ""
	}
	return "https://" + c.SecondaryDomain
}

// Addr is the listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.BindIP, strconv.Itoa(c.Port))
}
