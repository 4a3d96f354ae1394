package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/fleetboot/discovery/internal/notify"
	"gopkg.in/yaml.v3"
)

// SearchPaths are tried in order when no config path is given
var SearchPaths = []string{
	"/app/parent/.deployment.yaml",
	"../.deployment.yaml",
	".deployment.yaml",
}

// LegacyPath is the pre-unified config location, used only when no SearchPaths entry exists
const LegacyPath = "config/config.yaml"

// Format identifies which document layout was loaded
type Format string

const (
	FormatUnified Format = "unified"
	FormatLegacy  Format = "legacy"
)

var hostnamePrefix = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9-]*[A-Za-z0-9])?$`)

// Config holds the application configuration
type Config struct {
	Deployment Deployment
	Listen     Listen
	PSK        string
	AdminToken string
	SetupKey   string
	SSHKeys    []string
	Security   Security
	Database   Database
	Logging    Logging
	NTFY       notify.Config

	Path   string
	Format Format
}

type Deployment struct {
	Name        string
	Environment string
	Description string
}

type Listen struct {
	// IP is the address devices are told to reach; the server binds all interfaces
	IP   string
	Port int
}

// Addr returns the bind address
func (l Listen) Addr() string {
	return ":" + strconv.Itoa(l.Port)
}

type Security struct {
	MaxRequestsPerIP     int
	MaxRequestsPerDevice int
	SignatureWindow      time.Duration
	RateLimitWindow      time.Duration
	ReplayProtection     bool
	// AdminRequestsPerMin of 0 disables the admin rate limiter
	AdminRequestsPerMin int
	TrustProxyHeaders   bool
}

type Database struct {
	URL string
}

type Logging struct {
	Level string
	JSON  bool
}

// Debug reports whether debug logging is configured
func (l Logging) Debug() bool {
	return strings.EqualFold(l.Level, "debug")
}

// Defaults
const (
	DefaultPort                 = 8080
	DefaultIP                   = "10.42.0.1"
	DefaultMaxRequestsPerIP     = 10
	DefaultMaxRequestsPerDevice = 3
	DefaultSignatureWindow      = 300 * time.Second
	DefaultRateLimitWindow      = 60 * time.Minute
	DefaultAdminRequestsPerMin  = 30
	DefaultNTFYTimeout          = 10 * time.Second
	DefaultNTFYRetries          = 3
)

// file mirrors both YAML layouts; pointers distinguish unset from zero
type file struct {
	Deployment struct {
		Name        string `yaml:"name"`
		Environment string `yaml:"environment"`
		Description string `yaml:"description"`
		PSK         string `yaml:"psk"`
	} `yaml:"deployment"`
	DiscoveryService *struct {
		IP         string `yaml:"ip"`
		Port       int    `yaml:"port"`
		PSK        string `yaml:"psk"`
		AdminToken string `yaml:"admin_token"`
	} `yaml:"discovery_service"`
	Netbird struct {
		SetupKey string `yaml:"setup_key"`
	} `yaml:"netbird"`
	SSHKeys  []string `yaml:"ssh_keys"`
	Security struct {
		MaxRequestsPerIP       *int   `yaml:"max_requests_per_ip"`
		MaxRequestsPerDevice   *int   `yaml:"max_requests_per_device"`
		SignatureWindowSeconds *int   `yaml:"signature_window_seconds"`
		RateLimitWindowMinutes *int   `yaml:"rate_limit_window_minutes"`
		ReplayProtection       *bool  `yaml:"replay_protection"`
		AdminRequestsPerMinute *int   `yaml:"admin_requests_per_minute"`
		TrustProxyHeaders      bool   `yaml:"trust_proxy_headers"`
		AdminToken             string `yaml:"admin_token"`
	} `yaml:"security"`
	API struct {
		Host string `yaml:"host"`
		Port int    `yaml:"port"`
	} `yaml:"api"`
	Database struct {
		URL string `yaml:"url"`
	} `yaml:"database"`
	Logging struct {
		Level string `yaml:"level"`
		JSON  bool   `yaml:"json"`
	} `yaml:"logging"`
	NTFY struct {
		notify.Config  `yaml:",inline"`
		TimeoutSeconds int `yaml:"timeout_seconds"`
	} `yaml:"ntfy"`
}

// Load reads the YAML document at path (or the first one found on SearchPaths),
// applies environment overrides and validates the result.
func Load(path string) (*Config, error) {
	if path == "" {
		found, err := Detect()
		if err != nil {
			return nil, err
		}
		path = found
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.Path = path

	cfg.ApplyEnv(os.LookupEnv)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Detect returns the first existing config file on SearchPaths, falling back to LegacyPath
func Detect() (string, error) {
	for _, p := range SearchPaths {
		if isFile(p) {
			return p, nil
		}
	}
	if isFile(LegacyPath) {
		return LegacyPath, nil
	}
	return "", fmt.Errorf("configuration file not found (tried %s, %s)", strings.Join(SearchPaths, ", "), LegacyPath)
}

func isFile(p string) bool {
	info, err := os.Stat(p)
	return err == nil && !info.IsDir()
}

// Parse decodes either layout into a Config with defaults applied. It does not validate.
func Parse(data []byte) (*Config, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, err
	}

	cfg := &Config{
		Deployment: Deployment{
			Name:        f.Deployment.Name,
			Environment: f.Deployment.Environment,
			Description: f.Deployment.Description,
		},
		Listen:   Listen{IP: DefaultIP, Port: DefaultPort},
		SetupKey: f.Netbird.SetupKey,
		SSHKeys:  f.SSHKeys,
		Database: Database{URL: f.Database.URL},
		Logging:  Logging{Level: f.Logging.Level, JSON: f.Logging.JSON},
		NTFY:     f.NTFY.Config,
	}
	if cfg.Deployment.Environment == "" {
		cfg.Deployment.Environment = "production"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "INFO"
	}

	if ds := f.DiscoveryService; ds != nil {
		cfg.Format = FormatUnified
		cfg.PSK = ds.PSK
		cfg.AdminToken = ds.AdminToken
		if ds.IP != "" {
			cfg.Listen.IP = ds.IP
		}
		if ds.Port != 0 {
			cfg.Listen.Port = ds.Port
		}
	} else {
		cfg.Format = FormatLegacy
		cfg.PSK = f.Deployment.PSK
		cfg.AdminToken = f.Security.AdminToken
		if f.API.Port != 0 {
			cfg.Listen.Port = f.API.Port
		}
	}

	s := f.Security
	cfg.Security = Security{
		MaxRequestsPerIP:     intOr(s.MaxRequestsPerIP, DefaultMaxRequestsPerIP),
		MaxRequestsPerDevice: intOr(s.MaxRequestsPerDevice, DefaultMaxRequestsPerDevice),
		SignatureWindow:      DefaultSignatureWindow,
		RateLimitWindow:      DefaultRateLimitWindow,
		ReplayProtection:     true,
		AdminRequestsPerMin:  intOr(s.AdminRequestsPerMinute, DefaultAdminRequestsPerMin),
		TrustProxyHeaders:    s.TrustProxyHeaders,
	}
	if s.SignatureWindowSeconds != nil {
		cfg.Security.SignatureWindow = time.Duration(*s.SignatureWindowSeconds) * time.Second
	}
	if s.RateLimitWindowMinutes != nil {
		cfg.Security.RateLimitWindow = time.Duration(*s.RateLimitWindowMinutes) * time.Minute
	}
	if s.ReplayProtection != nil {
		cfg.Security.ReplayProtection = *s.ReplayProtection
	}

	cfg.NTFY.Timeout = DefaultNTFYTimeout
	if f.NTFY.TimeoutSeconds > 0 {
		cfg.NTFY.Timeout = time.Duration(f.NTFY.TimeoutSeconds) * time.Second
	}
	if cfg.NTFY.RetryAttempts <= 0 {
		cfg.NTFY.RetryAttempts = DefaultNTFYRetries
	}
	if cfg.NTFY.AuthType == "" {
		cfg.NTFY.AuthType = notify.AuthNone
	}
	if cfg.NTFY.Priority == "" {
		cfg.NTFY.Priority = notify.PriorityDefault
	}
	if cfg.NTFY.Tags == nil {
		cfg.NTFY.Tags = []string{"raspberry-pi", "bootstrap"}
	}

	return cfg, nil
}

func intOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

// ApplyEnv overrides file values with DATABASE_URL, PORT, DISCOVERY_PSK and DISCOVERY_ADMIN_TOKEN
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup("DATABASE_URL"); ok && v != "" {
		c.Database.URL = v
	}
	if v, ok := lookup("PORT"); ok && v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Listen.Port = port
		}
	}
	if v, ok := lookup("DISCOVERY_PSK"); ok && v != "" {
		c.PSK = v
	}
	if v, ok := lookup("DISCOVERY_ADMIN_TOKEN"); ok && v != "" {
		c.AdminToken = v
	}
}

// Validate checks the fields the server cannot run without
func (c *Config) Validate() error {
	var errs []error
	if c.PSK == "" {
		errs = append(errs, errors.New("psk is required"))
	}
	if c.Deployment.Name == "" {
		errs = append(errs, errors.New("deployment.name is required"))
	} else if !hostnamePrefix.MatchString(c.Deployment.Name) {
		errs = append(errs, fmt.Errorf("deployment.name %q is not a valid hostname prefix", c.Deployment.Name))
	}
	if c.SetupKey == "" {
		errs = append(errs, errors.New("netbird.setup_key is required"))
	}
	if c.Database.URL == "" {
		errs = append(errs, errors.New("database url is required (database.url or DATABASE_URL)"))
	}
	if c.Listen.Port <= 0 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid port %d", c.Listen.Port))
	}
	if c.Security.SignatureWindow <= 0 {
		errs = append(errs, errors.New("security.signature_window_seconds must be positive"))
	}
	if c.Security.RateLimitWindow <= 0 {
		errs = append(errs, errors.New("security.rate_limit_window_minutes must be positive"))
	}
	if c.Security.MaxRequestsPerIP < 0 || c.Security.MaxRequestsPerDevice < 0 || c.Security.AdminRequestsPerMin < 0 {
		errs = append(errs, errors.New("rate limits must not be negative"))
	}
	if c.NTFY.Enabled && c.NTFY.URL == "" {
		errs = append(errs, errors.New("ntfy.url is required when ntfy is enabled"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}
