package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fleetboot/discovery/internal/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const unifiedYAML = `
deployment:
  name: sensor
  environment: staging
discovery_service:
  ip: 10.42.0.1
  port: 9090
  psk: 0123abcd
  admin_token: admin-tok
netbird:
  setup_key: NB-KEY
ssh_keys:
  - ssh-ed25519 AAAA ops
security:
  max_requests_per_ip: 20
  max_requests_per_device: 0
  signature_window_seconds: 120
  replay_protection: false
  admin_requests_per_minute: 0
  trust_proxy_headers: true
database:
  url: postgres://discovery@localhost/discovery
logging:
  level: DEBUG
ntfy:
  enabled: true
  url: https://ntfy.sh/fleet
  auth_type: bearer
  token: tk_1
  timeout_seconds: 5
`

const legacyYAML = `
deployment:
  name: gw
  psk: legacy-psk
netbird:
  setup_key: NB-KEY
security:
  admin_token: legacy-admin
api:
  host: 0.0.0.0
  port: 8181
database:
  file: data/registrations.db
`

func noEnv(string) (string, bool) { return "", false }

func TestParse_Unified(t *testing.T) {
	cfg, err := Parse([]byte(unifiedYAML))
	require.NoError(t, err)

	assert.Equal(t, FormatUnified, cfg.Format)
	assert.Equal(t, "sensor", cfg.Deployment.Name)
	assert.Equal(t, "staging", cfg.Deployment.Environment)
	assert.Equal(t, "0123abcd", cfg.PSK)
	assert.Equal(t, "admin-tok", cfg.AdminToken)
	assert.Equal(t, ":9090", cfg.Listen.Addr())
	assert.Equal(t, "NB-KEY", cfg.SetupKey)
	assert.Equal(t, []string{"ssh-ed25519 AAAA ops"}, cfg.SSHKeys)

	assert.Equal(t, 20, cfg.Security.MaxRequestsPerIP)
	assert.Equal(t, 0, cfg.Security.MaxRequestsPerDevice, "explicit zero disables the ceiling")
	assert.Equal(t, 120*time.Second, cfg.Security.SignatureWindow)
	assert.Equal(t, DefaultRateLimitWindow, cfg.Security.RateLimitWindow)
	assert.False(t, cfg.Security.ReplayProtection)
	assert.Equal(t, 0, cfg.Security.AdminRequestsPerMin, "explicit zero disables the admin limiter")
	assert.True(t, cfg.Security.TrustProxyHeaders)
	assert.True(t, cfg.Logging.Debug())

	assert.True(t, cfg.NTFY.Enabled)
	assert.Equal(t, notify.AuthBearer, cfg.NTFY.AuthType)
	assert.Equal(t, "tk_1", cfg.NTFY.Token)
	assert.Equal(t, 5*time.Second, cfg.NTFY.Timeout)
	assert.Equal(t, DefaultNTFYRetries, cfg.NTFY.RetryAttempts)
	assert.Equal(t, []string{"raspberry-pi", "bootstrap"}, cfg.NTFY.Tags)

	require.NoError(t, cfg.Validate())
}

func TestParse_LegacyDefaults(t *testing.T) {
	cfg, err := Parse([]byte(legacyYAML))
	require.NoError(t, err)

	assert.Equal(t, FormatLegacy, cfg.Format)
	assert.Equal(t, "legacy-psk", cfg.PSK)
	assert.Equal(t, "legacy-admin", cfg.AdminToken)
	assert.Equal(t, 8181, cfg.Listen.Port)
	assert.Equal(t, DefaultIP, cfg.Listen.IP)
	assert.Equal(t, "production", cfg.Deployment.Environment)
	assert.Equal(t, DefaultMaxRequestsPerIP, cfg.Security.MaxRequestsPerIP)
	assert.Equal(t, DefaultMaxRequestsPerDevice, cfg.Security.MaxRequestsPerDevice)
	assert.Equal(t, DefaultSignatureWindow, cfg.Security.SignatureWindow)
	assert.True(t, cfg.Security.ReplayProtection)
	assert.Equal(t, DefaultAdminRequestsPerMin, cfg.Security.AdminRequestsPerMin)
	assert.False(t, cfg.Security.TrustProxyHeaders, "proxy headers are ignored unless enabled")
	assert.False(t, cfg.NTFY.Enabled)

	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database url is required")
}

func TestApplyEnv(t *testing.T) {
	cfg, err := Parse([]byte(legacyYAML))
	require.NoError(t, err)

	env := map[string]string{
		"DATABASE_URL":          "memory://",
		"PORT":                  "7000",
		"DISCOVERY_PSK":         "env-psk",
		"DISCOVERY_ADMIN_TOKEN": "env-admin",
	}
	cfg.ApplyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})

	assert.Equal(t, "memory://", cfg.Database.URL)
	assert.Equal(t, 7000, cfg.Listen.Port)
	assert.Equal(t, "env-psk", cfg.PSK)
	assert.Equal(t, "env-admin", cfg.AdminToken)
	assert.NoError(t, cfg.Validate())

	cfg.ApplyEnv(noEnv)
	assert.Equal(t, "env-psk", cfg.PSK, "absent variables keep current values")
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Parse([]byte(unifiedYAML))
		require.NoError(t, err)
		return cfg
	}

	cases := map[string]func(c *Config){
		"missing psk":         func(c *Config) { c.PSK = "" },
		"missing name":        func(c *Config) { c.Deployment.Name = "" },
		"name with dot":       func(c *Config) { c.Deployment.Name = "sensor.lab" },
		"name trailing dash":  func(c *Config) { c.Deployment.Name = "sensor-" },
		"missing setup key":   func(c *Config) { c.SetupKey = "" },
		"zero window":         func(c *Config) { c.Security.SignatureWindow = 0 },
		"negative limit":      func(c *Config) { c.Security.MaxRequestsPerIP = -1 },
		"negative admin rate": func(c *Config) { c.Security.AdminRequestsPerMin = -1 },
		"bad port":            func(c *Config) { c.Listen.Port = 70000 },
		"ntfy without url":    func(c *Config) { c.NTFY.URL = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := base()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoad_DetectsSearchPaths(t *testing.T) {
	dir := t.TempDir()
	unified := filepath.Join(dir, ".deployment.yaml")
	legacy := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(legacy, []byte(legacyYAML), 0o600))

	origSearch := SearchPaths
	t.Cleanup(func() { SearchPaths = origSearch })
	SearchPaths = []string{filepath.Join(dir, "missing.yaml"), unified}

	_, err := Detect()
	assert.Error(t, err, "nothing on the search path and no legacy file in CWD")

	require.NoError(t, os.WriteFile(unified, []byte(unifiedYAML), 0o600))
	found, err := Detect()
	require.NoError(t, err)
	assert.Equal(t, unified, found)

	t.Setenv("DATABASE_URL", "")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, unified, cfg.Path)
	assert.Equal(t, FormatUnified, cfg.Format)

	t.Setenv("DATABASE_URL", "memory://")
	cfg, err = Load(legacy)
	require.NoError(t, err)
	assert.Equal(t, FormatLegacy, cfg.Format)
	assert.Equal(t, "memory://", cfg.Database.URL)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
