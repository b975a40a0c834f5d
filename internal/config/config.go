// Package config loads loxmcp configuration from file and environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Upstream holds Miniserver connection settings.
type Upstream struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Pass     string `mapstructure:"pass"`
	UseHTTPS bool   `mapstructure:"use_https"`

	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	ConnectionPool int           `mapstructure:"connection_pool"`

	// Command/value/structure paths vary between Miniserver generations.
	ValuePath     string `mapstructure:"value_path"`
	BatchPath     string `mapstructure:"batch_path"`
	CommandPath   string `mapstructure:"command_path"`
	StructurePath string `mapstructure:"structure_path"`
	WSPath        string `mapstructure:"ws_path"`

	// Strict makes an unreachable Miniserver at startup fatal (exit code 3).
	Strict bool `mapstructure:"strict"`
}

// BaseURL returns the HTTP base URL for the Miniserver.
func (u Upstream) BaseURL() string {
	scheme := "http"
	if u.UseHTTPS {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, u.Host, u.Port)
}

// Cache holds state-store TTL and sizing settings.
type Cache struct {
	LiveTTL      time.Duration `mapstructure:"live_ttl"`
	StructureTTL time.Duration `mapstructure:"structure_ttl"`
	SensorTTL    time.Duration `mapstructure:"sensor_ttl"`
	MaxEntries   int           `mapstructure:"max_entries"`
	Shards       int           `mapstructure:"shards"`
}

// RateLimits holds per-role request budgets in requests per minute.
type RateLimits struct {
	AdminRPM    int `mapstructure:"admin_rpm"`
	OperatorRPM int `mapstructure:"operator_rpm"`
	MonitorRPM  int `mapstructure:"monitor_rpm"`
	DeviceRPM   int `mapstructure:"device_rpm"`
}

// Server holds HTTP transport settings.
type Server struct {
	Host        string   `mapstructure:"host"`
	Port        int      `mapstructure:"port"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

// Addr returns the listen address as host:port.
func (s Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Config is the full loxmcp configuration.
type Config struct {
	Upstream   Upstream   `mapstructure:"upstream"`
	Cache      Cache      `mapstructure:"cache"`
	RateLimits RateLimits `mapstructure:"rate_limits"`
	Server     Server     `mapstructure:"server"`

	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	AuditLog       bool          `mapstructure:"audit_log"`
	AuditLogPath   string        `mapstructure:"audit_log_path"`
	CredentialFile string        `mapstructure:"credential_file"`

	// Sensor classification overrides: device UUID -> sensor type name.
	SensorOverrides map[string]string `mapstructure:"sensor_overrides"`
	// SensorLearning enables behavioural sampling of unclassified devices.
	SensorLearning bool `mapstructure:"sensor_learning"`
}

// Load reads configuration from an optional YAML file and LOXONE_* environment
// variables. A missing config file is not an error; defaults apply.
func Load(configPath string) (*viper.Viper, error) {
	v := viper.New()

	// Defaults.
	v.SetDefault("upstream.port", 80)
	v.SetDefault("upstream.use_https", false)
	v.SetDefault("upstream.request_timeout", "30s")
	v.SetDefault("upstream.connection_pool", 32)
	v.SetDefault("upstream.value_path", "/jdev/sps/io")
	v.SetDefault("upstream.batch_path", "/jdev/sps/io")
	v.SetDefault("upstream.command_path", "/jdev/sps/io")
	v.SetDefault("upstream.structure_path", "/data/LoxAPP3.json")
	v.SetDefault("upstream.ws_path", "/ws/rfc6455")
	v.SetDefault("upstream.strict", false)

	v.SetDefault("cache.live_ttl", "30s")
	v.SetDefault("cache.structure_ttl", "1h")
	v.SetDefault("cache.sensor_ttl", "60s")
	v.SetDefault("cache.max_entries", 10000)
	v.SetDefault("cache.shards", 32)

	v.SetDefault("rate_limits.admin_rpm", 1000)
	v.SetDefault("rate_limits.operator_rpm", 500)
	v.SetDefault("rate_limits.monitor_rpm", 200)
	v.SetDefault("rate_limits.device_rpm", 100)

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})

	v.SetDefault("request_timeout", "30s")
	v.SetDefault("audit_log", false)
	v.SetDefault("audit_log_path", "./loxmcp-audit.db")
	v.SetDefault("sensor_learning", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("loxmcp")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/loxmcp")
	}

	// Environment variable support: LOXONE_UPSTREAM_HOST etc., plus the
	// documented short forms below.
	v.SetEnvPrefix("LOXONE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindShortEnvs(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		// Config file not found is fine -- use defaults
	}

	return v, nil
}

// bindShortEnvs maps the documented LOXONE_* variables onto config keys.
func bindShortEnvs(v *viper.Viper) {
	short := map[string]string{
		"upstream.host":            "LOXONE_HOST",
		"upstream.user":            "LOXONE_USER",
		"upstream.pass":            "LOXONE_PASS",
		"upstream.port":            "LOXONE_PORT",
		"upstream.use_https":       "LOXONE_USE_HTTPS",
		// The *_S variables carry bare seconds, not duration strings; they
		// bind to integer side keys resolved in Parse.
		"upstream.request_timeout_s": "LOXONE_REQUEST_TIMEOUT_S",
		"upstream.connection_pool":   "LOXONE_CONNECTION_POOL",
		"cache.live_ttl_s":           "LOXONE_CACHE_TTL_S",
		"rate_limits.admin_rpm":    "LOXONE_RATE_LIMIT_ADMIN_RPM",
		"rate_limits.operator_rpm": "LOXONE_RATE_LIMIT_OPERATOR_RPM",
		"rate_limits.monitor_rpm":  "LOXONE_RATE_LIMIT_MONITOR_RPM",
		"rate_limits.device_rpm":   "LOXONE_RATE_LIMIT_DEVICE_RPM",
		"server.cors_origins":      "LOXONE_CORS_ORIGINS",
		"audit_log":                "LOXONE_AUDIT_LOG",
	}
	for key, env := range short {
		_ = v.BindEnv(key, env)
	}
}

// Parse unmarshals the Viper instance into a typed Config.
func Parse(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if s := v.GetInt("upstream.request_timeout_s"); s > 0 {
		cfg.Upstream.RequestTimeout = time.Duration(s) * time.Second
	}
	if s := v.GetInt("cache.live_ttl_s"); s > 0 {
		cfg.Cache.LiveTTL = time.Duration(s) * time.Second
	}
	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		return nil, fmt.Errorf("invalid server port %d", cfg.Server.Port)
	}
	return &cfg, nil
}
