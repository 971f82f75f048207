package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// LockoutConfig tunes the login lockout ladder.
type LockoutConfig struct {
	MaxAttempts int             `yaml:"max_attempts"`
	Periods     []time.Duration `yaml:"periods"`
	Forget      time.Duration   `yaml:"forget"`
}

// Config holds the server configuration.
type Config struct {
	Listen          string        `yaml:"listen"`
	TelemetryListen string        `yaml:"telemetry_listen"`
	DBPath          string        `yaml:"database"`
	BasePath        string        `yaml:"base_path"`
	PidFile         string        `yaml:"pid_file"`
	LogFile         string        `yaml:"log_file"`
	LogLevel        string        `yaml:"log_level"`
	LogFormat       string        `yaml:"log_format"`
	SessionTTL      time.Duration `yaml:"session_ttl"`
	Lockout         LockoutConfig `yaml:"lockout"`

	RedisAddr         string `yaml:"redis_addr"`
	RedisPassword     string `yaml:"redis_password"`
	NATSURL           string `yaml:"nats_url"`
	NATSSubjectPrefix string `yaml:"nats_subject_prefix"`

	CORSOrigins []string `yaml:"cors_origins"`

	// Parsed from command line (not YAML)
	ConfigPath string `yaml:"-"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:            "127.0.0.1:9923",
		TelemetryListen:   "127.0.0.1:9924",
		DBPath:            "fleetmon.db",
		BasePath:          "/",
		PidFile:           "fleetmon.pid",
		LogFile:           "fleetmon.log",
		LogLevel:          "info",
		LogFormat:         "console",
		SessionTTL:        12 * time.Hour,
		NATSSubjectPrefix: "fleetmon",
		CORSOrigins:       []string{"*"},
		ConfigPath:        "config.yaml",
	}
}

// BindFlags registers the server flags on fs.
func BindFlags(fs *pflag.FlagSet) {
	d := DefaultConfig()
	fs.String("config", d.ConfigPath, "Path to config.yaml")
	fs.String("listen", d.Listen, "HTTP listen address (host:port)")
	fs.String("telemetry-listen", d.TelemetryListen, "Prometheus listen address, empty to disable")
	fs.String("db", d.DBPath, "SQLite database path")
	fs.String("base-path", d.BasePath, "Base URL path for reverse proxy")
	fs.String("pid-file", d.PidFile, "PID file path")
	fs.String("log-file", d.LogFile, "Log file path (daemon mode)")
	fs.String("log-level", d.LogLevel, "Log level: debug, info, warn, error")
	fs.String("log-format", d.LogFormat, "Log format: console or json")
	fs.Duration("session-ttl", d.SessionTTL, "Lifetime of issued session tokens")
	fs.String("redis-addr", "", "Redis address for shared login lockout state")
	fs.String("nats-url", "", "NATS server URL for event publishing")
}

// Load reads configuration with priority: defaults < config.yaml < env vars < flags.
// Only flags explicitly set on fs override earlier layers. fs may be nil.
func Load(fs *pflag.FlagSet) (*Config, error) {
	cfg := DefaultConfig()

	// 1) Which file to read
	explicit := false
	if fs != nil {
		if f := fs.Lookup("config"); f != nil && f.Changed {
			cfg.ConfigPath = f.Value.String()
			explicit = true
		}
	}
	if v := os.Getenv("FLEETMON_CONFIG"); v != "" && !explicit {
		cfg.ConfigPath = v
		explicit = true
	}

	// 2) Load YAML config file
	if err := readYAML(cfg.ConfigPath, cfg, explicit); err != nil {
		return nil, err
	}

	// 3) Environment variables override YAML
	applyEnv(cfg)

	// 4) Flags override everything
	if fs != nil {
		if err := applyFlags(cfg, fs); err != nil {
			return nil, err
		}
	}

	cfg.BasePath = normalizeBasePath(cfg.BasePath)
	return cfg, nil
}

// readYAML decodes path into out. A missing file is only an error when the
// path was asked for explicitly.
func readYAML(path string, out any, explicit bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	str := map[string]*string{
		"FLEETMON_LISTEN":              &cfg.Listen,
		"FLEETMON_TELEMETRY_LISTEN":    &cfg.TelemetryListen,
		"FLEETMON_DB":                  &cfg.DBPath,
		"FLEETMON_BASE_PATH":           &cfg.BasePath,
		"FLEETMON_LOG_LEVEL":           &cfg.LogLevel,
		"FLEETMON_LOG_FORMAT":          &cfg.LogFormat,
		"FLEETMON_REDIS_ADDR":          &cfg.RedisAddr,
		"FLEETMON_REDIS_PASSWORD":      &cfg.RedisPassword,
		"FLEETMON_NATS_URL":            &cfg.NATSURL,
		"FLEETMON_NATS_SUBJECT_PREFIX": &cfg.NATSSubjectPrefix,
	}
	for key, dst := range str {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	if v := os.Getenv("FLEETMON_SESSION_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.SessionTTL = d
		}
	}
	if v := os.Getenv("FLEETMON_CORS_ORIGINS"); v != "" {
		cfg.CORSOrigins = splitList(v)
	}
}

func applyFlags(cfg *Config, fs *pflag.FlagSet) error {
	var err error
	fs.Visit(func(f *pflag.Flag) {
		if err != nil {
			return
		}
		v := f.Value.String()
		switch f.Name {
		case "listen":
			cfg.Listen = v
		case "telemetry-listen":
			cfg.TelemetryListen = v
		case "db":
			cfg.DBPath = v
		case "base-path":
			cfg.BasePath = v
		case "pid-file":
			cfg.PidFile = v
		case "log-file":
			cfg.LogFile = v
		case "log-level":
			cfg.LogLevel = v
		case "log-format":
			cfg.LogFormat = v
		case "session-ttl":
			cfg.SessionTTL, err = time.ParseDuration(v)
		case "redis-addr":
			cfg.RedisAddr = v
		case "nats-url":
			cfg.NATSURL = v
		}
	})
	return err
}

// ForwardArgs rebuilds the flags a daemon child needs to see the same config.
func (c *Config) ForwardArgs() []string {
	var args []string
	if _, err := os.Stat(c.ConfigPath); err == nil {
		args = append(args, "--config", c.ConfigPath)
	}
	args = append(args,
		"--listen", c.Listen,
		"--telemetry-listen", c.TelemetryListen,
		"--db", c.DBPath,
		"--base-path", c.BasePath,
		"--pid-file", c.PidFile,
		"--log-level", c.LogLevel,
		"--log-format", c.LogFormat,
		"--session-ttl", c.SessionTTL.String(),
	)
	if c.RedisAddr != "" {
		args = append(args, "--redis-addr", c.RedisAddr)
	}
	if c.NATSURL != "" {
		args = append(args, "--nats-url", c.NATSURL)
	}
	return args
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// normalizeBasePath ensures the base path starts with "/" and has no trailing "/".
// Returns "/" for empty or root paths.
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" || p == "/" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	p = strings.TrimRight(p, "/")
	return p
}
