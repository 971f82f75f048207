package config

import (
	"os"
	"time"

	"github.com/spf13/pflag"
)

// AgentConfig holds the polling agent configuration.
type AgentConfig struct {
	Server     string        `yaml:"server"`
	Interval   time.Duration `yaml:"interval"`
	Timeout    time.Duration `yaml:"timeout"`
	Hostname   string        `yaml:"hostname"`
	LibvirtURI string        `yaml:"libvirt_uri"`
	LogLevel   string        `yaml:"log_level"`
	LogFormat  string        `yaml:"log_format"`

	ConfigPath string `yaml:"-"`
}

// DefaultAgentConfig returns the default agent configuration.
func DefaultAgentConfig() *AgentConfig {
	return &AgentConfig{
		Server:     "http://127.0.0.1:9923",
		Interval:   10 * time.Second,
		Timeout:    5 * time.Second,
		LibvirtURI: "qemu:///system",
		LogLevel:   "info",
		LogFormat:  "console",
		ConfigPath: "agent.yaml",
	}
}

// BindAgentFlags registers the agent flags on fs.
func BindAgentFlags(fs *pflag.FlagSet) {
	d := DefaultAgentConfig()
	fs.String("config", d.ConfigPath, "Path to agent.yaml")
	fs.String("server", d.Server, "fleetmon server base URL")
	fs.Duration("interval", d.Interval, "Sampling interval")
	fs.Duration("timeout", d.Timeout, "HTTP request timeout")
	fs.String("hostname", "", "Override the reported hostname")
	fs.String("libvirt-uri", d.LibvirtURI, "libvirt URI, empty to skip hypervisor detection")
	fs.String("log-level", d.LogLevel, "Log level: debug, info, warn, error")
	fs.String("log-format", d.LogFormat, "Log format: console or json")
}

// LoadAgent layers defaults < agent.yaml < FLEETMON_AGENT_* env < flags.
func LoadAgent(fs *pflag.FlagSet) (*AgentConfig, error) {
	cfg := DefaultAgentConfig()

	explicit := false
	if fs != nil {
		if f := fs.Lookup("config"); f != nil && f.Changed {
			cfg.ConfigPath = f.Value.String()
			explicit = true
		}
	}
	if err := readYAML(cfg.ConfigPath, cfg, explicit); err != nil {
		return nil, err
	}

	for key, dst := range map[string]*string{
		"FLEETMON_AGENT_SERVER":      &cfg.Server,
		"FLEETMON_AGENT_HOSTNAME":    &cfg.Hostname,
		"FLEETMON_AGENT_LIBVIRT_URI": &cfg.LibvirtURI,
		"FLEETMON_AGENT_LOG_LEVEL":   &cfg.LogLevel,
	} {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	if v := os.Getenv("FLEETMON_AGENT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Interval = d
		}
	}

	if fs == nil {
		return cfg, nil
	}
	var err error
	fs.Visit(func(f *pflag.Flag) {
		if err != nil {
			return
		}
		v := f.Value.String()
		switch f.Name {
		case "server":
			cfg.Server = v
		case "interval":
			cfg.Interval, err = time.ParseDuration(v)
		case "timeout":
			cfg.Timeout, err = time.ParseDuration(v)
		case "hostname":
			cfg.Hostname = v
		case "libvirt-uri":
			cfg.LibvirtURI = v
		case "log-level":
			cfg.LogLevel = v
		case "log-format":
			cfg.LogFormat = v
		}
	})
	if err != nil {
		return nil, err
	}
	return cfg, nil
}
