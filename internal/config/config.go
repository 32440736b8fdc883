package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type BasicAuth struct {
	Enabled  bool   `yaml:"enabled"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type Security struct {
	BasicAuth BasicAuth `yaml:"basic_auth"`
}

type Limits struct {
	MaxConns     int           `yaml:"max_conns"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type CA struct {
	File           string `yaml:"file"`
	Passphrase     string `yaml:"passphrase"`
	PassphraseFile string `yaml:"passphrase_file"`
	CertFile       string `yaml:"cert_file"`
	KeyFile        string `yaml:"key_file"`
	AutoGenerate   bool   `yaml:"auto_generate"`
}

type Subject struct {
	Country      string `yaml:"country"`
	State        string `yaml:"state"`
	Locality     string `yaml:"locality"`
	Organization string `yaml:"organization"`
}

type SAN struct {
	IncludeRequestedHost bool `yaml:"include_requested_host"`
}

type Issuance struct {
	Mode         string        `yaml:"mode"` // all | list
	AllowList    []string      `yaml:"allow_list"`
	Timeout      time.Duration `yaml:"timeout"`
	SingleFlight bool          `yaml:"single_flight"`
}

type TrustStore struct {
	Driver string `yaml:"driver"` // sqlite | dir | memory | none
	Path   string `yaml:"path"`
}

type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text | json
}

type Metrics struct {
	Addr string `yaml:"addr"`
}

type Config struct {
	Listen      string     `yaml:"listen"`
	ListenTLS   string     `yaml:"listen_tls"`
	DefaultHost string     `yaml:"default_host"`
	CA          CA         `yaml:"ca"`
	Subject     Subject    `yaml:"subject"`
	SAN         SAN        `yaml:"san"`
	Issuance    Issuance   `yaml:"issuance"`
	TrustStore  TrustStore `yaml:"trust_store"`
	Security    Security   `yaml:"security"`
	Limits      Limits     `yaml:"limits"`
	Logging     Logging    `yaml:"logging"`
	Metrics     Metrics    `yaml:"metrics"`
}

func defaultConfig() *Config {
	return &Config{
		Listen:      "0.0.0.0:8080",
		ListenTLS:   "0.0.0.0:8081",
		DefaultHost: "localhost",
		CA:          CA{File: besideExecutable("ca.pfx")},
		Subject:     Subject{Country: "AU", State: "NSW", Locality: "Sydney", Organization: "AlwaysOk"},
		Issuance:    Issuance{Mode: "all", SingleFlight: true},
		TrustStore:  TrustStore{Driver: "sqlite", Path: besideExecutable("truststore.db")},
		Limits:      Limits{MaxConns: 4096, ReadTimeout: 15 * time.Second, WriteTimeout: 30 * time.Second},
		Logging:     Logging{Level: "info", Format: "text"},
	}
}

// Default returns the built-in configuration.
func Default() *Config { return defaultConfig() }

func besideExecutable(name string) string {
	exe, err := os.Executable()
	if err != nil {
		return name
	}
	return filepath.Join(filepath.Dir(exe), name)
}

// Load loads config from yaml file; empty path loads defaults only.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
	}
	applyEnv(cfg)
	if err := cfg.resolvePassphrase(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("ALWAYSOK_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("ALWAYSOK_LISTEN_TLS"); v != "" {
		cfg.ListenTLS = v
	}
	if v := os.Getenv("ALWAYSOK_DEFAULT_HOST"); v != "" {
		cfg.DefaultHost = v
	}
	if v := os.Getenv("ALWAYSOK_CA_FILE"); v != "" {
		cfg.CA.File = v
	}
	if v := os.Getenv("ALWAYSOK_CA_PASSPHRASE"); v != "" {
		cfg.CA.Passphrase = v
	}
	if v := os.Getenv("ALWAYSOK_CA_PASSPHRASE_FILE"); v != "" {
		cfg.CA.PassphraseFile = v
	}
	if v := os.Getenv("ALWAYSOK_CA_CERT_FILE"); v != "" {
		cfg.CA.CertFile = v
	}
	if v := os.Getenv("ALWAYSOK_CA_KEY_FILE"); v != "" {
		cfg.CA.KeyFile = v
	}
	if v := os.Getenv("ALWAYSOK_CA_AUTO_GENERATE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.CA.AutoGenerate = b
		}
	}
	if v := os.Getenv("ALWAYSOK_SAN_INCLUDE_REQUESTED_HOST"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.SAN.IncludeRequestedHost = b
		}
	}
	if v := os.Getenv("ALWAYSOK_ISSUANCE_MODE"); v != "" {
		cfg.Issuance.Mode = v
	}
	if v := os.Getenv("ALWAYSOK_ISSUANCE_ALLOW_LIST"); v != "" {
		var list []string
		for _, p := range strings.Split(v, ",") {
			p = strings.TrimSpace(p)
			if p != "" {
				list = append(list, p)
			}
		}
		if len(list) > 0 {
			cfg.Issuance.AllowList = list
		}
	}
	if v := os.Getenv("ALWAYSOK_ISSUANCE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Issuance.Timeout = d
		}
	}
	if v := os.Getenv("ALWAYSOK_ISSUANCE_SINGLE_FLIGHT"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Issuance.SingleFlight = b
		}
	}
	if v := os.Getenv("ALWAYSOK_TRUST_STORE_DRIVER"); v != "" {
		cfg.TrustStore.Driver = v
	}
	if v := os.Getenv("ALWAYSOK_TRUST_STORE_PATH"); v != "" {
		cfg.TrustStore.Path = v
	}
	if v := os.Getenv("ALWAYSOK_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("ALWAYSOK_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("ALWAYSOK_METRICS_ADDR"); v != "" {
		cfg.Metrics.Addr = v
	}
	if v := os.Getenv("ALWAYSOK_LIMITS_MAX_CONNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Limits.MaxConns = n
		}
	}
	if v := os.Getenv("ALWAYSOK_LIMITS_READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Limits.ReadTimeout = d
		}
	}
	if v := os.Getenv("ALWAYSOK_LIMITS_WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Limits.WriteTimeout = d
		}
	}
	if v := os.Getenv("ALWAYSOK_BASIC_AUTH_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Security.BasicAuth.Enabled = b
		}
	}
	if v := os.Getenv("ALWAYSOK_BASIC_AUTH_USERNAME"); v != "" {
		cfg.Security.BasicAuth.Username = v
	}
	if v := os.Getenv("ALWAYSOK_BASIC_AUTH_PASSWORD"); v != "" {
		cfg.Security.BasicAuth.Password = v
	}
}

// resolvePassphrase reads ca.passphrase_file when no inline passphrase is set.
func (c *Config) resolvePassphrase() error {
	if c.CA.Passphrase != "" || c.CA.PassphraseFile == "" {
		return nil
	}
	b, err := os.ReadFile(c.CA.PassphraseFile)
	if err != nil {
		return fmt.Errorf("read ca passphrase: %w", err)
	}
	c.CA.Passphrase = strings.TrimRight(string(b), "\r\n")
	return nil
}

// Validate normalizes and checks values that have a closed set of options.
func (c *Config) Validate() error {
	c.Issuance.Mode = strings.ToLower(strings.TrimSpace(c.Issuance.Mode))
	if c.Issuance.Mode == "" {
		c.Issuance.Mode = "all"
	}
	c.TrustStore.Driver = strings.ToLower(strings.TrimSpace(c.TrustStore.Driver))
	switch c.Issuance.Mode {
	case "all", "list":
	default:
		return fmt.Errorf("issuance.mode must be all or list, got %q", c.Issuance.Mode)
	}
	switch c.TrustStore.Driver {
	case "", "none", "memory":
	case "sqlite", "dir":
		if c.TrustStore.Path == "" {
			return fmt.Errorf("trust_store.path is required for driver %q", c.TrustStore.Driver)
		}
	default:
		return fmt.Errorf("unknown trust_store.driver %q", c.TrustStore.Driver)
	}
	if c.Issuance.Timeout < 0 {
		return fmt.Errorf("issuance.timeout must not be negative")
	}
	if (c.CA.CertFile == "") != (c.CA.KeyFile == "") {
		return fmt.Errorf("ca.cert_file and ca.key_file must be set together")
	}
	if c.Security.BasicAuth.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("security.basic_auth requires metrics.addr")
	}
	return nil
}
