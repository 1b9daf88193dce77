// Package config loads the certmill server configuration from a YAML file
// with environment-variable overrides for secrets.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/certmill/certmill/safety"
)

// Config holds the full certmill configuration.
type Config struct {
	Listen       string        `yaml:"listen"`
	DBPath       string        `yaml:"db_path"`
	ObsDBPath    string        `yaml:"obs_db_path"`
	UploadsDir   string        `yaml:"uploads_dir"`
	OutputsDir   string        `yaml:"outputs_dir"`
	TemplatesDir string        `yaml:"templates_dir"`
	MaxUploadMB  int           `yaml:"max_upload_mb"`
	WorkerCmd    []string      `yaml:"worker_cmd"`
	JWTSecret    string        `yaml:"jwt_secret"`
	Retention    Duration      `yaml:"retention"`
	LogLevel     string        `yaml:"log_level"` // debug | info | warn | error
	SMTP         SMTPConfig    `yaml:"smtp"`
}

// Duration is a time.Duration that unmarshals from YAML strings like "5m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the duration as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// SMTPConfig configures the automation-request mailer. Disabled unless
// Host is set.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
	To       string `yaml:"to"` // recipient for new automation requests
}

// Enabled reports whether an SMTP relay is configured.
func (s SMTPConfig) Enabled() bool { return s.Host != "" }

// DefaultConfig returns sane defaults.
func DefaultConfig() *Config {
	return &Config{
		Listen:       ":8080",
		DBPath:       "certmill.db",
		ObsDBPath:    "certmill_obs.db",
		UploadsDir:   "uploads",
		OutputsDir:   "outputs",
		TemplatesDir: "templates",
		MaxUploadMB:  50,
		WorkerCmd:    []string{"python3", "worker.py"},
		Retention:    Duration(5 * time.Minute),
		LogLevel:     "info",
		SMTP: SMTPConfig{
			Port: 587,
		},
	}
}

// LoadConfig reads and parses a YAML config file. Returns DefaultConfig
// merged with the file and the environment.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyEnv()
	return cfg, cfg.Validate()
}

// applyEnv overlays secrets from the environment so they never have to
// live in the config file.
func (c *Config) applyEnv() {
	if v := os.Getenv("CERTMILL_JWT_SECRET"); v != "" {
		c.JWTSecret = v
	}
	if v := os.Getenv("CERTMILL_SMTP_PASSWORD"); v != "" {
		c.SMTP.Password = v
	}
}

// Validate checks that required fields are present and values are sane.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen is required")
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	if c.UploadsDir == "" {
		return fmt.Errorf("uploads_dir is required")
	}
	if c.OutputsDir == "" {
		return fmt.Errorf("outputs_dir is required")
	}
	if c.TemplatesDir == "" {
		return fmt.Errorf("templates_dir is required")
	}
	if c.MaxUploadMB <= 0 {
		return fmt.Errorf("max_upload_mb must be > 0")
	}
	if len(c.WorkerCmd) == 0 {
		return fmt.Errorf("worker_cmd is required")
	}
	if err := safety.ValidateSecret([]byte(c.JWTSecret)); err != nil {
		return fmt.Errorf("jwt_secret: %w", err)
	}
	if c.Retention <= 0 {
		return fmt.Errorf("retention must be > 0")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unsupported log_level %q (use debug, info, warn or error)", c.LogLevel)
	}
	if c.SMTP.Enabled() {
		if c.SMTP.From == "" {
			return fmt.Errorf("smtp: from is required")
		}
		if c.SMTP.To == "" {
			return fmt.Errorf("smtp: to is required")
		}
		if c.SMTP.Port <= 0 {
			return fmt.Errorf("smtp: port must be > 0")
		}
	}
	return nil
}

// MaxUploadBytes returns max upload size in bytes.
func (c *Config) MaxUploadBytes() int64 { return int64(c.MaxUploadMB) * 1024 * 1024 }
