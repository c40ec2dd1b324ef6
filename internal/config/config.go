package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTP struct {
		Enabled bool   `yaml:"enabled"`
		Bind    string `yaml:"bind" validate:"required"`
		Port    int    `yaml:"port" validate:"min=1,max=65535"`
		TLS     struct {
			Enabled bool   `yaml:"enabled"`
			Cert    string `yaml:"cert" validate:"required_if=Enabled true"`
			Key     string `yaml:"key" validate:"required_if=Enabled true"`
		} `yaml:"tls"`
	} `yaml:"http"`
	Auth struct {
		JWTPublicKeys []string `yaml:"jwt_public_keys"` // rutas a PEM
		Issuer        string   `yaml:"issuer"`
		Audience      string   `yaml:"audience"`
	} `yaml:"auth"`
	Logging struct {
		Level string `yaml:"level" validate:"oneof=debug info warn error"`
		JSON  bool   `yaml:"json"`
	} `yaml:"logging"`
	Metrics struct {
		Enabled   bool   `yaml:"enabled"`
		Namespace string `yaml:"namespace"`
	} `yaml:"metrics"`
	Plugins struct {
		Dir          string        `yaml:"dir"`
		Manifest     string        `yaml:"manifest"`
		Watch        bool          `yaml:"watch"`
		SetupTimeout time.Duration `yaml:"setup_timeout" validate:"min=0"`
		StopTimeout  time.Duration `yaml:"stop_timeout" validate:"min=0"`
	} `yaml:"plugins"`
}

// Default returns a config with every default applied.
func Default() *Config {
	var c Config
	c.applyDefaults()
	return &c
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

// Parse decodes YAML, applies defaults and validates the result.
func Parse(b []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	c.applyDefaults()
	if err := validator.New().Struct(&c); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.HTTP.Bind == "" {
		c.HTTP.Bind = "127.0.0.1"
	}
	if c.HTTP.Port == 0 {
		c.HTTP.Port = 8080
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "echohost"
	}
	if c.Plugins.SetupTimeout == 0 {
		c.Plugins.SetupTimeout = 10 * time.Second
	}
	if c.Plugins.StopTimeout == 0 {
		c.Plugins.StopTimeout = 10 * time.Second
	}
}
