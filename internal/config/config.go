package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"custodyline/internal/domain"
)

// Config models custodyline.yml.
type Config struct {
	Termination struct {
		ReasonMinLength int `yaml:"reason_min_length"`
		ReasonMaxLength int `yaml:"reason_max_length"`
		// ClientOnlyFaultTypes restricts developer_failure and client_cancel to the client.
		ClientOnlyFaultTypes bool `yaml:"client_only_fault_types"`
	} `yaml:"termination"`
	Gateways map[string]Gateway `yaml:"gateways"`
	Notify   struct {
		Timeout  time.Duration `yaml:"timeout"`
		Webhooks []Webhook     `yaml:"webhooks"`
	} `yaml:"notify"`
	Auth struct {
		AdminRole string `yaml:"admin_role"`
	} `yaml:"auth"`
}

// Gateway configures the HTTP client for one payment processor.
type Gateway struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

type Webhook struct {
	URL    string   `yaml:"url"`
	Secret string   `yaml:"secret"`
	Events []string `yaml:"events"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Termination.ReasonMinLength < 1 {
		return fmt.Errorf("config.termination.reason_min_length must be at least 1")
	}
	if c.Termination.ReasonMaxLength < c.Termination.ReasonMinLength {
		return fmt.Errorf("config.termination.reason_max_length must be >= reason_min_length")
	}
	for name, gw := range c.Gateways {
		if !domain.PaymentMethod(name).UsesGateway() {
			return fmt.Errorf("config.gateways.%s is not a gateway payment method", name)
		}
		if gw.BaseURL == "" {
			return fmt.Errorf("config.gateways.%s.base_url is required", name)
		}
		if _, err := url.ParseRequestURI(gw.BaseURL); err != nil {
			return fmt.Errorf("config.gateways.%s.base_url: %w", name, err)
		}
		if gw.Timeout < 0 {
			return fmt.Errorf("config.gateways.%s.timeout must not be negative", name)
		}
	}
	if c.Notify.Timeout < 0 {
		return fmt.Errorf("config.notify.timeout must not be negative")
	}
	for i, wh := range c.Notify.Webhooks {
		if wh.URL == "" {
			return fmt.Errorf("config.notify.webhooks[%d].url is required", i)
		}
		if _, err := url.ParseRequestURI(wh.URL); err != nil {
			return fmt.Errorf("config.notify.webhooks[%d].url: %w", i, err)
		}
	}
	if c.Auth.AdminRole == "" {
		return fmt.Errorf("config.auth.admin_role is required")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "custodyline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// LoadOptional returns the default config if the workspace has none.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses config over the defaults and validates it. Secrets may be
// given as ${ENV_VAR} references.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `termination:
  reason_min_length: 10
  reason_max_length: 2000
  client_only_fault_types: true

# gateways:
#   gateway_a:
#     base_url: https://payments.example.com/v1
#     api_key: ${GATEWAY_A_API_KEY}
#     timeout: 10s

notify:
  timeout: 5s
  webhooks: []

auth:
  admin_role: admin
`
