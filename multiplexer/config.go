package multiplexer

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"

	"github.com/refractionPOINT/lc-extension-sdk/common"
)

// Config is the multiplexer's own configuration. It comes entirely
// from environment variables prefixed with MUX_, the proxied
// extension's schemas are passed as JSON blobs since they have to
// match the downstream extension byte for byte.
type Config struct {
	ExtensionName string `koanf:"extension_name"`
	SharedSecret  string `koanf:"shared_secret"`

	RedisAddr     string `koanf:"redis_addr"`
	RedisPassword string `koanf:"redis_password"`

	ProvisionProjectID string `koanf:"provision_project_id"`
	ProvisionRegion    string `koanf:"provision_region"`

	RequestSchemaJSON     string `koanf:"request_schema"`
	ConfigSchemaJSON      string `koanf:"config_schema"`
	ViewsSchemaJSON       string `koanf:"views_schema"`
	RequiredEventsJSON    string `koanf:"required_events"`
	ServiceDefinitionJSON string `koanf:"service_definition"`

	RequestSchema     common.RequestSchemas `koanf:"-"`
	ConfigSchema      common.SchemaObject   `koanf:"-"`
	ViewsSchema       []common.View         `koanf:"-"`
	RequiredEvents    []common.EventName    `koanf:"-"`
	ServiceDefinition ServiceDefinition     `koanf:"-"`
}

// LoadConfig reads MUX_* environment variables and decodes the
// embedded JSON schema blobs.
func LoadConfig() (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(env.Provider("MUX_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "MUX_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	cfg := Config{}
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.ExtensionName == "" {
		return nil, fmt.Errorf("MUX_EXTENSION_NAME is not set")
	}
	if cfg.SharedSecret == "" {
		return nil, fmt.Errorf("MUX_SHARED_SECRET is not set")
	}
	if cfg.RedisAddr == "" {
		return nil, fmt.Errorf("MUX_REDIS_ADDR is not set")
	}
	if cfg.RequestSchemaJSON == "" {
		return nil, fmt.Errorf("MUX_REQUEST_SCHEMA is not set")
	}
	if err := json.Unmarshal([]byte(cfg.RequestSchemaJSON), &cfg.RequestSchema); err != nil {
		return nil, fmt.Errorf("invalid MUX_REQUEST_SCHEMA: %w", err)
	}
	if cfg.ConfigSchemaJSON != "" {
		if err := json.Unmarshal([]byte(cfg.ConfigSchemaJSON), &cfg.ConfigSchema); err != nil {
			return nil, fmt.Errorf("invalid MUX_CONFIG_SCHEMA: %w", err)
		}
	}
	if cfg.ViewsSchemaJSON != "" {
		if err := json.Unmarshal([]byte(cfg.ViewsSchemaJSON), &cfg.ViewsSchema); err != nil {
			return nil, fmt.Errorf("invalid MUX_VIEWS_SCHEMA: %w", err)
		}
	}
	if cfg.RequiredEventsJSON != "" {
		if err := json.Unmarshal([]byte(cfg.RequiredEventsJSON), &cfg.RequiredEvents); err != nil {
			return nil, fmt.Errorf("invalid MUX_REQUIRED_EVENTS: %w", err)
		}
	}
	if cfg.ServiceDefinitionJSON == "" {
		return nil, fmt.Errorf("MUX_SERVICE_DEFINITION is not set")
	}
	if err := json.Unmarshal([]byte(cfg.ServiceDefinitionJSON), &cfg.ServiceDefinition); err != nil {
		return nil, fmt.Errorf("invalid MUX_SERVICE_DEFINITION: %w", err)
	}

	return &cfg, nil
}
