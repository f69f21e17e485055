package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
	"go.opentelemetry.io/otel/attribute"
)

// Config holds all configuration for the service.
type Config struct {
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	// Tuffnells portal account
	AccountID string `envconfig:"TUFFNELLS_ACCOUNT"`
	Username  string `envconfig:"TUFFNELLS_USERNAME"`
	Password  string `envconfig:"TUFFNELLS_PASSWORD"`
	BaseURL   string `envconfig:"TUFFNELLS_BASE_URL" default:"https://www.tpeweb.co.uk/"`
	UseMock   bool   `envconfig:"TUFFNELLS_USE_MOCK" default:"false"`

	// Caching
	CachePrefix    string        `envconfig:"TUFFNELLS_CACHE_PREFIX" default:"TUFFNELLS-"`
	ConsignmentTTL time.Duration `envconfig:"TUFFNELLS_CONSIGNMENT_TTL" default:"5h"`
	LabelTTL       time.Duration `envconfig:"TUFFNELLS_LABEL_TTL" default:"24h"`

	// Telemetry
	OTELEnabled  bool   `envconfig:"OTEL_ENABLED" default:"false"`
	OTELEndpoint string `envconfig:"OTEL_ENDPOINT" default:"http://localhost:4318"`
	ServiceName  string `envconfig:"SERVICE_NAME" default:"tuffnells"`
	Version      string `envconfig:"SERVICE_VERSION" default:"0.0.1"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return &cfg, nil
}

// Attributes returns OpenTelemetry attributes for this configuration.
func (c *Config) Attributes() []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("service.name", c.ServiceName),
		attribute.String("service.version", c.Version),
		attribute.Bool("tuffnells.mock", c.UseMock),
	}
}
