package vectorstore

import (
	"fmt"

	"go.uber.org/zap"
)

// Supported index backends.
const (
	BackendChromem = "chromem"
	BackendQdrant  = "qdrant"
)

// Config selects and configures the index backend.
type Config struct {
	// Backend is "chromem" (embedded, default) or "qdrant" (external server).
	Backend string

	Chromem ChromemConfig
	Qdrant  QdrantConfig
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.Backend == "" {
		c.Backend = BackendChromem
	}
	c.Chromem.ApplyDefaults()
	c.Qdrant.ApplyDefaults()
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendChromem:
		return c.Chromem.Validate()
	case BackendQdrant:
		return c.Qdrant.Validate()
	default:
		return fmt.Errorf("%w: unknown backend %q", ErrInvalidConfig, c.Backend)
	}
}

// New builds the configured Index implementation.
func New(config Config, logger *zap.Logger) (Index, error) {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	switch config.Backend {
	case BackendChromem:
		return NewChromemIndex(config.Chromem, logger)
	case BackendQdrant:
		return NewQdrantIndex(config.Qdrant, logger)
	default:
		return nil, fmt.Errorf("%w: unknown backend %q", ErrInvalidConfig, config.Backend)
	}
}
