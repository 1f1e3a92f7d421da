package cloud

import (
	"fmt"
	"log/slog"
)

// Config selects and configures a fleet implementation.
type Config struct {
	Kind   string // "aws" or "memory"
	Lambda LambdaConfig

	// Units seeds the memory fleet.
	Units []string

	// Restore lets the memory fleet continue layer version numbering across
	// processes sharing one database.
	Restore PublishedVersions
}

// NewFleet creates the fleet named by cfg.Kind.
func NewFleet(cfg Config, logger *slog.Logger) (Fleet, error) {
	switch cfg.Kind {
	case "aws", "lambda":
		if cfg.Lambda.Region == "" {
			return nil, fmt.Errorf("aws fleet requires a region")
		}
		return NewLambdaFleet(cfg.Lambda, logger), nil

	case "memory":
		f := NewMemoryFleet(cfg.Units...)
		if cfg.Restore != nil {
			f.RestoreFrom(cfg.Restore)
		}
		return f, nil

	default:
		return nil, fmt.Errorf("unsupported fleet kind: %s", cfg.Kind)
	}
}
