package inference

import (
	"fmt"

	"github.com/kiranshivaraju/inferq/internal/config"
	"github.com/kiranshivaraju/inferq/pkg/models"
)

// NewBackend constructs the inference backend selected by config.
// Called once at server startup.
func NewBackend(cfg config.InferenceConfig) (models.InferenceBackend, error) {
	switch cfg.Backend {
	case "http":
		return NewHTTPBackend(cfg.BaseURL, cfg.APIKey, cfg.Timeout), nil
	case "simulated":
		return NewSimulatedBackend(cfg.StepDelay), nil
	default:
		return nil, fmt.Errorf("unknown inference backend %q: must be one of simulated, http", cfg.Backend)
	}
}
