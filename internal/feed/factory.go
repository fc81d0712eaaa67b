package feed

import (
	"fmt"
	"time"

	"github.com/Rajchodisetti/ensemble-trader/internal/config"
)

// NewProvider builds the provider named in configuration. step is the sim
// provider's bar spacing, normally the loop interval.
func NewProvider(cfg config.Feed, step time.Duration) (Provider, error) {
	switch cfg.Provider {
	case "sim", "":
		return NewSimProvider(cfg.Seed, cfg.SimVolatility, step), nil
	case "mock":
		return NewMockProvider(), nil
	case "http":
		p, err := NewHTTPProvider(HTTPConfig{
			BaseURL:        cfg.BaseURL,
			APIKey:         cfg.APIKey,
			Timeout:        time.Duration(cfg.TimeoutMs) * time.Millisecond,
			RequestsPerMin: cfg.RequestsPerMin,
		})
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown feed provider %q", cfg.Provider)
	}
}
