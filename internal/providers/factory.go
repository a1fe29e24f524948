package providers

import "fmt"

// newProviderFromConfig constructs the concrete variant named by cfg.Type.
// cfg.Validate must have already passed.
func newProviderFromConfig(id string, cfg Config) (Provider, error) {
	switch cfg.Type {
	case "openai":
		return newOpenAIProvider(id, cfg)
	case "local":
		return newLocalProvider(id, cfg)
	case "cli":
		return newCLIProvider(id, cfg)
	default:
		return nil, fmt.Errorf("invalid_config: unknown provider type %q", cfg.Type)
	}
}

// NewProbeProvider constructs a standalone provider instance for discovery's
// canned health probe, independent of any ProviderManager registration.
func NewProbeProvider(id string, cfg Config) (Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return newProviderFromConfig(id, cfg)
}
