package config

import (
	"context"
	"os"
)

// EnvVarProvider treats each requested parameter name as an environment
// variable. It stands in for SSM in local and CI runs.
type EnvVarProvider struct{}

// NewEnvVarProvider returns an EnvVarProvider.
func NewEnvVarProvider() *EnvVarProvider {
	return &EnvVarProvider{}
}

// GetParametersBatch implements SecretProvider.
func (p *EnvVarProvider) GetParametersBatch(_ context.Context, keys []string) (map[string]string, error) {
	result := make(map[string]string, len(keys))
	for _, key := range keys {
		if val, ok := os.LookupEnv(key); ok {
			result[key] = val
		}
	}
	return result, nil
}

// ProviderFor picks the secret provider for an environment: SSM everywhere
// except local, where env vars are used.
func ProviderFor(appEnv, region, endpoint string) SecretProvider {
	if appEnv == localEnv {
		return NewEnvVarProvider()
	}
	return NewSSMProvider(region, endpoint)
}
