package config

import "context"

// SecretProvider resolves a batch of parameter names to their values.
// Names that do not exist are omitted from the result.
type SecretProvider interface {
	GetParametersBatch(ctx context.Context, keys []string) (map[string]string, error)
}
