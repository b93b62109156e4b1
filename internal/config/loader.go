package config

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// ConfigError is returned by LoadConfig to aid debugging.
type ConfigError struct {
	Type    ConfigErrorType
	Message string
	Err     error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap returns the underlying error.
func (e *ConfigError) Unwrap() error {
	return e.Err
}

// ssmParamSuffix marks variables that hold an SSM path rather than a value:
// VAPID_PRIVATE_KEY_SSM_PARAM=/prod/kickoff/vapid/private resolves into
// VAPID_PRIVATE_KEY.
const ssmParamSuffix = "_SSM_PARAM"

const localEnv = "local"

const ssmResolveTimeout = 30 * time.Second

// env abstracts the process environment so the loader can be tested without
// touching os state.
type env struct {
	lookup  func(key string) (string, bool)
	set     func(key, value string) error
	environ func() []string
}

func osEnv() env {
	return env{lookup: os.LookupEnv, set: os.Setenv, environ: os.Environ}
}

// LoadConfig loads and validates the configuration.
//
//  1. Pin the process timezone to UTC.
//  2. Load .env if present.
//  3. Outside APP_ENV=local, resolve *_SSM_PARAM variables via provider.
//  4. Populate Config from env tags, attach build info, validate.
//
// provider may be nil when no SSM parameters are referenced.
func LoadConfig(provider SecretProvider) (*Config, error) {
	return load(provider, osEnv())
}

// LoadJobConfig loads the smaller JobConfig used by scheduled jobs. It follows
// the same resolution chain as LoadConfig.
func LoadJobConfig(provider SecretProvider) (*JobConfig, error) {
	var cfg JobConfig
	if err := process(provider, osEnv(), &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func load(provider SecretProvider, e env) (*Config, error) {
	var cfg Config
	if err := process(provider, e, &cfg); err != nil {
		return nil, err
	}
	cfg.Build = NewBuildInfo()
	return &cfg, nil
}

func process(provider SecretProvider, e env, dst any) error {
	time.Local = time.UTC

	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	if appEnv, _ := e.lookup("APP_ENV"); appEnv != localEnv {
		if err := resolveSSMParams(provider, e); err != nil {
			return err
		}
	}

	if err := envconfig.Process("", dst); err != nil {
		return &ConfigError{
			Type:    ErrParsing,
			Message: "failed to process environment configuration",
			Err:     err,
		}
	}

	if err := validator.New().Struct(dst); err != nil {
		return &ConfigError{
			Type:    ErrValidation,
			Message: "configuration validation failed",
			Err:     err,
		}
	}
	return nil
}

// resolveSSMParams fetches every *_SSM_PARAM whose target variable is unset
// and injects the values into the environment. Explicit env vars win.
func resolveSSMParams(provider SecretProvider, e env) error {
	targets := make(map[string]string) // ssm path -> target env var
	for _, kv := range e.environ() {
		key, path, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasSuffix(key, ssmParamSuffix) || path == "" {
			continue
		}
		target := strings.TrimSuffix(key, ssmParamSuffix)
		if _, set := e.lookup(target); set {
			continue
		}
		targets[path] = target
	}
	if len(targets) == 0 {
		return nil
	}

	paths := make([]string, 0, len(targets))
	for path := range targets {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	if provider == nil {
		names := make([]string, 0, len(paths))
		for _, p := range paths {
			names = append(names, targets[p])
		}
		return &ConfigError{
			Type:    ErrSSMResolution,
			Message: "a SecretProvider is required to resolve " + strings.Join(names, ", "),
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), ssmResolveTimeout)
	defer cancel()

	resolved, err := provider.GetParametersBatch(ctx, paths)
	if err != nil {
		return &ConfigError{
			Type:    ErrSSMResolution,
			Message: fmt.Sprintf("failed to resolve %d SSM parameters", len(paths)),
			Err:     err,
		}
	}

	var missing []string
	for _, path := range paths {
		value, ok := resolved[path]
		if !ok {
			missing = append(missing, targets[path])
			continue
		}
		if err := e.set(targets[path], value); err != nil {
			return &ConfigError{
				Type:    ErrSSMResolution,
				Message: "failed to set resolved value for " + targets[path],
				Err:     err,
			}
		}
	}
	if len(missing) > 0 {
		return &ConfigError{
			Type:    ErrMissingEnv,
			Message: "SSM parameters not found for: " + strings.Join(missing, ", "),
		}
	}
	return nil
}
