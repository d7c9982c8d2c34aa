// Package config loads the service configuration and model definitions
// from YAML files.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/opensource-finance/heron/internal/domain"
)

// Environment overrides applied after the file.
const (
	EnvTier   = "HERON_TIER"
	EnvDebug  = "HERON_DEBUG"
	EnvModels = "HERON_MODELS"
	EnvTarget = "HERON_TARGET"
)

// Load reads the service configuration. The tier, from HERON_TIER or the
// file's tier key, selects the defaults the file is layered over. An empty
// path yields the defaults plus environment overrides.
func Load(path string) (*domain.Config, error) {
	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config from %q: %w", path, err)
		}
	}

	tier := domain.Tier(k.String("tier"))
	if env := os.Getenv(EnvTier); env != "" {
		tier = domain.Tier(env)
	}

	var cfg *domain.Config
	switch tier {
	case "", domain.TierCommunity:
		cfg = domain.DefaultConfig()
	case domain.TierPro:
		cfg = domain.ProConfig()
	default:
		return nil, &domain.ConfigError{Field: "tier", Reason: fmt.Sprintf("unknown tier %q", tier)}
	}

	if err := unmarshal(k, "", cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config from %q: %w", path, err)
	}
	cfg.Tier = tier
	if cfg.Tier == "" {
		cfg.Tier = domain.TierCommunity
	}

	applyEnv(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *domain.Config) {
	if os.Getenv(EnvDebug) == "true" {
		cfg.Logging.Level = "debug"
	}
	if v := os.Getenv(EnvModels); v != "" {
		cfg.ModelsPath = v
	}
	if v := os.Getenv(EnvTarget); v != "" {
		cfg.Target = v
	}
}

// Validate checks the settings every deployment needs.
func Validate(cfg *domain.Config) error {
	var errs []error
	if cfg.Target == "" {
		errs = append(errs, &domain.ConfigError{Field: "target", Reason: "is required"})
	}
	if cfg.ModelsPath == "" {
		errs = append(errs, &domain.ConfigError{Field: "models_path", Reason: "is required"})
	}
	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, &domain.ConfigError{Field: "server.port", Reason: fmt.Sprintf("%d out of range", cfg.Server.Port)})
	}
	if cfg.Runner.Workers < 1 {
		errs = append(errs, &domain.ConfigError{Field: "runner.workers", Reason: "must be at least 1"})
	}
	if cfg.Tracing.Enabled && cfg.Tracing.Endpoint == "" {
		errs = append(errs, &domain.ConfigError{Field: "tracing.endpoint", Reason: "is required when tracing is enabled"})
	}
	if r := cfg.Tracing.SampleRatio; r < 0 || r > 1 {
		errs = append(errs, &domain.ConfigError{Field: "tracing.sample_ratio", Reason: fmt.Sprintf("%v not in [0, 1]", r)})
	}
	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, &domain.ConfigError{Field: "logging.level", Reason: fmt.Sprintf("unknown level %q", cfg.Logging.Level)})
	}
	return errors.Join(errs...)
}

// unmarshal decodes the koanf tree at path into out, rejecting unknown keys.
func unmarshal(k *koanf.Koanf, path string, out any) error {
	return k.UnmarshalWithConf(path, out, koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
			),
			Result:           out,
			TagName:          "koanf",
			WeaklyTypedInput: true,
			ErrorUnused:      true,
		},
	})
}
