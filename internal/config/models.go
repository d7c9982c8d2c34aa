package config

import (
	"fmt"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/opensource-finance/heron/internal/domain"
)

// modelsFile is the layout of the model definitions file.
type modelsFile struct {
	Models []domain.ModelSpec `koanf:"models"`
}

// LoadModels reads the model definitions at path. Unknown keys are errors so
// a misspelled option never silently falls back to its default.
func LoadModels(path string) ([]domain.ModelSpec, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, &domain.ConfigError{Field: "models_path", Reason: fmt.Sprintf("load %q: %v", path, err)}
	}

	var f modelsFile
	if err := unmarshal(k, "", &f); err != nil {
		return nil, &domain.ConfigError{Field: "models", Reason: err.Error()}
	}
	for i, m := range f.Models {
		if m.Name == "" {
			return nil, &domain.ConfigError{Field: fmt.Sprintf("models[%d].name", i), Reason: "is required"}
		}
	}
	return f.Models, nil
}

// ModelLoader returns a loader that re-reads path on every call.
func ModelLoader(path string) func() ([]domain.ModelSpec, error) {
	return func() ([]domain.ModelSpec, error) {
		return LoadModels(path)
	}
}
