package runner

import (
	"fmt"
	"sort"
	"sync"

	"github.com/opensource-finance/heron/internal/domain"
)

// Loader returns the current set of model specs.
type Loader func() ([]domain.ModelSpec, error)

// Catalog holds the validated model specs and swaps them atomically on reload.
type Catalog struct {
	mu       sync.RWMutex
	models   map[string]domain.ModelSpec
	load     Loader
	validate func(domain.ModelSpec) error
}

// NewCatalog loads the initial specs. validate may be nil.
func NewCatalog(load Loader, validate func(domain.ModelSpec) error) (*Catalog, error) {
	c := &Catalog{load: load, validate: validate}
	if _, err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload replaces the catalog with freshly loaded specs. On any error the
// previous specs stay in place.
func (c *Catalog) Reload() (int, error) {
	specs, err := c.load()
	if err != nil {
		return 0, err
	}

	models := make(map[string]domain.ModelSpec, len(specs))
	for _, spec := range specs {
		if _, dup := models[spec.Name]; dup {
			return 0, &domain.ConfigError{Field: "models", Reason: fmt.Sprintf("duplicate model %q", spec.Name)}
		}
		if c.validate != nil {
			if err := c.validate(spec); err != nil {
				return 0, err
			}
		}
		models[spec.Name] = spec
	}

	c.mu.Lock()
	c.models = models
	c.mu.Unlock()
	return len(models), nil
}

// Get returns the spec for name.
func (c *Catalog) Get(name string) (domain.ModelSpec, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	spec, ok := c.models[name]
	return spec, ok
}

// List returns every spec ordered by name.
func (c *Catalog) List() []domain.ModelSpec {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]domain.ModelSpec, 0, len(c.models))
	for _, spec := range c.models {
		out = append(out, spec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of models.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.models)
}
