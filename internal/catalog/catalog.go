// Package catalog provides the model catalog the arbiter routes over. The
// arbitration core only reads it.
package catalog

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/felipepmaragno/model-arbiter/internal/domain"
)

// Catalog lists the models currently offered for routing.
type Catalog interface {
	ListActiveModels(ctx context.Context, filter Filter) ([]domain.ModelCatalogEntry, error)
}

// Filter narrows a catalog listing. Zero values match everything.
type Filter struct {
	Providers        []string
	Capabilities     []domain.CapabilityType
	MinContextWindow int
}

func (f Filter) Match(m domain.ModelCatalogEntry) bool {
	if len(f.Providers) > 0 {
		found := false
		for _, p := range f.Providers {
			if strings.EqualFold(p, m.Provider) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if m.ContextWindow < f.MinContextWindow {
		return false
	}
	for _, c := range f.Capabilities {
		if _, ok := m.CapabilityScore(c); !ok {
			return false
		}
	}
	return true
}

// Static serves a fixed set of models, usually loaded from YAML at startup.
type Static struct {
	models []domain.ModelCatalogEntry
}

func NewStatic(models []domain.ModelCatalogEntry) *Static {
	cp := make([]domain.ModelCatalogEntry, len(models))
	copy(cp, models)
	return &Static{models: cp}
}

func (s *Static) ListActiveModels(_ context.Context, filter Filter) ([]domain.ModelCatalogEntry, error) {
	out := make([]domain.ModelCatalogEntry, 0, len(s.models))
	for _, m := range s.models {
		if m.Active && filter.Match(m) {
			out = append(out, m)
		}
	}
	return out, nil
}

var validate = validator.New()

type document struct {
	Models []yaml.Node `yaml:"models"`
}

// LoadStatic reads a catalog file. Entries are active unless they say
// otherwise.
func LoadStatic(path string) (*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	models, err := Parse(data)
	if err != nil {
		return nil, err
	}
	return NewStatic(models), nil
}

func Parse(data []byte) ([]domain.ModelCatalogEntry, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}

	seen := make(map[string]bool, len(doc.Models))
	models := make([]domain.ModelCatalogEntry, 0, len(doc.Models))
	for i := range doc.Models {
		m := domain.ModelCatalogEntry{Active: true}
		if err := doc.Models[i].Decode(&m); err != nil {
			return nil, fmt.Errorf("parse catalog entry %d: %w", i, err)
		}
		if err := validate.Struct(m); err != nil {
			return nil, fmt.Errorf("catalog entry %d (%s): %w", i, m.ID, err)
		}
		key := domain.CircuitID(m.Provider, m.ID)
		if seen[key] {
			return nil, fmt.Errorf("catalog entry %d: duplicate model %s", i, key)
		}
		seen[key] = true
		models = append(models, m)
	}
	sort.SliceStable(models, func(i, j int) bool {
		return domain.CircuitID(models[i].Provider, models[i].ID) < domain.CircuitID(models[j].Provider, models[j].ID)
	})
	return models, nil
}
