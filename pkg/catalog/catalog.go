// Package catalog holds the ordered list of training modules, the prospect
// character each module plays, and the passing thresholds per mode.
package catalog

import (
	"errors"
	"fmt"

	"github.com/txn2/mcp-coldcall-trainer/pkg/training"
)

// DefaultThreshold is the aggregate score (0-4) required to pass when a
// module does not override it.
const DefaultThreshold = 3.0

// Character is the prospect the engine plays on a module's calls.
type Character struct {
	Name    string `yaml:"name" json:"name"`
	Company string `yaml:"company" json:"company"`
	Role    string `yaml:"role" json:"role"`
	Persona string `yaml:"persona" json:"persona"`
	Voice   string `yaml:"voice" json:"voice,omitempty"`
}

// Module is one step of the training ladder.
type Module struct {
	ID         string                    `yaml:"id" json:"id"`
	Title      string                    `yaml:"title" json:"title"`
	Character  Character                 `yaml:"character" json:"character"`
	Thresholds map[training.Mode]float64 `yaml:"thresholds" json:"thresholds,omitempty"`
}

// Catalog is an immutable ordered module list.
type Catalog struct {
	modules          []Module
	index            map[string]int
	defaultThreshold float64
}

// ErrEmpty is returned when a catalog has no modules.
var ErrEmpty = errors.New("catalog has no modules")

// New builds a catalog from modules in ladder order. A non-positive
// defaultThreshold falls back to DefaultThreshold.
func New(modules []Module, defaultThreshold float64) (*Catalog, error) {
	if len(modules) == 0 {
		return nil, ErrEmpty
	}
	if defaultThreshold <= 0 {
		defaultThreshold = DefaultThreshold
	}

	c := &Catalog{
		modules:          make([]Module, len(modules)),
		index:            make(map[string]int, len(modules)),
		defaultThreshold: defaultThreshold,
	}
	for i, m := range modules {
		if m.ID == "" {
			return nil, fmt.Errorf("module %d: id is required", i)
		}
		if _, dup := c.index[m.ID]; dup {
			return nil, fmt.Errorf("module %q: duplicate id", m.ID)
		}
		for mode, th := range m.Thresholds {
			if !mode.Valid() {
				return nil, fmt.Errorf("module %q: unknown mode %q", m.ID, mode)
			}
			if th < 0 || th > training.MaxScore {
				return nil, fmt.Errorf("module %q: threshold %.2f out of range", m.ID, th)
			}
		}
		c.modules[i] = m
		c.index[m.ID] = i
	}
	return c, nil
}

// Modules returns the modules in ladder order.
func (c *Catalog) Modules() []Module {
	out := make([]Module, len(c.modules))
	copy(out, c.modules)
	return out
}

// Get looks up a module by ID.
func (c *Catalog) Get(id string) (Module, bool) {
	i, ok := c.index[id]
	if !ok {
		return Module{}, false
	}
	return c.modules[i], true
}

// First returns the entry module, which is always available.
func (c *Catalog) First() Module {
	return c.modules[0]
}

// IsFirst reports whether id names the entry module.
func (c *Catalog) IsFirst(id string) bool {
	return c.modules[0].ID == id
}

// Successor returns the module unlocked by passing id.
func (c *Catalog) Successor(id string) (Module, bool) {
	i, ok := c.index[id]
	if !ok || i+1 >= len(c.modules) {
		return Module{}, false
	}
	return c.modules[i+1], true
}

// Predecessor returns the module whose marathon unlocks id.
func (c *Catalog) Predecessor(id string) (Module, bool) {
	i, ok := c.index[id]
	if !ok || i == 0 {
		return Module{}, false
	}
	return c.modules[i-1], true
}

// Threshold returns the passing aggregate score for a module and mode.
func (c *Catalog) Threshold(id string, mode training.Mode) float64 {
	if m, ok := c.Get(id); ok {
		if th, ok := m.Thresholds[mode]; ok {
			return th
		}
	}
	return c.defaultThreshold
}
