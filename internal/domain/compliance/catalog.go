package compliance

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/davidleathers/compliance-governance-engine/internal/domain/errors"
)

// Catalog is the static set of frameworks the engine can assess. It is read
// once at startup and never mutated.
type Catalog struct {
	frameworks map[string]*Framework
}

type catalogFile struct {
	Frameworks []Framework `yaml:"frameworks"`
}

// LoadCatalog reads a YAML catalog from disk.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.NewConfigurationError("CATALOG_UNREADABLE",
			fmt.Sprintf("cannot read catalog %s", path)).WithCause(err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes and validates catalog YAML.
func ParseCatalog(data []byte) (*Catalog, error) {
	var doc catalogFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errors.NewConfigurationError("CATALOG_INVALID", "catalog is not valid YAML").WithCause(err)
	}

	c := &Catalog{frameworks: make(map[string]*Framework, len(doc.Frameworks))}
	for i := range doc.Frameworks {
		fw := doc.Frameworks[i]
		if fw.ID == "" {
			return nil, errors.NewConfigurationError("CATALOG_INVALID", "framework id is required")
		}
		if _, dup := c.frameworks[fw.ID]; dup {
			return nil, errors.NewConfigurationError("CATALOG_INVALID",
				fmt.Sprintf("framework %s declared twice", fw.ID))
		}
		for j := range fw.Controls {
			ctrl := &fw.Controls[j]
			if ctrl.ID == "" {
				return nil, errors.NewConfigurationError("CATALOG_INVALID",
					fmt.Sprintf("framework %s has a control without id", fw.ID))
			}
			if ctrl.RiskWeight < 1 || ctrl.RiskWeight > 10 {
				return nil, errors.NewConfigurationError("CATALOG_INVALID",
					fmt.Sprintf("control %s/%s risk weight %d outside 1-10", fw.ID, ctrl.ID, ctrl.RiskWeight))
			}
			if ctrl.AutomationLevel == "" {
				ctrl.AutomationLevel = AutomationManual
			}
			if !ctrl.AutomationLevel.Valid() {
				return nil, errors.NewConfigurationError("CATALOG_INVALID",
					fmt.Sprintf("control %s/%s has unknown automation level %q", fw.ID, ctrl.ID, ctrl.AutomationLevel))
			}
		}
		c.frameworks[fw.ID] = &fw
	}
	return c, nil
}

// NewCatalog builds a catalog from already-constructed frameworks.
func NewCatalog(frameworks ...Framework) *Catalog {
	c := &Catalog{frameworks: make(map[string]*Framework, len(frameworks))}
	for i := range frameworks {
		fw := frameworks[i]
		c.frameworks[fw.ID] = &fw
	}
	return c
}

// Framework returns the framework with the given id or a ConfigurationError.
func (c *Catalog) Framework(id string) (*Framework, error) {
	fw, ok := c.frameworks[id]
	if !ok {
		return nil, errors.NewConfigurationError("UNKNOWN_FRAMEWORK",
			fmt.Sprintf("framework %q is not in the catalog", id))
	}
	return fw, nil
}

// IDs lists framework ids in sorted order.
func (c *Catalog) IDs() []string {
	ids := make([]string, 0, len(c.frameworks))
	for id := range c.frameworks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Enabled narrows the catalog to the given ids. An empty list enables every
// framework; an unknown id is a ConfigurationError.
func (c *Catalog) Enabled(ids []string) (*Catalog, error) {
	if len(ids) == 0 {
		return c, nil
	}
	out := &Catalog{frameworks: make(map[string]*Framework, len(ids))}
	for _, id := range ids {
		fw, err := c.Framework(id)
		if err != nil {
			return nil, err
		}
		out.frameworks[id] = fw
	}
	return out, nil
}
