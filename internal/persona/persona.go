// Package persona holds the per-locale assistant voice for each tenant and
// detects a customer's locale from their phone number.
package persona

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultCatalog []byte

type Persona struct {
	Name     string `yaml:"name"`
	Language string `yaml:"language"`
	Tone     string `yaml:"tone"`
	Culture  string `yaml:"culture"`
}

// Section renders the persona as the first block of the system context.
func (p Persona) Section() string {
	var b strings.Builder
	if p.Name != "" {
		fmt.Fprintf(&b, "You are %s.", p.Name)
	}
	if p.Language != "" {
		fmt.Fprintf(&b, " Reply in %s.", p.Language)
	}
	if p.Tone != "" {
		fmt.Fprintf(&b, " Tone: %s.", p.Tone)
	}
	if p.Culture != "" {
		b.WriteString("\n")
		b.WriteString(p.Culture)
	}
	return strings.TrimSpace(b.String())
}

type Catalog struct {
	DefaultLocale string             `yaml:"default_locale"`
	Personas      map[string]Persona `yaml:"personas"`
	// Tenants overrides personas per tenant id and locale.
	Tenants map[string]map[string]Persona `yaml:"tenants"`
}

// Load reads a catalog file. An empty path returns the built-in catalog.
func Load(path string) (*Catalog, error) {
	data := defaultCatalog
	if strings.TrimSpace(path) != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read persona catalog: %w", err)
		}
		data = raw
	}
	return Parse(data)
}

func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse persona catalog: %w", err)
	}
	if len(c.Personas) == 0 {
		return nil, fmt.Errorf("persona catalog has no personas")
	}
	c.DefaultLocale = strings.ToLower(strings.TrimSpace(c.DefaultLocale))
	if _, ok := c.Personas[c.DefaultLocale]; !ok {
		locales := make([]string, 0, len(c.Personas))
		for locale := range c.Personas {
			locales = append(locales, locale)
		}
		sort.Strings(locales)
		c.DefaultLocale = locales[0]
	}
	return &c, nil
}

// For returns the persona for a tenant and locale. Tenant overrides win over
// the shared persona, and unknown locales use the default locale.
func (c *Catalog) For(tenantID, locale string) (Persona, string) {
	locale = strings.ToLower(strings.TrimSpace(locale))
	if overrides, ok := c.Tenants[tenantID]; ok {
		if p, ok := overrides[locale]; ok {
			return p, locale
		}
	}
	if p, ok := c.Personas[locale]; ok {
		return p, locale
	}
	if overrides, ok := c.Tenants[tenantID]; ok {
		if p, ok := overrides[c.DefaultLocale]; ok {
			return p, c.DefaultLocale
		}
	}
	return c.Personas[c.DefaultLocale], c.DefaultLocale
}
