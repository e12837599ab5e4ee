package model

import (
	"strings"
	"time"
)

// Company represents a company under audit.
type Company struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Domain      string    `json:"domain"`
	Industry    string    `json:"industry,omitempty"`
	Description string    `json:"description,omitempty"`
	Competitors []string  `json:"competitors,omitempty"`
	Personas    []Persona `json:"personas,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Persona is one buyer persona used to personalize queries and the
// executive summary.
type Persona struct {
	Name  string `json:"name"`
	Role  string `json:"role,omitempty"`
	Pains string `json:"pains,omitempty"`
}

// PersonaContext renders personas into a short context string for
// generation and summary prompts.
func (c *Company) PersonaContext() string {
	if len(c.Personas) == 0 {
		return ""
	}
	parts := make([]string, 0, len(c.Personas))
	for _, p := range c.Personas {
		s := p.Name
		if p.Role != "" {
			s += " (" + p.Role + ")"
		}
		if p.Pains != "" {
			s += ": " + p.Pains
		}
		parts = append(parts, s)
	}
	return strings.Join(parts, "; ")
}

// BrandContext is the name material the analyzer matches against.
type BrandContext struct {
	Brand       string   `json:"brand"`
	Aliases     []string `json:"aliases,omitempty"`
	Competitors []string `json:"competitors,omitempty"`
}

// BrandContext builds the analyzer input for this company. The bare
// domain (without TLD) is included as an alias so responses that refer
// to the site still count as mentions.
func (c *Company) BrandContext() BrandContext {
	bc := BrandContext{Brand: c.Name, Competitors: c.Competitors}
	if c.Domain != "" {
		host := strings.TrimPrefix(strings.TrimPrefix(c.Domain, "https://"), "http://")
		host = strings.TrimPrefix(host, "www.")
		if i := strings.IndexByte(host, '.'); i > 0 {
			bc.Aliases = append(bc.Aliases, host[:i])
		}
	}
	return bc
}
