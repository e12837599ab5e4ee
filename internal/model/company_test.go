package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBrandContext(t *testing.T) {
	t.Parallel()

	t.Run("derives domain alias", func(t *testing.T) {
		t.Parallel()
		c := Company{
			Name:        "Brightline Analytics",
			Domain:      "https://www.brightline.io",
			Competitors: []string{"Gartner", "Forrester"},
		}
		bc := c.BrandContext()
		assert.Equal(t, "Brightline Analytics", bc.Brand)
		assert.Equal(t, []string{"brightline"}, bc.Aliases)
		assert.Equal(t, []string{"Gartner", "Forrester"}, bc.Competitors)
	})

	t.Run("bare domain without scheme", func(t *testing.T) {
		t.Parallel()
		c := Company{Name: "Acme", Domain: "acme.example.com"}
		assert.Equal(t, []string{"acme"}, c.BrandContext().Aliases)
	})

	t.Run("no domain means no alias", func(t *testing.T) {
		t.Parallel()
		c := Company{Name: "Acme"}
		assert.Empty(t, c.BrandContext().Aliases)
	})
}

func TestPersonaContext(t *testing.T) {
	t.Parallel()

	t.Run("renders name role and pains", func(t *testing.T) {
		t.Parallel()
		c := Company{Personas: []Persona{
			{Name: "Dana", Role: "VP Marketing", Pains: "attribution blind spots"},
			{Name: "Sam"},
		}}
		assert.Equal(t, "Dana (VP Marketing): attribution blind spots; Sam", c.PersonaContext())
	})

	t.Run("empty without personas", func(t *testing.T) {
		t.Parallel()
		c := Company{}
		assert.Empty(t, c.PersonaContext())
	})
}
