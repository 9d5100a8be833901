// Package persona resolves agent token ids to personality descriptors. The
// descriptors are static here; the content generation that consumes the
// beauvoir template is an external collaborator.
package persona

import (
	"github.com/loa-labs/loa-finn/internal/core"
)

// Archetype, Era, and Element are closed enums; BeauvoirTemplate is free-form
// and opaque to the gateway.
type (
	Archetype string
	Era       string
	Element   string
)

const (
	ArchetypeSage      Archetype = "sage"
	ArchetypeTrickster Archetype = "trickster"
	ArchetypeGuardian  Archetype = "guardian"
	ArchetypeExplorer  Archetype = "explorer"

	EraAncient  Era = "ancient"
	EraModern   Era = "modern"
	EraFuturist Era = "futurist"

	ElementFire  Element = "fire"
	ElementWater Element = "water"
	ElementEarth Element = "earth"
	ElementAir   Element = "air"
)

// Personality is one agent's descriptor.
type Personality struct {
	Archetype        Archetype `json:"archetype"`
	Era              Era       `json:"era"`
	Element          Element   `json:"element"`
	BeauvoirTemplate string    `json:"beauvoir_template,omitempty"`
}

// Provider resolves token ids. The static registry is the in-process
// implementation; an NFT-backed one lives upstream.
type Provider interface {
	Resolve(tokenID string) (*Personality, error)
}

// StaticProvider serves a fixed token→personality map.
type StaticProvider struct {
	personas map[string]Personality
}

// NewStaticProvider builds a provider over the given map; nil gets a small
// built-in set so dev instances answer out of the box.
func NewStaticProvider(personas map[string]Personality) *StaticProvider {
	if personas == nil {
		personas = map[string]Personality{
			"1": {Archetype: ArchetypeSage, Era: EraAncient, Element: ElementWater},
			"2": {Archetype: ArchetypeTrickster, Era: EraModern, Element: ElementFire},
			"3": {Archetype: ArchetypeGuardian, Era: EraFuturist, Element: ElementEarth},
		}
	}
	return &StaticProvider{personas: personas}
}

func (p *StaticProvider) Resolve(tokenID string) (*Personality, error) {
	persona, ok := p.personas[tokenID]
	if !ok {
		return nil, core.Ef(core.KindPersonaNotFound, "unknown personality %q", tokenID)
	}
	return &persona, nil
}
