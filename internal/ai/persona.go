// Package ai detects assistant mentions and relays streamed assistant replies
// to rooms.
package ai

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Persona is a supported assistant identity.
type Persona int

const (
	WayneAI Persona = iota + 1
	ConsultingAI
)

// Personas lists every supported persona in mention-matching order.
var Personas = []Persona{WayneAI, ConsultingAI}

// String returns the mention handle of the persona.
func (p Persona) String() string {
	switch p {
	case WayneAI:
		return "wayneAI"
	case ConsultingAI:
		return "consultingAI"
	default:
		return fmt.Sprintf("Persona(%d)", int(p))
	}
}

// ParsePersona resolves a mention handle. Matching is case-sensitive.
func ParsePersona(handle string) (Persona, bool) {
	for _, p := range Personas {
		if p.String() == handle {
			return p, true
		}
	}
	return 0, false
}

// Profile describes how a persona presents itself.
type Profile struct {
	Name   string `yaml:"name"`
	Role   string `yaml:"role"`
	Traits string `yaml:"traits"`
	Tone   string `yaml:"tone"`
}

// Catalog holds the profile of every persona.
type Catalog struct {
	profiles map[Persona]Profile
}

// DefaultCatalog returns the built-in persona profiles.
func DefaultCatalog() *Catalog {
	return &Catalog{profiles: map[Persona]Profile{
		WayneAI: {
			Name:   "Wayne AI",
			Role:   "Knowledgeable assistant on tech education and developer growth",
			Traits: "Explains cloud development tools, bootcamp programs and the developer community, and gives friendly, growth-oriented advice to developers and students.",
			Tone:   "Professional yet friendly tone",
		},
		ConsultingAI: {
			Name:   "Consulting AI",
			Role:   "Experienced business consultant specializing in strategy, market analysis and organizational management",
			Traits: "Offers data-driven analysis of business strategy, market trends and growth opportunities, with actionable advice and decision frameworks.",
			Tone:   "Professional and analytical tone",
		},
	}}
}

type catalogFile struct {
	Personas map[string]Profile `yaml:"personas"`
}

// LoadCatalog returns the default catalog with overrides read from a YAML
// file. Only known personas and known profile keys are accepted; empty
// fields keep their default.
func LoadCatalog(path string) (*Catalog, error) {
	c := DefaultCatalog()
	if path == "" {
		return c, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read persona file: %w", err)
	}
	if err := c.apply(data); err != nil {
		return nil, fmt.Errorf("invalid persona file %s: %w", path, err)
	}
	return c, nil
}

func (c *Catalog) apply(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var file catalogFile
	if err := dec.Decode(&file); err != nil {
		return err
	}
	for handle, override := range file.Personas {
		p, ok := ParsePersona(handle)
		if !ok {
			return fmt.Errorf("unknown persona %q", handle)
		}
		profile := c.profiles[p]
		if override.Name != "" {
			profile.Name = override.Name
		}
		if override.Role != "" {
			profile.Role = override.Role
		}
		if override.Traits != "" {
			profile.Traits = override.Traits
		}
		if override.Tone != "" {
			profile.Tone = override.Tone
		}
		c.profiles[p] = profile
	}
	return nil
}

// Profile returns the profile of p.
func (c *Catalog) Profile(p Persona) Profile {
	return c.profiles[p]
}

// SystemPrompt renders the system prompt of p.
func (c *Catalog) SystemPrompt(p Persona) string {
	profile := c.Profile(p)
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s.\n", profile.Name)
	fmt.Fprintf(&b, "Role: %s\n", profile.Role)
	fmt.Fprintf(&b, "Traits: %s\n", profile.Traits)
	fmt.Fprintf(&b, "Tone: %s\n\n", profile.Tone)
	b.WriteString("When answering:\n")
	b.WriteString("1. Use clear language that is easy to understand.\n")
	b.WriteString("2. Do not provide information you are not sure is accurate.\n")
	b.WriteString("3. Give examples where they help.\n")
	fmt.Fprintf(&b, "4. Keep a %s.", strings.ToLower(profile.Tone))
	return b.String()
}
