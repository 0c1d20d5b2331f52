package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/vozila/voice-bridge/internal/session"
)

// Persona is what the upstream session is configured with for a call.
type Persona struct {
	Voice        string `yaml:"voice"`
	Instructions string `yaml:"instructions"`
}

// overlay returns p with the non-empty fields of o applied.
func (p Persona) overlay(o Persona) Persona {
	if o.Voice != "" {
		p.Voice = o.Voice
	}
	if o.Instructions != "" {
		p.Instructions = o.Instructions
	}
	return p
}

// Policy maps tenant and interaction mode to a persona. Tenant entries
// override the per-mode defaults field by field.
type Policy struct {
	Modes   map[session.InteractionMode]Persona            `yaml:"modes"`
	Tenants map[string]map[session.InteractionMode]Persona `yaml:"tenants"`
}

// DefaultPolicy is used when no policy file is configured.
func DefaultPolicy() *Policy {
	return &Policy{
		Modes: map[session.InteractionMode]Persona{
			session.ModeCustomer: {
				Voice:        "marin",
				Instructions: "You are a friendly phone assistant for this business. Keep answers short and never reveal internal or account information.",
			},
			session.ModeOwner: {
				Voice:        "marin",
				Instructions: "You are the business owner's phone assistant. Keep answers short and direct.",
			},
		},
	}
}

// LoadPolicy reads a YAML policy file. An empty path yields DefaultPolicy.
func LoadPolicy(path string) (*Policy, error) {
	if path == "" {
		return DefaultPolicy(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("policy: open %q: %w", path, err)
	}
	defer f.Close()

	p, err := LoadPolicyFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("policy: parse %q: %w", path, err)
	}
	return p, nil
}

// LoadPolicyFromReader decodes a YAML policy from r on top of the defaults.
func LoadPolicyFromReader(r io.Reader) (*Policy, error) {
	var file Policy
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("policy: decode yaml: %w", err)
	}
	if err := file.validate(); err != nil {
		return nil, err
	}

	p := DefaultPolicy()
	for mode, persona := range file.Modes {
		p.Modes[mode] = p.Modes[mode].overlay(persona)
	}
	p.Tenants = file.Tenants
	return p, nil
}

func (p *Policy) validate() error {
	var errs []error
	for mode := range p.Modes {
		if !knownMode(mode) {
			errs = append(errs, fmt.Errorf("modes: unknown interaction mode %q", mode))
		}
	}
	for tenant, modes := range p.Tenants {
		if tenant == "" {
			errs = append(errs, errors.New("tenants: empty tenant id"))
		}
		for mode := range modes {
			if !knownMode(mode) {
				errs = append(errs, fmt.Errorf("tenants.%s: unknown interaction mode %q", tenant, mode))
			}
		}
	}
	return errors.Join(errs...)
}

func knownMode(m session.InteractionMode) bool {
	return m == session.ModeCustomer || m == session.ModeOwner
}

// Resolve returns the persona for a call. Unknown modes resolve as the
// customer mode.
func (p *Policy) Resolve(tenantID string, mode session.InteractionMode) Persona {
	if !knownMode(mode) {
		mode = session.ModeCustomer
	}
	persona := p.Modes[mode]
	if modes, ok := p.Tenants[tenantID]; ok {
		persona = persona.overlay(modes[mode])
	}
	return persona
}
