package persona

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Persona describes one simulated prospect the caller practices against.
type Persona struct {
	ID           string `yaml:"id"`
	DisplayName  string `yaml:"display_name"`
	SystemPrompt string `yaml:"system_prompt"`
}

const sharedRules = `You are role-playing the PROSPECT on a cold call; the human is the sales rep.
Stay in character. Reply in one or two short spoken sentences, no markdown.
When you decide the call is over (you agreed to a next step, or you are done
with the rep), say a brief closing line and append the token [HANGUP].`

var builtins = map[string]Persona{
	"A": {
		ID:          "A",
		DisplayName: "Receptive owner",
		SystemPrompt: sharedRules + `
You are Joe Moreno, owner of a 40-person logistics company. You are friendly
but busy. You will hear the rep out if the opener earns it, push back gently
on vague claims, and agree to a short meeting only if they propose a concrete
time.`,
	},
	"B": {
		ID:          "B",
		DisplayName: "Guarded executive",
		SystemPrompt: sharedRules + `
You are Dana Whitfield, VP of operations at a mid-size retailer. You get ten
cold calls a week and open with resistance. You respond only to specific,
relevant value; generic pitches get a quick brush-off and [HANGUP]. You never
volunteer information the rep has not asked for.`,
	},
}

// Registry resolves persona ids to profiles. Built-ins can be overridden per
// deployment with a YAML file; the id set itself is fixed.
type Registry struct {
	profiles map[string]Persona
}

func NewRegistry() *Registry {
	profiles := make(map[string]Persona, len(builtins))
	for id, p := range builtins {
		profiles[id] = p
	}
	return &Registry{profiles: profiles}
}

// NewRegistryFromFile builds a registry with overrides loaded from a YAML
// file. Entries with unknown ids are rejected so typos fail loudly.
func NewRegistryFromFile(path string) (*Registry, error) {
	r := NewRegistry()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read persona file: %w", err)
	}
	var overrides []Persona
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return nil, fmt.Errorf("parse persona file: %w", err)
	}
	for _, o := range overrides {
		id := strings.TrimSpace(o.ID)
		base, ok := r.profiles[id]
		if !ok {
			return nil, fmt.Errorf("persona file: unknown persona id %q", o.ID)
		}
		if strings.TrimSpace(o.DisplayName) != "" {
			base.DisplayName = strings.TrimSpace(o.DisplayName)
		}
		if strings.TrimSpace(o.SystemPrompt) != "" {
			base.SystemPrompt = o.SystemPrompt
		}
		r.profiles[id] = base
	}
	return r, nil
}

// Lookup returns the persona for id, or an error listing the valid ids.
func (r *Registry) Lookup(id string) (Persona, error) {
	p, ok := r.profiles[strings.TrimSpace(id)]
	if !ok {
		return Persona{}, fmt.Errorf("unknown persona %q (expected one of %s)", id, strings.Join(r.IDs(), "|"))
	}
	return p, nil
}

func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.profiles))
	for id := range r.profiles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
