// Package registry loads the read-only catalog of launchable agents from a
// JSON configuration document and resolves each AgentSpec's api_key
// placeholder against the host environment.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"

	"github.com/m4xw311/acp2/apperr"
)

// AgentSpec describes how to launch one agent. It is immutable after Load.
type AgentSpec struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Command     []string `json:"command"`
	APIKey      string   `json:"api_key"`
}

// document is the on-disk shape: {"agents": [...]}.
type document struct {
	Agents []AgentSpec `json:"agents"`
}

var placeholderRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Registry is a read-only, insertion-ordered catalog of AgentSpecs. Safe for
// concurrent reads; nothing mutates it after Load returns.
type Registry struct {
	byName map[string]AgentSpec
	order  []string
}

// Load reads the configuration document at path and validates every entry.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindConfig, "reading agent registry %s", path)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, apperr.Wrap(err, apperr.KindConfig, "parsing agent registry %s", path)
	}

	return FromSpecs(doc.Agents)
}

// FromSpecs builds a Registry directly from a list of specs, validating and
// preserving insertion order. Exposed for tests and for callers that build
// the catalog programmatically rather than from a file.
func FromSpecs(specs []AgentSpec) (*Registry, error) {
	reg := &Registry{byName: make(map[string]AgentSpec, len(specs))}
	for _, spec := range specs {
		if spec.Name == "" {
			return nil, apperr.New(apperr.KindConfig, "agent spec missing name")
		}
		if len(spec.Command) == 0 {
			return nil, apperr.New(apperr.KindConfig, "agent %q has empty command", spec.Name)
		}
		if _, dup := reg.byName[spec.Name]; dup {
			return nil, apperr.New(apperr.KindConfig, "duplicate agent name %q", spec.Name)
		}
		reg.byName[spec.Name] = spec
		reg.order = append(reg.order, spec.Name)
	}
	return reg, nil
}

// Lookup returns the named AgentSpec with its api_key placeholder resolved
// against the current process environment. An unresolved placeholder
// resolves to the empty string rather than failing the lookup.
func (r *Registry) Lookup(name string) (AgentSpec, error) {
	spec, ok := r.byName[name]
	if !ok {
		return AgentSpec{}, apperr.New(apperr.KindAgentNotFound, "agent %q not found", name)
	}
	spec.APIKey = resolvePlaceholder(spec.APIKey)
	return spec, nil
}

// List returns every spec in insertion order, each with its api_key
// resolved the same way Lookup does.
func (r *Registry) List() []AgentSpec {
	out := make([]AgentSpec, 0, len(r.order))
	for _, name := range r.order {
		spec := r.byName[name]
		spec.APIKey = resolvePlaceholder(spec.APIKey)
		out = append(out, spec)
	}
	return out
}

func resolvePlaceholder(value string) string {
	m := placeholderRe.FindStringSubmatch(value)
	if m == nil {
		return value
	}
	if m[0] != value {
		// Not a bare ${VAR} occupying the whole value; leave as-is rather
		// than guess at partial substitution semantics the spec doesn't define.
		return value
	}
	return os.Getenv(m[1])
}

func (s AgentSpec) String() string {
	return fmt.Sprintf("%s(%v)", s.Name, s.Command)
}
