package types

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// StringList decodes either a single YAML scalar or a sequence of scalars.
// Numeric scalars are kept as their literal text, so `version: 126` and
// `version: ["126", "127"]` both work.
type StringList []string

func (l *StringList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		if value.Value == "" {
			*l = nil
			return nil
		}
		*l = StringList{value.Value}
		return nil
	case yaml.SequenceNode:
		out := make(StringList, 0, len(value.Content))
		for _, n := range value.Content {
			if n.Kind != yaml.ScalarNode {
				return fmt.Errorf("line %d: expected a scalar list entry", n.Line)
			}
			out = append(out, n.Value)
		}
		*l = out
		return nil
	default:
		return fmt.Errorf("line %d: expected a scalar or a list of scalars", value.Line)
	}
}

// EnvironmentSpec is one user-declared environment. Version and platform may
// each hold several values; the resolver expands the cross product into
// concrete environments. Any mapping keys beyond the reserved ones are kept
// as extra capabilities for sessions created in that environment.
type EnvironmentSpec struct {
	BrowserName  string
	Versions     StringList
	Platforms    StringList
	Capabilities Capabilities
}

func (e *EnvironmentSpec) UnmarshalYAML(value *yaml.Node) error {
	// `- chrome` is shorthand for `- browserName: chrome`
	if value.Kind == yaml.ScalarNode {
		e.BrowserName = value.Value
		return nil
	}
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: expected an environment name or mapping", value.Line)
	}

	var typed struct {
		BrowserName string     `yaml:"browserName"`
		Version     StringList `yaml:"version"`
		Platform    StringList `yaml:"platform"`
	}
	if err := value.Decode(&typed); err != nil {
		return err
	}

	var raw map[string]any
	if err := value.Decode(&raw); err != nil {
		return err
	}
	delete(raw, "browserName")
	delete(raw, "version")
	delete(raw, "platform")

	e.BrowserName = typed.BrowserName
	e.Versions = typed.Version
	e.Platforms = typed.Platform
	if len(raw) > 0 {
		e.Capabilities = Capabilities(raw)
	}
	return nil
}

// Validate reports whether the spec names a browser.
func (e *EnvironmentSpec) Validate() error {
	if strings.TrimSpace(e.BrowserName) == "" {
		return fmt.Errorf("environment is missing browserName")
	}
	return nil
}

// Environment is one concrete resolved environment: a single browser,
// version, and platform combination plus the capabilities a session in it
// should be created with.
type Environment struct {
	BrowserName  string
	Version      string
	Platform     string
	Capabilities Capabilities
}

func (e Environment) String() string {
	if e.BrowserName == "" {
		return e.Capabilities.String()
	}
	var b strings.Builder
	b.WriteString(e.BrowserName)
	if e.Version != "" {
		b.WriteString(" ")
		b.WriteString(e.Version)
	}
	if e.Platform != "" {
		b.WriteString(" on ")
		b.WriteString(e.Platform)
	}
	return b.String()
}
