package types

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// LeavePolicy controls whether a remote session is closed once its suite has
// finished. The YAML form accepts booleans for the always/never cases plus
// the string "fail" to keep only erroneous sessions open for inspection.
type LeavePolicy string

const (
	LeaveNever  LeavePolicy = "never"
	LeaveAlways LeavePolicy = "always"
	LeaveOnFail LeavePolicy = "fail"
)

func (p *LeavePolicy) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := ParseLeavePolicy(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*p = parsed
	return nil
}

// ParseLeavePolicy maps the accepted spellings onto a LeavePolicy.
func ParseLeavePolicy(s string) (LeavePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "false", "no", "never":
		return LeaveNever, nil
	case "true", "yes", "always":
		return LeaveAlways, nil
	case "fail":
		return LeaveOnFail, nil
	default:
		return "", fmt.Errorf("invalid leave-remote-open value %q (want true, false, or \"fail\")", s)
	}
}

func (p LeavePolicy) String() string {
	return string(p)
}
