package types

import (
	"fmt"
	"strings"
)

// Capabilities is a WebDriver-style capability map. Values may be scalars,
// nested maps, or lists; nested maps are merged key-by-key, everything else
// is replaced wholesale.
type Capabilities map[string]any

// Clone returns a deep copy. Mutating the copy never affects the original.
func (c Capabilities) Clone() Capabilities {
	if c == nil {
		return nil
	}
	out := make(Capabilities, len(c))
	for k, v := range c {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case Capabilities:
		return val.Clone()
	case map[string]any:
		return Capabilities(val).Clone()
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

// Merge returns a new map holding c overlaid with over. Nested maps merge
// recursively; scalar and list values from over replace those in c.
func (c Capabilities) Merge(over Capabilities) Capabilities {
	out := c.Clone()
	if out == nil {
		out = make(Capabilities, len(over))
	}
	for k, v := range over {
		existing, ok := out[k]
		if ok {
			existingMap, eOK := asCapabilityMap(existing)
			overMap, oOK := asCapabilityMap(v)
			if eOK && oOK {
				out[k] = existingMap.Merge(overMap)
				continue
			}
		}
		out[k] = cloneValue(v)
	}
	return out
}

func asCapabilityMap(v any) (Capabilities, bool) {
	switch val := v.(type) {
	case Capabilities:
		return val, true
	case map[string]any:
		return Capabilities(val), true
	default:
		return nil, false
	}
}

// MergeCapabilities builds the effective capability set for one session.
// Precedence grows left to right: tunnel-provided defaults are overridden by
// user-configured capabilities, which are overridden by computed run metadata
// such as the job name and build identifier.
func MergeCapabilities(tunnelDefaults, user, runMetadata Capabilities) Capabilities {
	return tunnelDefaults.Merge(user).Merge(runMetadata)
}

// String renders a short human-readable description, e.g. "chrome 126 on linux".
func (c Capabilities) String() string {
	name := c.lookupString("browserName", "browser")
	if name == "" {
		return "any browser"
	}
	var b strings.Builder
	b.WriteString(name)
	if version := c.lookupString("browserVersion", "version"); version != "" {
		b.WriteString(" ")
		b.WriteString(version)
	}
	if platform := c.lookupString("platformName", "platform"); platform != "" {
		b.WriteString(" on ")
		b.WriteString(platform)
	}
	return b.String()
}

func (c Capabilities) lookupString(keys ...string) string {
	for _, k := range keys {
		if v, ok := c[k]; ok && v != nil {
			return fmt.Sprintf("%v", v)
		}
	}
	return ""
}
