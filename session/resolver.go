// Package session turns resolved environments into runnable session suites:
// it expands environment requests against the provider's catalog, opens and
// closes browser sessions around suite execution, and relays in-browser
// results back into the run.
package session

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/gantrylabs/gantry/types"
)

// Resolver expands environment requests into concrete environments.
type Resolver interface {
	// Resolve expands specs, validating them against available when the
	// provider publishes a catalog. A nil catalog passes requests through.
	Resolve(specs []types.EnvironmentSpec, available []types.Environment) ([]types.Environment, error)
}

// DefaultResolver implements the stock expansion: the cross product of each
// request's versions and platforms, with version aliases resolved against
// the provider catalog when one exists.
type DefaultResolver struct{}

var latestAlias = regexp.MustCompile(`^latest(?:-(\d+))?$`)

func (DefaultResolver) Resolve(specs []types.EnvironmentSpec, available []types.Environment) ([]types.Environment, error) {
	var out []types.Environment
	seen := map[string]bool{}

	for _, spec := range specs {
		if err := spec.Validate(); err != nil {
			return nil, err
		}
		for _, platform := range orBlank(spec.Platforms) {
			versions, err := resolveVersions(spec.BrowserName, orBlank(spec.Versions), platform, available)
			if err != nil {
				return nil, err
			}
			for _, version := range versions {
				env := types.Environment{
					BrowserName:  spec.BrowserName,
					Version:      version,
					Platform:     platform,
					Capabilities: spec.Capabilities.Clone(),
				}
				key := strings.ToLower(env.BrowserName) + "|" + version + "|" + platform
				if !seen[key] {
					seen[key] = true
					out = append(out, env)
				}
			}
		}
	}
	return out, nil
}

func orBlank(values []string) []string {
	if len(values) == 0 {
		return []string{""}
	}
	return values
}

// resolveVersions maps requested version strings to concrete ones. Without a
// catalog every request passes through untouched. With one, exact versions
// must exist, "*" expands to every known version, and "latest" (optionally
// "latest-n") indexes from the newest known version down.
func resolveVersions(browser string, requested []string, platform string, available []types.Environment) ([]string, error) {
	if len(available) == 0 {
		return requested, nil
	}

	known := knownVersions(browser, platform, available)
	if len(known) == 0 {
		where := ""
		if platform != "" {
			where = " on " + platform
		}
		return nil, fmt.Errorf("provider offers no %s environments%s", browser, where)
	}

	var out []string
	for _, req := range requested {
		switch {
		case req == "":
			out = append(out, "")
		case req == "*":
			out = append(out, known...)
		case latestAlias.MatchString(strings.ToLower(req)):
			back := 0
			if m := latestAlias.FindStringSubmatch(strings.ToLower(req)); m[1] != "" {
				back, _ = strconv.Atoi(m[1])
			}
			idx := len(known) - 1 - back
			if idx < 0 {
				return nil, fmt.Errorf("%q requests %d versions back but the provider offers only %d %s version(s)",
					req, back, len(known), browser)
			}
			out = append(out, known[idx])
		default:
			if !containsVersion(known, req) {
				return nil, fmt.Errorf("the provider does not offer %s %s (known versions: %s)",
					browser, req, strings.Join(known, ", "))
			}
			out = append(out, req)
		}
	}
	return out, nil
}

// knownVersions lists the catalog's versions for browser on platform, sorted
// oldest to newest and deduplicated.
func knownVersions(browser, platform string, available []types.Environment) []string {
	seen := map[string]bool{}
	var versions []string
	for _, env := range available {
		if !strings.EqualFold(env.BrowserName, browser) {
			continue
		}
		if platform != "" && env.Platform != "" && !strings.EqualFold(env.Platform, platform) {
			continue
		}
		if env.Version == "" || seen[env.Version] {
			continue
		}
		seen[env.Version] = true
		versions = append(versions, env.Version)
	}
	sort.Slice(versions, func(i, j int) bool {
		return compareVersions(versions[i], versions[j]) < 0
	})
	return versions
}

func containsVersion(versions []string, v string) bool {
	for _, known := range versions {
		if strings.EqualFold(known, v) {
			return true
		}
	}
	return false
}

// compareVersions orders dotted version strings numerically segment by
// segment, falling back to string order for non-numeric segments.
func compareVersions(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		av, bv := "0", "0"
		if i < len(as) {
			av = as[i]
		}
		if i < len(bs) {
			bv = bs[i]
		}
		an, aerr := strconv.Atoi(av)
		bn, berr := strconv.Atoi(bv)
		if aerr == nil && berr == nil {
			if an != bn {
				return an - bn
			}
			continue
		}
		if c := strings.Compare(av, bv); c != 0 {
			return c
		}
	}
	return 0
}
