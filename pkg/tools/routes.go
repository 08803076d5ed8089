package tools

import (
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/modelgate/modelgate/pkg/plugins"
)

// compiledRoute is a route manifest with its matcher prepared.
type compiledRoute struct {
	manifest *plugins.RouteManifest
	regex    *regexp.Regexp
}

// compileRoutes orders manifests by Order and pre-compiles regex matchers.
func compileRoutes(manifests []*plugins.RouteManifest) ([]compiledRoute, error) {
	sorted := make([]*plugins.RouteManifest, len(manifests))
	copy(sorted, manifests)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Order < sorted[j].Order })

	routes := make([]compiledRoute, 0, len(sorted))
	for _, manifest := range sorted {
		route := compiledRoute{manifest: manifest}
		if manifest.Match.Type == "regex" {
			re, err := regexp.Compile(manifest.Match.Pattern)
			if err != nil {
				return nil, fmt.Errorf("route %q: bad pattern %q: %w", manifest.Name, manifest.Match.Pattern, err)
			}
			route.regex = re
		}
		routes = append(routes, route)
	}
	return routes, nil
}

func (r *compiledRoute) matches(toolName string) bool {
	pattern := r.manifest.Match.Pattern
	switch r.manifest.Match.Type {
	case "exact", "":
		return toolName == pattern
	case "prefix":
		return strings.HasPrefix(toolName, pattern)
	case "regex":
		return r.regex.MatchString(toolName)
	case "glob":
		ok, err := path.Match(pattern, toolName)
		return err == nil && ok
	default:
		return false
	}
}
