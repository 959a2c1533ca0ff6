// Package template expands ${VAR} and ${VAR:-default} references in manifest
// text. Expansion is a single pass over the input: replacement text is never
// re-scanned, so the output depends only on the variables referenced by the
// input and expansion order cannot matter.
package template

import (
	"regexp"
	"sort"
	"strings"
)

// Undefined is substituted for a bare ${NAME} whose variable is not defined.
const Undefined = "UNDEFINED"

var refPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// Layer is one named scope of variables. Earlier layers win.
type Layer struct {
	Source string
	Vars   map[string]string
}

// Binding records where a substituted value came from, for dry-run auditing.
type Binding struct {
	Name   string
	Value  string
	Source string
}

// Result carries the rendered text plus the audit trail.
type Result struct {
	Text      string
	Bindings  []Binding
	Undefined []string
}

// Flatten merges layers into a single map honoring precedence (earlier wins).
func Flatten(layers []Layer) map[string]string {
	merged := make(map[string]string)
	for i := len(layers) - 1; i >= 0; i-- {
		for k, v := range layers[i].Vars {
			merged[k] = v
		}
	}
	return merged
}

// Expand substitutes variable references using the given map.
func Expand(text string, vars map[string]string) string {
	return ExpandTrace(text, []Layer{{Source: "vars", Vars: vars}}).Text
}

// ExpandTrace substitutes variable references resolving each name against the
// layers in order, and records every binding and undefined reference.
func ExpandTrace(text string, layers []Layer) Result {
	res := Result{}
	seenBinding := map[string]bool{}
	seenUndefined := map[string]bool{}

	res.Text = refPattern.ReplaceAllStringFunc(text, func(ref string) string {
		groups := refPattern.FindStringSubmatch(ref)
		name, hasDefault, fallback := groups[1], groups[2] != "", groups[3]

		for _, layer := range layers {
			value, ok := layer.Vars[name]
			if !ok {
				continue
			}
			if value == "" && hasDefault {
				// Empty counts as unset when a default is given.
				break
			}
			if !seenBinding[name] {
				seenBinding[name] = true
				res.Bindings = append(res.Bindings, Binding{Name: name, Value: value, Source: layer.Source})
			}
			return value
		}

		if hasDefault {
			if !seenBinding[name] {
				seenBinding[name] = true
				res.Bindings = append(res.Bindings, Binding{Name: name, Value: fallback, Source: "default"})
			}
			return fallback
		}

		if !seenUndefined[name] {
			seenUndefined[name] = true
			res.Undefined = append(res.Undefined, name)
		}
		return Undefined
	})

	sort.Strings(res.Undefined)
	return res
}

// References lists the distinct variable names referenced by the text, in
// order of first appearance.
func References(text string) []string {
	var names []string
	seen := map[string]bool{}
	for _, groups := range refPattern.FindAllStringSubmatch(text, -1) {
		if !seen[groups[1]] {
			seen[groups[1]] = true
			names = append(names, groups[1])
		}
	}
	return names
}

// ContainsUndefined reports whether rendered text still carries the
// Undefined marker, useful as a cheap post-render sanity check.
func ContainsUndefined(rendered string) bool {
	return strings.Contains(rendered, Undefined)
}
