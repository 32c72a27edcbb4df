package taskdef

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ParamSpec declares one workflow parameter's values. Exactly one of
// StringValues or IntValues is set; mixing the two under the same name
// across declarations is a type conflict (spec §4.2).
type ParamSpec struct {
	Name         string
	StringValues []string
	IntValues    []int
}

func (p ParamSpec) isInt() bool { return p.IntValues != nil }

func (p ParamSpec) values() []string {
	if p.isInt() {
		out := make([]string, len(p.IntValues))
		for i, v := range p.IntValues {
			out[i] = strconv.Itoa(v)
		}
		return out
	}
	return p.StringValues
}

// ParamTable is the declared set of workflow parameters, keyed by name.
type ParamTable map[string]ParamSpec

// Add inserts a parameter declaration, returning a ConfigError if a
// parameter of the same name was already declared with the other type.
func (t ParamTable) Add(spec ParamSpec) error {
	if existing, ok := t[spec.Name]; ok && existing.isInt() != spec.isInt() {
		return &ConfigError{Msg: fmt.Sprintf("parameter %q declared with conflicting types (string vs integer)", spec.Name)}
	}
	t[spec.Name] = spec
	return nil
}

var paramTemplateRe = regexp.MustCompile(`<([a-zA-Z_][\w+\-=, ]*)>`)

// ExpandTemplate expands every `<p,q,...>` parameter template in tmpl into
// the cartesian product of the named parameters' declared values,
// producing one expanded string per combination (spec §4.2). A template
// referencing an undeclared parameter is a ConfigError.
func ExpandTemplate(tmpl string, table ParamTable) ([]string, error) {
	loc := paramTemplateRe.FindStringSubmatchIndex(tmpl)
	if loc == nil {
		return []string{tmpl}, nil
	}
	names := strings.Split(tmpl[loc[2]:loc[3]], ",")
	specs := make([]ParamSpec, 0, len(names))
	for _, raw := range names {
		name := strings.TrimSpace(raw)
		name = strings.TrimPrefix(name, "+")
		name = strings.TrimPrefix(name, "-")
		spec, ok := table[name]
		if !ok {
			return nil, &ConfigError{Msg: fmt.Sprintf("undefined parameter reference %q in %q", name, tmpl)}
		}
		specs = append(specs, spec)
	}

	combos := cartesianProduct(specs)
	prefix, suffix := tmpl[:loc[0]], tmpl[loc[1]:]
	results := make([]string, 0, len(combos))
	for _, combo := range combos {
		var b strings.Builder
		b.WriteString(prefix)
		for i, spec := range specs {
			fmt.Fprintf(&b, "_%s%s", spec.Name, combo[i])
		}
		b.WriteString(suffix)
		out, err := ExpandTemplate(b.String(), table) // handle multiple templates in one string
		if err != nil {
			return nil, err
		}
		results = append(results, out...)
	}
	return results, nil
}

func cartesianProduct(specs []ParamSpec) [][]string {
	if len(specs) == 0 {
		return [][]string{{}}
	}
	rest := cartesianProduct(specs[1:])
	out := make([][]string, 0, len(specs[0].values())*len(rest))
	for _, v := range specs[0].values() {
		for _, r := range rest {
			combo := append([]string{v}, r...)
			out = append(out, combo)
		}
	}
	return out
}
