// Package resolver maps a grid key to the remote location of its archive.
package resolver

import (
	"fmt"
	"strings"

	"github.com/3leaps/climgrid/pkg/climate"
)

// DefaultTemplate is the PRISM web service download endpoint.
const DefaultTemplate = "https://services.nacse.org/prism/data/get/us/{grid}/{variable}/{date}"

// DefaultGrid is the PRISM 800m (30 arc-second) grid.
const DefaultGrid = "800m"

// Resolver turns a key into a URL.
type Resolver interface {
	Resolve(k climate.Key) (string, error)
}

// Func adapts a function to Resolver.
type Func func(k climate.Key) (string, error)

// Resolve calls f.
func (f Func) Resolve(k climate.Key) (string, error) { return f(k) }

type templatePart interface {
	append(dst *strings.Builder, v values)
}

type values struct {
	key  climate.Key
	grid string
}

type literalPart string

type fieldPart string

func (p literalPart) append(dst *strings.Builder, _ values) {
	dst.WriteString(string(p))
}

func (p fieldPart) append(dst *strings.Builder, v values) {
	d := v.key.Date.UTC()
	switch p {
	case "variable":
		dst.WriteString(string(v.key.Variable))
	case "date":
		dst.WriteString(v.key.DateString())
	case "resolution":
		dst.WriteString(string(v.key.Resolution))
	case "unit":
		dst.WriteString(string(v.key.Unit))
	case "grid":
		dst.WriteString(v.grid)
	case "yyyy":
		fmt.Fprintf(dst, "%04d", d.Year())
	case "mm":
		fmt.Fprintf(dst, "%02d", int(d.Month()))
	case "dd":
		fmt.Fprintf(dst, "%02d", d.Day())
	}
}

var fields = map[string]bool{
	"variable": true, "date": true, "resolution": true, "unit": true,
	"grid": true, "yyyy": true, "mm": true, "dd": true,
}

// Template is a compiled URL template.
//
// Supported placeholders:
//   - {variable}: element code (ppt, tmean, ...)
//   - {date}: YYYYMMDD for daily keys, YYYYMM for monthly keys
//   - {resolution}: daily or monthly
//   - {unit}: the key's unit
//   - {grid}: the archive's grid name (see Grid)
//   - {yyyy}, {mm}, {dd}: date components
type Template struct {
	raw   string
	parts []templatePart
	used  map[string]bool

	// Grid fills {grid}. Empty means DefaultGrid.
	Grid string
}

var _ Resolver = (*Template)(nil)

// Compile parses a template string. An empty template compiles DefaultTemplate.
func Compile(template string) (*Template, error) {
	if template == "" {
		template = DefaultTemplate
	}

	t := &Template{raw: template, used: make(map[string]bool)}
	s := template
	for len(s) > 0 {
		open := strings.IndexByte(s, '{')
		if open == -1 {
			t.parts = append(t.parts, literalPart(s))
			break
		}
		if open > 0 {
			t.parts = append(t.parts, literalPart(s[:open]))
			s = s[open:]
		}

		closeIdx := strings.IndexByte(s, '}')
		if closeIdx == -1 {
			return nil, fmt.Errorf("unclosed placeholder in %q", template)
		}
		name := s[1:closeIdx]
		s = s[closeIdx+1:]

		if !fields[name] {
			return nil, fmt.Errorf("unsupported placeholder {%s} in %q", name, template)
		}
		t.used[name] = true
		t.parts = append(t.parts, fieldPart(name))
	}
	if !t.used["date"] && !(t.used["yyyy"] && t.used["mm"]) {
		return nil, fmt.Errorf("template %q does not identify the date", template)
	}
	return t, nil
}

// MustCompile is Compile for known-good templates.
func MustCompile(template string) *Template {
	t, err := Compile(template)
	if err != nil {
		panic(err)
	}
	return t
}

// Uses reports whether the template contains {name}.
func (t *Template) Uses(name string) bool {
	return t.used[name]
}

// String returns the template source.
func (t *Template) String() string { return t.raw }

// Resolve renders the URL for k.
func (t *Template) Resolve(k climate.Key) (string, error) {
	if k.Date.IsZero() {
		return "", fmt.Errorf("resolve %s: zero date", k)
	}
	grid := t.Grid
	if grid == "" {
		grid = DefaultGrid
	}

	var b strings.Builder
	v := values{key: k, grid: grid}
	for _, part := range t.parts {
		part.append(&b, v)
	}
	return b.String(), nil
}
