// Package match selects archive entries with doublestar glob patterns.
package match

import (
	"strings"
)

// Glob metacharacters that can be escaped with backslash in patterns.
const globEscapable = `*?[]{}\`

// NormalizePattern converts a user-provided glob pattern to canonical form.
//
// Unescaped backslashes become forward slashes so Windows-style patterns
// work against zip entry names; escapes of glob metacharacters (\*, \?, \[)
// are preserved for literal matching.
//
//	"ppt\daily\grid.tif" → "ppt/daily/grid.tif"
//	"grid\*.tif"          → "grid\*.tif"
func NormalizePattern(pattern string) string {
	if pattern == "" {
		return ""
	}

	var result strings.Builder
	result.Grow(len(pattern))

	runes := []rune(pattern)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if r != '\\' {
			result.WriteRune(r)
			continue
		}
		if i+1 < len(runes) && strings.ContainsRune(globEscapable, runes[i+1]) {
			result.WriteRune('\\')
			result.WriteRune(runes[i+1])
			i++
			continue
		}
		result.WriteRune('/')
	}
	return result.String()
}

// IsHidden reports whether an entry name is archive clutter: any segment
// starting with a dot, or the __MACOSX resource-fork tree.
//
//	"grid/prism.tif"            → false
//	"__MACOSX/grid/._prism.tif" → true
//	"grid/.DS_Store"            → true
func IsHidden(name string) bool {
	for _, seg := range strings.Split(name, "/") {
		if seg == "__MACOSX" || (seg != "" && strings.HasPrefix(seg, ".")) {
			return true
		}
	}
	return false
}
