package match

import (
	"errors"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Matcher evaluates include and exclude patterns against entry names.
//
// An entry matches when it matches at least one include pattern and no
// exclude pattern. The Matcher is safe for concurrent use after creation.
type Matcher struct {
	includes      []string
	excludes      []string
	includeHidden bool
	foldCase      bool
}

// Config configures a Matcher.
type Config struct {
	// Includes are glob patterns that entries must match (at least one).
	Includes []string

	// Excludes are glob patterns that entries must not match (any).
	Excludes []string

	// IncludeHidden controls whether hidden entries are matched.
	// Default: false.
	IncludeHidden bool

	// FoldCase matches case-insensitively.
	FoldCase bool
}

// Errors returned by Matcher operations.
var (
	// ErrNoIncludes is returned when no include patterns are provided.
	ErrNoIncludes = errors.New("at least one include pattern is required")

	// ErrInvalidPattern is returned when a pattern cannot be compiled.
	ErrInvalidPattern = errors.New("invalid glob pattern")
)

// PatternError wraps pattern-related errors with context.
type PatternError struct {
	Pattern string
	Err     error
}

func (e *PatternError) Error() string {
	return "pattern " + e.Pattern + ": " + e.Err.Error()
}

func (e *PatternError) Unwrap() error {
	return e.Err
}

// New creates a Matcher from cfg.
func New(cfg Config) (*Matcher, error) {
	if len(cfg.Includes) == 0 {
		return nil, ErrNoIncludes
	}
	m := &Matcher{includeHidden: cfg.IncludeHidden, foldCase: cfg.FoldCase}

	var err error
	if m.includes, err = m.compile(cfg.Includes); err != nil {
		return nil, err
	}
	if m.excludes, err = m.compile(cfg.Excludes); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Matcher) compile(raw []string) ([]string, error) {
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		p := NormalizePattern(r)
		if m.foldCase {
			p = strings.ToLower(p)
		}
		if !doublestar.ValidatePattern(p) {
			return nil, &PatternError{Pattern: r, Err: ErrInvalidPattern}
		}
		out = append(out, p)
	}
	return out, nil
}

// Match reports whether name passes the patterns.
func (m *Matcher) Match(name string) bool {
	if !m.includeHidden && IsHidden(name) {
		return false
	}
	if m.foldCase {
		name = strings.ToLower(name)
	}
	if !anyMatch(m.includes, name) {
		return false
	}
	return !anyMatch(m.excludes, name)
}

// Select returns the names that match, in input order.
func (m *Matcher) Select(names []string) []string {
	var out []string
	for _, n := range names {
		if m.Match(n) {
			out = append(out, n)
		}
	}
	return out
}

// IncludePatterns returns the compiled include patterns.
func (m *Matcher) IncludePatterns() []string {
	return append([]string(nil), m.includes...)
}

func anyMatch(patterns []string, name string) bool {
	for _, p := range patterns {
		// Patterns are validated at construction, so Match cannot fail.
		if ok, _ := doublestar.Match(p, name); ok {
			return true
		}
	}
	return false
}
