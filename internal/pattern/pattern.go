// Package pattern compiles route path templates into matchable
// structures. It is pure: no I/O, and a compiled Pattern is immutable.
//
// Template syntax:
//
//	/users/me        static segments, matched exactly (case-sensitive)
//	/users/:id       parameter segment, binds one non-empty segment
//	/files/*         wildcard, matches the rest of the path (may be
//	                 empty) and must be the final segment
//
// Brace-style parameters (/users/{id}) are accepted as an alias.
package pattern

import (
	"strings"

	"github.com/switchboard-gw/switchboard/internal/util"
)

// WildcardKey is the reserved parameter name the wildcard segment
// binds its value under.
const WildcardKey = "*"

// Kind identifies a segment variant.
type Kind int

// Segment kinds.
const (
	KindStatic Kind = iota
	KindParam
	KindWildcard
)

// Segment is one element of a compiled pattern.
type Segment struct {
	Kind    Kind
	Literal string // static segments
	Name    string // param segments
}

// Pattern is a compiled route path template.
type Pattern struct {
	raw      string
	segments []Segment
	wildcard bool
}

// Compile parses a path template into a Pattern. It fails with an
// error matching util.ErrInvalidPattern when the template contains
// more than one wildcard, a wildcard that is not the final segment,
// an unnamed parameter, or a duplicate parameter name.
func Compile(template string) (*Pattern, error) {
	parts := splitPath(template)

	p := &Pattern{
		raw:      template,
		segments: make([]Segment, 0, len(parts)),
	}

	seen := make(map[string]bool, len(parts))
	for i, part := range parts {
		switch {
		case part == "*":
			if i != len(parts)-1 {
				return nil, util.NewPatternError(template, "wildcard must be the final segment")
			}
			if p.wildcard {
				return nil, util.NewPatternError(template, "at most one wildcard is allowed")
			}
			p.wildcard = true
			p.segments = append(p.segments, Segment{Kind: KindWildcard})

		case strings.HasPrefix(part, ":"):
			name := part[1:]
			if err := p.addParam(template, name, seen); err != nil {
				return nil, err
			}

		case strings.HasPrefix(part, "{") && strings.HasSuffix(part, "}"):
			name := part[1 : len(part)-1]
			if err := p.addParam(template, name, seen); err != nil {
				return nil, err
			}

		default:
			if strings.Contains(part, "*") {
				return nil, util.NewPatternError(template, "wildcard must be a whole segment")
			}
			p.segments = append(p.segments, Segment{Kind: KindStatic, Literal: part})
		}
	}

	return p, nil
}

// addParam appends a parameter segment, rejecting empty and duplicate
// names.
func (p *Pattern) addParam(template, name string, seen map[string]bool) error {
	if name == "" {
		return util.NewPatternError(template, "parameter segment requires a name")
	}
	if seen[name] {
		return util.NewPatternError(template, "duplicate parameter name "+name)
	}
	seen[name] = true
	p.segments = append(p.segments, Segment{Kind: KindParam, Name: name})
	return nil
}

// Match matches an input path against the pattern, returning bound
// parameters on success. A trailing-slash-only difference between the
// pattern and the path is ignored.
func (p *Pattern) Match(path string) (map[string]string, bool) {
	parts := splitPath(path)

	var params map[string]string
	for i, seg := range p.segments {
		switch seg.Kind {
		case KindStatic:
			if i >= len(parts) || parts[i] != seg.Literal {
				return nil, false
			}

		case KindParam:
			if i >= len(parts) || parts[i] == "" {
				return nil, false
			}
			if params == nil {
				params = make(map[string]string, len(p.segments)-i)
			}
			params[seg.Name] = parts[i]

		case KindWildcard:
			if params == nil {
				params = make(map[string]string, 1)
			}
			params[WildcardKey] = strings.Join(parts[i:], "/")
			return params, true
		}
	}

	if len(parts) != len(p.segments) {
		return nil, false
	}
	return params, true
}

// Raw returns the original template string.
func (p *Pattern) Raw() string {
	return p.raw
}

// Segments returns the compiled segments. Callers must not modify
// the returned slice.
func (p *Pattern) Segments() []Segment {
	return p.segments
}

// HasWildcard reports whether the pattern ends in a wildcard.
func (p *Pattern) HasWildcard() bool {
	return p.wildcard
}

// splitPath splits a path into segments, normalizing leading and
// trailing slashes. The root path yields zero segments.
func splitPath(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

// Normalize returns the canonical form of a path: leading slash,
// no trailing slash.
func Normalize(path string) string {
	parts := splitPath(path)
	if len(parts) == 0 {
		return "/"
	}
	return "/" + strings.Join(parts, "/")
}
