package router

import (
	"fmt"
	"strings"
)

type segmentKind int

// Segment kinds, in pattern syntax: literal, :name, :name?, :name+, :name*
// and *.
const (
	segLiteral segmentKind = iota
	segParam
	segOptional
	segOneOrMore
	segZeroOrMore
	segWildcard
)

type segment struct {
	kind  segmentKind
	value string
}

// pattern is a compiled route pattern.
type pattern struct {
	raw      string
	segments []segment
}

// compilePattern parses a route pattern. Rest segments (:name+, :name* and *)
// must come last.
func compilePattern(raw string) (*pattern, error) {
	if !strings.HasPrefix(raw, "/") && raw != "*" {
		return nil, fmt.Errorf("router: pattern %q must start with /", raw)
	}
	p := &pattern{raw: raw}
	parts := splitPath(raw)
	for i, part := range parts {
		var seg segment
		switch {
		case part == "*":
			seg = segment{kind: segWildcard}
		case strings.HasPrefix(part, ":"):
			name := part[1:]
			switch {
			case strings.HasSuffix(name, "?"):
				seg = segment{kind: segOptional, value: strings.TrimSuffix(name, "?")}
			case strings.HasSuffix(name, "+"):
				seg = segment{kind: segOneOrMore, value: strings.TrimSuffix(name, "+")}
			case strings.HasSuffix(name, "*"):
				seg = segment{kind: segZeroOrMore, value: strings.TrimSuffix(name, "*")}
			default:
				seg = segment{kind: segParam, value: name}
			}
			if seg.value == "" {
				return nil, fmt.Errorf("router: pattern %q has an unnamed parameter", raw)
			}
		default:
			seg = segment{kind: segLiteral, value: part}
		}
		if seg.isRest() && i != len(parts)-1 {
			return nil, fmt.Errorf("router: pattern %q has a rest segment before the end", raw)
		}
		p.segments = append(p.segments, seg)
	}
	return p, nil
}

func (s segment) isRest() bool {
	return s.kind == segOneOrMore || s.kind == segZeroOrMore || s.kind == segWildcard
}

// match reports whether urlPath matches and returns the captured params.
// A single trailing slash on the path is tolerated.
func (p *pattern) match(urlPath string) (map[string]string, bool) {
	parts := splitPath(urlPath)
	params := map[string]string{}

	i := 0
	for _, seg := range p.segments {
		switch seg.kind {
		case segLiteral:
			if i >= len(parts) || parts[i] != seg.value {
				return nil, false
			}
			i++
		case segParam:
			if i >= len(parts) || parts[i] == "" {
				return nil, false
			}
			params[seg.value] = parts[i]
			i++
		case segOptional:
			if i < len(parts) && parts[i] != "" {
				params[seg.value] = parts[i]
				i++
			}
		case segOneOrMore, segZeroOrMore, segWildcard:
			rest := strings.Join(parts[min(i, len(parts)):], "/")
			if seg.kind == segOneOrMore && rest == "" {
				return nil, false
			}
			if seg.kind != segWildcard {
				params[seg.value] = rest
			}
			return params, true
		}
	}

	remaining := parts[min(i, len(parts)):]
	if len(remaining) == 0 || (len(remaining) == 1 && remaining[0] == "") {
		return params, true
	}
	return nil, false
}

// splitPath splits a path into segments without the leading slash. "/" is a
// single empty segment and a trailing slash yields a trailing empty segment.
func splitPath(p string) []string {
	return strings.Split(strings.TrimPrefix(p, "/"), "/")
}
