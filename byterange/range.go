// Package byterange parses single-range HTTP Range headers.
package byterange

import (
	"strconv"
	"strings"
)

// Range is a parsed byte range. Exactly one of the following shapes is set:
// {Offset, Length}, {Offset} with Length nil (open ended), or {Suffix}.
type Range struct {
	Offset *int64
	Length *int64
	Suffix *int64
}

// Parse parses a Range header value. Only the first range of a multi-range
// request is honored. The second return value is false when the header is
// malformed, in which case it should be ignored and the full resource served.
func Parse(header string) (Range, bool) {
	unit, spec, ok := strings.Cut(strings.TrimSpace(header), "=")
	if !ok || strings.TrimSpace(unit) != "bytes" {
		return Range{}, false
	}

	// Multi-range responses are not supported, truncate to the first range.
	first, _, _ := strings.Cut(spec, ",")
	startStr, endStr, ok := strings.Cut(strings.TrimSpace(first), "-")
	if !ok {
		return Range{}, false
	}

	start, hasStart, ok := parseBound(startStr)
	if !ok {
		return Range{}, false
	}
	end, hasEnd, ok := parseBound(endStr)
	if !ok {
		return Range{}, false
	}

	switch {
	case hasStart && hasEnd:
		if start >= end {
			return Range{}, false
		}
		length := end - start + 1
		return Range{Offset: &start, Length: &length}, true
	case hasStart:
		return Range{Offset: &start}, true
	case hasEnd:
		return Range{Suffix: &end}, true
	default:
		return Range{}, false
	}
}

// parseBound parses one side of a range. An empty side is absent; anything
// other than plain ASCII digits is malformed.
func parseBound(s string) (n int64, present, ok bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false, true
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, false, false
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false, false
	}
	return n, true, true
}

// Header renders the range back into a Range header value.
func (r Range) Header() string {
	switch {
	case r.Suffix != nil:
		return "bytes=-" + strconv.FormatInt(*r.Suffix, 10)
	case r.Offset != nil && r.Length != nil:
		return "bytes=" + strconv.FormatInt(*r.Offset, 10) + "-" + strconv.FormatInt(*r.Offset+*r.Length-1, 10)
	case r.Offset != nil:
		return "bytes=" + strconv.FormatInt(*r.Offset, 10) + "-"
	default:
		return ""
	}
}
