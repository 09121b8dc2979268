package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrInvalidFilter rejects an empty filter set or a regex that fails to
// compile.
var ErrInvalidFilter = errors.New("invalid filter")

// Filter matches revision content. Either a literal substring or a regular
// expression; regexes always match globally.
type Filter struct {
	Label   string
	literal string
	re      *regexp.Regexp
}

// Matches returns every occurrence of the filter in content, one entry per
// match.
func (f *Filter) Matches(content string) []string {
	if f.re != nil {
		return f.re.FindAllString(content, -1)
	}
	n := strings.Count(content, f.literal)
	if n == 0 {
		return nil
	}
	out := make([]string, n)
	for i := range out {
		out[i] = f.literal
	}
	return out
}

// regexFilter is the JSON shape carrying a regular expression.
type regexFilter struct {
	Source string `json:"source"`
	Flags  string `json:"flags"`
}

// CompileFilters turns the request's filter field — a string, an array of
// strings, or a regex object — into a filter set. The empty array and
// non-compiling regexes are rejected.
func CompileFilters(raw json.RawMessage) ([]Filter, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: filter missing", ErrInvalidFilter)
	}

	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		if single == "" {
			return nil, fmt.Errorf("%w: empty filter string", ErrInvalidFilter)
		}
		return []Filter{{Label: single, literal: single}}, nil
	}

	var many []string
	if err := json.Unmarshal(raw, &many); err == nil {
		if len(many) == 0 {
			return nil, fmt.Errorf("%w: empty filter array", ErrInvalidFilter)
		}
		out := make([]Filter, 0, len(many))
		for _, s := range many {
			if s == "" {
				return nil, fmt.Errorf("%w: empty filter string", ErrInvalidFilter)
			}
			out = append(out, Filter{Label: s, literal: s})
		}
		return out, nil
	}

	var rf regexFilter
	if err := json.Unmarshal(raw, &rf); err == nil && rf.Source != "" {
		re, err := compileRegex(rf)
		if err != nil {
			return nil, err
		}
		return []Filter{{Label: rf.Source, re: re}}, nil
	}

	return nil, fmt.Errorf("%w: unrecognized filter shape", ErrInvalidFilter)
}

// compileRegex translates the (source, flags) pair into a Go regexp. The
// global flag is implicit: matching always finds every occurrence. Flags
// other than i, m, s have no Go equivalent and are dropped.
func compileRegex(rf regexFilter) (*regexp.Regexp, error) {
	var mode strings.Builder
	for _, f := range rf.Flags {
		switch f {
		case 'i', 'm', 's':
			mode.WriteRune(f)
		}
	}
	pattern := rf.Source
	if mode.Len() > 0 {
		pattern = "(?" + mode.String() + ")" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFilter, err)
	}
	return re, nil
}
