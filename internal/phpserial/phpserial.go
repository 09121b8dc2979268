// Package phpserial decodes the log_params payload of deletion log rows.
// Two shapes occur in the wild: the PHP-serialized associative array with
// i18n-prefixed keys ("4::type", "5::ids", ...), and a legacy newline form
// whose second line carries the revision ids and whose later lines encode
// the old/new deletion bitmasks as ofield=/nfield= pairs.
package phpserial

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/wikimedia-gadgets/dispatch/internal/types"
)

// ErrMalformed is returned when log_params matches neither shape.
var ErrMalformed = errors.New("malformed log_params")

// ParseDeletionParams decodes either log_params shape into a typed record.
func ParseDeletionParams(raw string) (*types.DeletionParams, error) {
	if strings.HasPrefix(raw, "a:") {
		return parseSerialized(raw)
	}
	return parseLegacy(raw)
}

// value is one node of the PHP-serialized sub-grammar: int64, string, bool,
// nil, or *array.
type value any

// array preserves insertion order; PHP arrays are ordered maps.
type array struct {
	keys []value
	vals []value
}

func (a *array) get(suffix string) (value, bool) {
	for i, k := range a.keys {
		s, ok := k.(string)
		if !ok {
			continue
		}
		// Keys may carry an "N::" international prefix.
		if s == suffix || strings.HasSuffix(s, "::"+suffix) {
			return a.vals[i], true
		}
	}
	return nil, false
}

type parser struct {
	s   string
	pos int
}

func (p *parser) fail(format string, args ...any) error {
	return fmt.Errorf("%w: %s at offset %d", ErrMalformed, fmt.Sprintf(format, args...), p.pos)
}

func (p *parser) expect(c byte) error {
	if p.pos >= len(p.s) || p.s[p.pos] != c {
		return p.fail("expected %q", string(c))
	}
	p.pos++
	return nil
}

// readUntil consumes up to (and including) the delimiter, returning the
// consumed prefix.
func (p *parser) readUntil(c byte) (string, error) {
	idx := strings.IndexByte(p.s[p.pos:], c)
	if idx < 0 {
		return "", p.fail("missing %q", string(c))
	}
	out := p.s[p.pos : p.pos+idx]
	p.pos += idx + 1
	return out, nil
}

func (p *parser) parseValue() (value, error) {
	if p.pos >= len(p.s) {
		return nil, p.fail("truncated")
	}
	switch p.s[p.pos] {
	case 'i':
		p.pos++
		if err := p.expect(':'); err != nil {
			return nil, err
		}
		raw, err := p.readUntil(';')
		if err != nil {
			return nil, err
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, p.fail("bad integer %q", raw)
		}
		return n, nil
	case 'b':
		p.pos++
		if err := p.expect(':'); err != nil {
			return nil, err
		}
		raw, err := p.readUntil(';')
		if err != nil {
			return nil, err
		}
		return raw == "1", nil
	case 'N':
		p.pos++
		if err := p.expect(';'); err != nil {
			return nil, err
		}
		return nil, nil
	case 's':
		p.pos++
		if err := p.expect(':'); err != nil {
			return nil, err
		}
		rawLen, err := p.readUntil(':')
		if err != nil {
			return nil, err
		}
		n, err := strconv.Atoi(rawLen)
		if err != nil || n < 0 {
			return nil, p.fail("bad string length %q", rawLen)
		}
		if err := p.expect('"'); err != nil {
			return nil, err
		}
		// Lengths count bytes, so slice rather than scan for the quote.
		if p.pos+n > len(p.s) {
			return nil, p.fail("string overruns input")
		}
		out := p.s[p.pos : p.pos+n]
		p.pos += n
		if err := p.expect('"'); err != nil {
			return nil, err
		}
		if err := p.expect(';'); err != nil {
			return nil, err
		}
		return out, nil
	case 'a':
		p.pos++
		if err := p.expect(':'); err != nil {
			return nil, err
		}
		rawN, err := p.readUntil(':')
		if err != nil {
			return nil, err
		}
		n, err := strconv.Atoi(rawN)
		if err != nil || n < 0 {
			return nil, p.fail("bad array length %q", rawN)
		}
		if err := p.expect('{'); err != nil {
			return nil, err
		}
		arr := &array{}
		for i := 0; i < n; i++ {
			k, err := p.parseValue()
			if err != nil {
				return nil, err
			}
			v, err := p.parseValue()
			if err != nil {
				return nil, err
			}
			arr.keys = append(arr.keys, k)
			arr.vals = append(arr.vals, v)
		}
		if err := p.expect('}'); err != nil {
			return nil, err
		}
		return arr, nil
	default:
		return nil, p.fail("unknown tag %q", string(p.s[p.pos]))
	}
}

func toInt(v value) (int64, bool) {
	switch vv := v.(type) {
	case int64:
		return vv, true
	case string:
		n, err := strconv.ParseInt(vv, 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

func parseSerialized(raw string) (*types.DeletionParams, error) {
	p := &parser{s: raw}
	root, err := p.parseValue()
	if err != nil {
		return nil, err
	}
	arr, ok := root.(*array)
	if !ok {
		return nil, fmt.Errorf("%w: root is not an array", ErrMalformed)
	}

	params := &types.DeletionParams{}
	if v, ok := arr.get("type"); ok {
		if s, ok := v.(string); ok {
			params.Type = s
		}
	}
	if v, ok := arr.get("ids"); ok {
		if ids, ok := v.(*array); ok {
			for _, iv := range ids.vals {
				if n, ok := toInt(iv); ok {
					params.IDs = append(params.IDs, n)
				}
			}
		}
	}
	if v, ok := arr.get("ofield"); ok {
		if n, ok := toInt(v); ok {
			params.Old = types.DecodeDeletionFlags(n)
		}
	}
	if v, ok := arr.get("nfield"); ok {
		if n, ok := toInt(v); ok {
			params.New = types.DecodeDeletionFlags(n)
		}
	}
	return params, nil
}

// parseLegacy handles the pre-serialization newline format.
func parseLegacy(raw string) (*types.DeletionParams, error) {
	lines := strings.Split(raw, "\n")
	if len(lines) < 2 {
		return nil, fmt.Errorf("%w: legacy form needs at least two lines", ErrMalformed)
	}
	params := &types.DeletionParams{Type: strings.TrimSpace(lines[0])}
	for _, part := range strings.Split(lines[1], ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bad revid %q", ErrMalformed, part)
		}
		params.IDs = append(params.IDs, n)
	}
	for _, line := range lines[2:] {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "ofield="):
			if n, err := strconv.ParseInt(line[len("ofield="):], 10, 64); err == nil {
				params.Old = types.DecodeDeletionFlags(n)
			}
		case strings.HasPrefix(line, "nfield="):
			if n, err := strconv.ParseInt(line[len("nfield="):], 10, 64); err == nil {
				params.New = types.DecodeDeletionFlags(n)
			}
		}
	}
	return params, nil
}
