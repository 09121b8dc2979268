package jobs

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompileFiltersString(t *testing.T) {
	filters, err := CompileFilters(json.RawMessage(`"copyvio"`))
	require.NoError(t, err)
	require.Len(t, filters, 1)
	assert.Equal(t, "copyvio", filters[0].Label)
	assert.Equal(t, []string{"copyvio", "copyvio"}, filters[0].Matches("a copyvio and another copyvio"))
	assert.Nil(t, filters[0].Matches("clean text"))
}

func TestCompileFiltersArray(t *testing.T) {
	filters, err := CompileFilters(json.RawMessage(`["one", "two"]`))
	require.NoError(t, err)
	require.Len(t, filters, 2)
	assert.Equal(t, "one", filters[0].Label)
	assert.Equal(t, "two", filters[1].Label)
}

func TestCompileFiltersRegex(t *testing.T) {
	filters, err := CompileFilters(json.RawMessage(`{"source": "warn(ing)?", "flags": "i"}`))
	require.NoError(t, err)
	require.Len(t, filters, 1)
	assert.Equal(t, "warn(ing)?", filters[0].Label)
	assert.Equal(t, []string{"Warning", "warn"}, filters[0].Matches("Warning: do not warn"))
}

func TestCompileFiltersRegexMultiline(t *testing.T) {
	filters, err := CompileFilters(json.RawMessage(`{"source": "^==.*==$", "flags": "m"}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"== Header =="}, filters[0].Matches("text\n== Header ==\nbody"))
}

func TestCompileFiltersInvalid(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"missing", ""},
		{"empty string", `""`},
		{"empty array", `[]`},
		{"array with empty entry", `["ok", ""]`},
		{"bad regex", `{"source": "([unclosed", "flags": ""}`},
		{"unrecognized shape", `42`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := CompileFilters(json.RawMessage(tc.raw))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidFilter)
		})
	}
}
