package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWikiHostnameAndEndpoint(t *testing.T) {
	w := &Wiki{DBName: "enwiki", URL: "https://en.wikipedia.org"}
	assert.Equal(t, "en.wikipedia.org", w.Hostname())
	assert.Equal(t, "https://en.wikipedia.org/w/api.php", w.APIEndpoint())

	trailing := &Wiki{URL: "https://de.wikipedia.org/"}
	assert.Equal(t, "https://de.wikipedia.org/w/api.php", trailing.APIEndpoint())
}

func TestRevisionJSONNullsHiddenFields(t *testing.T) {
	rev := Revision{RevID: 1, Size: 10, UserHidden: true, CommentHidden: true}
	raw, err := json.Marshal(rev)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"user":null`)
	assert.Contains(t, string(raw), `"comment":null`)
	assert.Contains(t, string(raw), `"userhidden":true`)
}

func TestMissingRevision(t *testing.T) {
	rev := MissingRevision(42)
	assert.True(t, rev.Missing)
	assert.Equal(t, int64(42), rev.RevID)
}

func TestDeletionCauseMarshal(t *testing.T) {
	bare, err := json.Marshal(DeletionCause{})
	require.NoError(t, err)
	assert.Equal(t, "true", string(bare))

	entry := &LogEntry{LogID: 5, Timestamp: "2023-01-01T00:00:00Z"}
	full, err := json.Marshal(DeletionCause{Entry: entry, IsLikelyCause: true})
	require.NoError(t, err)
	assert.Contains(t, string(full), `"logid":5`)
	assert.Contains(t, string(full), `"islikelycause":true`)
}

func TestPageDeletionCauseMarshal(t *testing.T) {
	bare, err := json.Marshal(PageDeletionCause{})
	require.NoError(t, err)
	assert.Equal(t, "true", string(bare))

	full, err := json.Marshal(PageDeletionCause{Entry: &LogEntry{LogID: 9}, Guessed: true})
	require.NoError(t, err)
	assert.Contains(t, string(full), `"guessed":true`)
}
