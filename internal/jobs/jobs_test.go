package jobs

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wikimedia-gadgets/dispatch/internal/types"
)

func TestMWTime(t *testing.T) {
	assert.Equal(t, "2023-01-02T15:04:05Z", mwTime("20230102150405"))
	assert.Equal(t, "not-a-timestamp", mwTime("not-a-timestamp"))
	assert.Equal(t, "", mwTime(""))
}

// legacyParams builds a legacy-form log_params payload for the given revids.
func legacyParams(ids ...int64) string {
	strs := make([]string, len(ids))
	for i, id := range ids {
		strs[i] = fmt.Sprintf("%d", id)
	}
	return "revision\n" + strings.Join(strs, ",") + "\nofield=0\nnfield=1"
}

func TestBuildLogIndexLaterEntryWins(t *testing.T) {
	logs := []logRow{
		{ID: 100, Timestamp: "20230101000000", Params: legacyParams(5, 6)},
		{ID: 200, Timestamp: "20230201000000", Params: legacyParams(5)},
	}

	index := buildLogIndex(logs)
	require.Contains(t, index, int64(5))
	require.Contains(t, index, int64(6))
	assert.Equal(t, int64(200), index[5].entry.LogID, "the later entry claims the shared revid")
	assert.Equal(t, int64(100), index[6].entry.LogID)
}

func TestBuildLogIndexFirstFew(t *testing.T) {
	logs := []logRow{
		{ID: 1, Timestamp: "20230101000000", Params: legacyParams(9, 3, 7, 5)},
	}

	index := buildLogIndex(logs)
	// The heuristic marks the three smallest ids of the batch.
	assert.True(t, index[3].firstFew[3])
	assert.True(t, index[5].firstFew[5])
	assert.True(t, index[7].firstFew[7])
	assert.False(t, index[9].firstFew[9])
}

func TestBuildLogIndexSkipsMalformedParams(t *testing.T) {
	logs := []logRow{
		{ID: 1, Timestamp: "20230101000000", Params: "garbage"},
		{ID: 2, Timestamp: "20230102000000", Params: legacyParams(4)},
	}

	index := buildLogIndex(logs)
	assert.Len(t, index, 1)
	assert.Contains(t, index, int64(4))
}

func identityPrefixer(ns int, dbTitle string) string {
	return fmt.Sprintf("ns%d:%s", ns, strings.ReplaceAll(dbTitle, "_", " "))
}

func TestAttributeDecodesFlags(t *testing.T) {
	row := revRow{
		ID:        10,
		ParentID:  9,
		Timestamp: "20230102150405",
		Len:       500,
		Deleted:   5, // content + user
		Comment:   sql.NullString{String: "summary", Valid: true},
		PageID:    77,
		Namespace: 0,
		Title:     "Some_page",
	}

	out := attribute(row, "Example", map[int64]indexedCause{}, identityPrefixer)
	assert.True(t, out.TextHidden)
	assert.True(t, out.UserHidden)
	assert.False(t, out.CommentHidden)
	assert.Nil(t, out.User, "hidden user stays nil even though the caller knows it")
	require.NotNil(t, out.Comment)
	assert.Equal(t, "summary", *out.Comment)
	require.NotNil(t, out.Timestamp)
	assert.Equal(t, "2023-01-02T15:04:05Z", *out.Timestamp)
	assert.Equal(t, "ns0:Some page", out.Page.Title)

	// No attributable log entry: the deleted marker serializes as bare true.
	raw, err := json.Marshal(out.Deleted)
	require.NoError(t, err)
	assert.Equal(t, "true", string(raw))
}

func TestAttributeWithCause(t *testing.T) {
	entry := &types.LogEntry{LogID: 42, Timestamp: "2023-02-01T00:00:00Z"}
	index := map[int64]indexedCause{
		10: {entry: entry, firstFew: map[int64]bool{10: true}},
	}
	row := revRow{ID: 10, Timestamp: "20230102150405", Deleted: 1, Title: "X"}

	out := attribute(row, "Example", index, identityPrefixer)
	require.NotNil(t, out.Deleted.Entry)
	assert.True(t, out.Deleted.IsLikelyCause)

	raw, err := json.Marshal(out.Deleted)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"logid":42`)
	assert.Contains(t, string(raw), `"islikelycause":true`)
}

func nullInt(n int64) sql.NullInt64   { return sql.NullInt64{Int64: n, Valid: true} }
func nullStr(s string) sql.NullString { return sql.NullString{String: s, Valid: true} }

func TestResolvePagesGroupsCandidates(t *testing.T) {
	base := pageRow{
		PageID:    nullInt(7),
		Namespace: 0,
		Title:     "Deleted_page",
		Timestamp: "20230101000000",
		Len:       nullInt(250),
	}
	withLog := func(logID, logPage int64, ts string) pageRow {
		r := base
		r.LogID = nullInt(logID)
		r.LogPage = nullInt(logPage)
		r.LogTimestamp = nullStr(ts)
		return r
	}

	rows := []pageRow{
		withLog(1, 99, "20230103000000"), // wrong page id
		withLog(2, 7, "20230105000000"),  // exact match
		{PageID: nullInt(8), Namespace: 2, Title: "Other", Timestamp: "20230201000000"},
	}

	out := resolvePages(rows, identityPrefixer)
	require.Len(t, out, 2)

	first := out[0]
	assert.Equal(t, "ns0:Deleted page", first.Title)
	assert.Equal(t, "2023-01-01T00:00:00Z", first.Created)
	assert.Equal(t, int64(250), first.Length)
	require.NotNil(t, first.PageID)
	assert.Equal(t, int64(7), *first.PageID)
	require.NotNil(t, first.Deleted.Entry)
	assert.Equal(t, int64(2), first.Deleted.Entry.LogID, "exact page id match wins")
	assert.False(t, first.Deleted.Guessed)

	second := out[1]
	assert.Nil(t, second.Deleted.Entry)
	raw, err := json.Marshal(second.Deleted)
	require.NoError(t, err)
	assert.Equal(t, "true", string(raw))
}

func TestPickPageCauseEarliestAfterWhenNoExactMatch(t *testing.T) {
	mk := func(logID int64, ts string) pageRow {
		return pageRow{LogID: nullInt(logID), LogTimestamp: nullStr(ts)}
	}
	cause := pickPageCause([]pageRow{
		mk(1, "20230105000000"),
		mk(2, "20230102000000"),
		mk(3, "20230109000000"),
	}, sql.NullInt64{})

	require.NotNil(t, cause.Entry)
	assert.Equal(t, int64(2), cause.Entry.LogID, "closest log after the creation wins")
	assert.True(t, cause.Guessed)
}

func TestPickPageCauseNoCandidates(t *testing.T) {
	cause := pickPageCause(nil, nullInt(7))
	assert.Nil(t, cause.Entry)
}
