package wikiapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wikimedia-gadgets/dispatch/internal/types"
)

func testLog() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

func TestUserAgent(t *testing.T) {
	ua := UserAgent("1.2.3")
	assert.True(t, strings.HasPrefix(ua, "dispatch/1.2.3 "))
	assert.Contains(t, ua, "go")
	assert.True(t, strings.HasSuffix(ua, " net/http"))
}

func TestClientGetCommonParameters(t *testing.T) {
	var seen *http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Clone(context.Background())
		io.WriteString(w, `{}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok", "dispatch-test/1.0", testLog())
	_, err := c.Get(context.Background(), url.Values{"action": {"query"}})
	require.NoError(t, err)

	require.NotNil(t, seen)
	q := seen.URL.Query()
	assert.Equal(t, "json", q.Get("format"))
	assert.Equal(t, "2", q.Get("formatversion"))
	assert.Equal(t, "plaintext", q.Get("errorformat"))
	assert.Equal(t, "Bearer tok", seen.Header.Get("Authorization"))
	assert.Equal(t, "dispatch-test/1.0", seen.Header.Get("User-Agent"))
}

func TestClientGetAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"errors": [{"code": "badtoken", "text": "Invalid token"}]}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok", "ua", testLog())
	_, err := c.Get(context.Background(), url.Values{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "badtoken")
}

func TestRevisionProps(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "query", q.Get("action"))
		assert.Equal(t, "1|2", q.Get("revids"))
		assert.Equal(t, "revisions", q.Get("prop"))
		assert.Equal(t, "ids|size", q.Get("rvprop"))
		io.WriteString(w, `{"query": {
			"pages": [{"pageid": 7, "ns": 0, "title": "X",
				"revisions": [{"revid": 1, "size": 10}]}],
			"badrevids": {"2": {"revid": 2}}
		}}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", "ua", testLog())
	payload, err := c.RevisionProps(context.Background(), []int64{1, 2}, []string{"ids", "size"})
	require.NoError(t, err)
	require.Len(t, payload.Pages, 1)
	assert.Equal(t, int64(1), payload.Pages[0].Revisions[0].RevID)
	require.Contains(t, payload.BadRevIDs, "2")
	assert.Equal(t, int64(2), payload.BadRevIDs["2"].RevID)
}

func TestPageRevisionsContinuation(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		q := r.URL.Query()
		assert.Equal(t, "newer", q.Get("rvdir"))
		if calls == 1 {
			assert.Empty(t, q.Get("rvcontinue"))
			io.WriteString(w, `{
				"continue": {"rvcontinue": "20230101|5", "continue": "||"},
				"query": {"pages": [{"pageid": 1, "title": "T",
					"revisions": [{"revid": 4}]}]}
			}`)
			return
		}
		assert.Equal(t, "20230101|5", q.Get("rvcontinue"))
		io.WriteString(w, `{"query": {"pages": [{"pageid": 1, "title": "T",
			"revisions": [{"revid": 5}]}]}}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", "ua", testLog())
	var got []int64
	err := c.PageRevisions(context.Background(), "T", func(page *APIPage) error {
		for _, rev := range page.Revisions {
			got = append(got, rev.RevID)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{4, 5}, got)
	assert.Equal(t, 2, calls)
}

func TestMainContent(t *testing.T) {
	var rev APIRevision
	require.NoError(t, json.Unmarshal([]byte(`{
		"revid": 1,
		"slots": {"main": {"contentmodel": "wikitext", "content": "hello"}}
	}`), &rev))
	require.NotNil(t, rev.MainContent())
	assert.Equal(t, "hello", *rev.MainContent())

	require.NoError(t, json.Unmarshal([]byte(`{
		"revid": 2,
		"slots": {"main": {"contentmodel": "wikitext", "texthidden": true}}
	}`), &rev))
	assert.Nil(t, rev.MainContent())

	rev = APIRevision{}
	assert.Nil(t, rev.MainContent())
}

func TestPoolSharesClients(t *testing.T) {
	pool := NewPool("tok", "1.0", testLog())
	wiki := &types.Wiki{DBName: "enwiki", URL: "https://en.wikipedia.org"}
	a := pool.For(wiki)
	b := pool.For(wiki)
	assert.Same(t, a, b)

	other := pool.For(&types.Wiki{DBName: "dewiki", URL: "https://de.wikipedia.org"})
	assert.NotSame(t, a, other)
}
