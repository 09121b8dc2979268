package sites

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const matrixBody = `{
	"sitematrix": {
		"count": 3,
		"0": {
			"code": "en",
			"name": "English",
			"site": [
				{"url": "https://en.wikipedia.org", "dbname": "enwiki", "code": "wiki"},
				{"url": "https://en.wiktionary.org", "dbname": "enwiktionary", "code": "wiktionary", "closed": true}
			]
		},
		"specials": [
			{"url": "https://meta.wikimedia.org", "dbname": "metawiki", "code": "meta"},
			{"url": "https://office.wikimedia.org", "dbname": "officewiki", "code": "office", "private": true, "nonglobal": true}
		]
	}
}`

func testLog() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

func testRegistry(t *testing.T, handler http.HandlerFunc) *Registry {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	r := NewRegistry(srv.Client(), "dispatch-test", testLog())
	r.SetMatrixURL(srv.URL)
	return r
}

func matrixHandler(hits *atomic.Int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, matrixBody)
	}
}

func TestRegistryLookups(t *testing.T) {
	r := testRegistry(t, matrixHandler(nil))
	ctx := context.Background()

	wiki, err := r.ByDBName(ctx, "enwiki")
	require.NoError(t, err)
	require.NotNil(t, wiki)
	assert.Equal(t, "https://en.wikipedia.org", wiki.URL)
	assert.Equal(t, "en", wiki.Lang)

	closed, err := r.ByDBName(ctx, "enwiktionary")
	require.NoError(t, err)
	require.NotNil(t, closed)
	assert.True(t, closed.Closed)

	special, err := r.ByDBName(ctx, "officewiki")
	require.NoError(t, err)
	require.NotNil(t, special)
	assert.True(t, special.Private)
	assert.True(t, special.NonGlobal)
	assert.Empty(t, special.Lang)

	unknown, err := r.ByDBName(ctx, "nosuchwiki")
	require.NoError(t, err)
	assert.Nil(t, unknown)
}

func TestRegistryByHostnameAndOrigin(t *testing.T) {
	r := testRegistry(t, matrixHandler(nil))
	ctx := context.Background()

	wiki, err := r.ByHostname(ctx, "en.wikipedia.org")
	require.NoError(t, err)
	require.NotNil(t, wiki)
	assert.Equal(t, "enwiki", wiki.DBName)

	wiki, err = r.ByOrigin(ctx, "https://en.wikipedia.org")
	require.NoError(t, err)
	require.NotNil(t, wiki)
	assert.Equal(t, "enwiki", wiki.DBName)

	wiki, err = r.ByOrigin(ctx, "https://evil.example")
	require.NoError(t, err)
	assert.Nil(t, wiki)

	wiki, err = r.ByOrigin(ctx, "not a url")
	require.NoError(t, err)
	assert.Nil(t, wiki)
}

func TestRegistryLazyRefreshOnce(t *testing.T) {
	var hits atomic.Int64
	r := testRegistry(t, matrixHandler(&hits))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := r.ByDBName(ctx, "enwiki")
		require.NoError(t, err)
	}
	assert.Equal(t, int64(1), hits.Load())
}

func TestRegistryFlushRefetches(t *testing.T) {
	var hits atomic.Int64
	r := testRegistry(t, matrixHandler(&hits))
	ctx := context.Background()

	_, err := r.ByDBName(ctx, "enwiki")
	require.NoError(t, err)
	r.Flush()
	_, err = r.ByDBName(ctx, "enwiki")
	require.NoError(t, err)
	assert.Equal(t, int64(2), hits.Load())
}

func TestRegistryUpstreamFailure(t *testing.T) {
	r := testRegistry(t, func(w http.ResponseWriter, req *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	})

	_, err := r.ByDBName(context.Background(), "enwiki")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
}

func TestRegistryKeepsSnapshotOnFailedRefresh(t *testing.T) {
	var fail atomic.Bool
	r := testRegistry(t, func(w http.ResponseWriter, req *http.Request) {
		if fail.Load() {
			http.Error(w, "down", http.StatusServiceUnavailable)
			return
		}
		io.WriteString(w, matrixBody)
	})
	ctx := context.Background()

	_, err := r.ByDBName(ctx, "enwiki")
	require.NoError(t, err)

	fail.Store(true)
	require.Error(t, r.Refresh(ctx))

	// The stale snapshot keeps serving.
	wiki, err := r.ByDBName(ctx, "enwiki")
	require.NoError(t, err)
	assert.NotNil(t, wiki)
}

func TestRegistryEmptyMatrixIsError(t *testing.T) {
	r := testRegistry(t, func(w http.ResponseWriter, req *http.Request) {
		io.WriteString(w, `{"sitematrix": {"count": 0}}`)
	})

	_, err := r.ByDBName(context.Background(), "enwiki")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
}
