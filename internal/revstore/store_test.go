package revstore

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

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

func strptr(s string) *string { return &s }

func sampleRevision(id int64) *types.Revision {
	return &types.Revision{
		RevID:     id,
		User:      strptr("Example"),
		Comment:   strptr("edit summary"),
		Timestamp: strptr("2023-01-02T15:04:05Z"),
		Size:      100,
		Tags:      []string{"mobile edit"},
	}
}

func TestNewStorePrivilegedRequiresAcknowledgement(t *testing.T) {
	_, err := NewStore(Options{Privileged: true}, testLog())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnacknowledgedRisk)

	s, err := NewStore(Options{Privileged: true, AcknowledgeSuppressionRisk: true}, testLog())
	require.NoError(t, err)
	assert.Equal(t, []string{TopicTagsChange}, s.topics,
		"privileged stores skip the visibility topic")
}

func TestNewStoreSubscribesBothTopics(t *testing.T) {
	s, err := NewStore(Options{}, testLog())
	require.NoError(t, err)
	assert.Equal(t, []string{TopicVisibilityChange, TopicTagsChange}, s.topics)
}

func TestSetGatedByStreamState(t *testing.T) {
	s, err := NewStore(Options{}, testLog())
	require.NoError(t, err)

	s.Set("testwiki", 1, sampleRevision(1))
	_, ok := s.Get("testwiki", 1)
	assert.False(t, ok, "writes are dropped while the stream is closed")
	assert.Zero(t, s.Len())

	s.state.Store(StateOpen)
	s.Set("testwiki", 1, sampleRevision(1))
	rev, ok := s.Get("testwiki", 1)
	require.True(t, ok)
	assert.Equal(t, int64(1), rev.RevID)
	assert.Equal(t, 1, s.Len())
}

func TestWikiViewsIsolateRevisions(t *testing.T) {
	s, err := NewStore(Options{}, testLog())
	require.NoError(t, err)
	s.state.Store(StateOpen)

	enwiki := s.ForWiki("enwiki")
	dewiki := s.ForWiki("dewiki")

	enwiki.Set(5, sampleRevision(5))

	rev, ok := enwiki.Get(5)
	require.True(t, ok)
	assert.Equal(t, int64(5), rev.RevID)

	// The same revid on another wiki is a different revision entirely: the
	// view must miss so its consumer consults its own upstream.
	_, ok = dewiki.Get(5)
	assert.False(t, ok)

	dewiki.Set(5, &types.Revision{RevID: 5, User: strptr("Other"), Size: 7})
	enRev, _ := enwiki.Get(5)
	deRev, _ := dewiki.Get(5)
	assert.NotSame(t, enRev, deRev)
	assert.Equal(t, "Example", *enRev.User)
	assert.Equal(t, "Other", *deRev.User)
	assert.Equal(t, 2, s.Len())
}

func TestApplyVisibilityBlanksHiddenFields(t *testing.T) {
	s, err := NewStore(Options{}, testLog())
	require.NoError(t, err)
	s.state.Store(StateOpen)

	original := sampleRevision(5)
	s.Set("testwiki", 5, original)

	ev := &changeEvent{
		Database:   "testwiki",
		RevID:      5,
		Visibility: &types.Visibility{Text: true, Comment: false, User: false},
	}
	ev.Meta.Stream = TopicVisibilityChange
	s.dispatch(ev)

	rev, ok := s.Get("testwiki", 5)
	require.True(t, ok)
	assert.Nil(t, rev.User)
	assert.Nil(t, rev.Comment)
	assert.True(t, rev.UserHidden)
	assert.True(t, rev.CommentHidden)
	assert.False(t, rev.TextHidden)
	require.NotNil(t, rev.Visibility)
	assert.False(t, rev.Visibility.User)

	// The stored object was replaced, not mutated in place.
	assert.NotNil(t, original.User)
	assert.NotSame(t, original, rev)
}

func TestApplyVisibilityTextHidden(t *testing.T) {
	s, err := NewStore(Options{}, testLog())
	require.NoError(t, err)
	s.state.Store(StateOpen)
	s.Set("testwiki", 6, sampleRevision(6))

	ev := &changeEvent{
		Database:   "testwiki",
		RevID:      6,
		Visibility: &types.Visibility{Text: false, Comment: true, User: true},
	}
	ev.Meta.Stream = TopicVisibilityChange
	s.dispatch(ev)

	rev, _ := s.Get("testwiki", 6)
	assert.True(t, rev.TextHidden)
	assert.NotNil(t, rev.User)
	assert.NotNil(t, rev.Comment)
}

func TestApplyTagsReplacesTagSet(t *testing.T) {
	s, err := NewStore(Options{}, testLog())
	require.NoError(t, err)
	s.state.Store(StateOpen)
	s.Set("testwiki", 7, sampleRevision(7))

	ev := &changeEvent{Database: "testwiki", RevID: 7, Tags: []string{"mw-reverted"}}
	ev.Meta.Stream = TopicTagsChange
	s.dispatch(ev)

	rev, _ := s.Get("testwiki", 7)
	assert.Equal(t, []string{"mw-reverted"}, rev.Tags)
}

func TestDispatchScopedToDatabase(t *testing.T) {
	s, err := NewStore(Options{}, testLog())
	require.NoError(t, err)
	s.state.Store(StateOpen)
	s.Set("enwiki", 7, sampleRevision(7))

	// A dewiki event for the same revid must not rewrite enwiki's entry.
	ev := &changeEvent{Database: "dewiki", RevID: 7, Tags: []string{"mw-reverted"}}
	ev.Meta.Stream = TopicTagsChange
	s.dispatch(ev)

	rev, ok := s.Get("enwiki", 7)
	require.True(t, ok)
	assert.Equal(t, []string{"mobile edit"}, rev.Tags)
}

func TestDispatchUnknownRevisionIgnored(t *testing.T) {
	s, err := NewStore(Options{}, testLog())
	require.NoError(t, err)

	ev := &changeEvent{Database: "testwiki", RevID: 404, Tags: []string{"x"}}
	ev.Meta.Stream = TopicTagsChange
	s.dispatch(ev)
	assert.Zero(t, s.Len())
}

func TestStaleStreamClientCannotWriteState(t *testing.T) {
	s, err := NewStore(Options{}, testLog())
	require.NoError(t, err)

	// A client the store no longer owns must not be able to stamp states;
	// otherwise a stop racing a reconnect leaves the store Open forever.
	stale := newStreamClient("", s.topics, s.log)
	s.setStreamState(stale, StateOpen)
	assert.Equal(t, StateClosed, s.State())
}

// sseServer is a minimal event-stream endpoint fed through a channel.
func sseServer(t *testing.T) (*httptest.Server, chan string) {
	t.Helper()
	events := make(chan string, 16)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fl, ok := w.(http.Flusher)
		require.True(t, ok)
		fl.Flush()
		for ev := range events {
			io.WriteString(w, ev)
			fl.Flush()
		}
	}))
	return srv, events
}

func TestStreamLifecycle(t *testing.T) {
	srv, events := sseServer(t)
	defer srv.Close()
	defer close(events)

	s, err := NewStore(Options{StreamURL: srv.URL}, testLog())
	require.NoError(t, err)
	defer s.StopStream()

	assert.Equal(t, StateClosed, s.State())
	s.StartStream()
	require.Eventually(t, func() bool { return s.State() == StateOpen },
		2*time.Second, 5*time.Millisecond)

	// Starting again is a no-op.
	s.StartStream()
	assert.Equal(t, StateOpen, s.State())

	s.Set("testwiki", 9, sampleRevision(9))
	events <- "id: [{\"topic\":\"x\",\"offset\":1}]\n" +
		"data: {\"meta\":{\"stream\":\"" + TopicTagsChange + "\"}," +
		"\"database\":\"testwiki\",\"rev_id\":9,\"tags\":[\"new-tag\"]}\n\n"

	require.Eventually(t, func() bool {
		rev, ok := s.Get("testwiki", 9)
		return ok && len(rev.Tags) == 1 && rev.Tags[0] == "new-tag"
	}, 2*time.Second, 5*time.Millisecond)

	s.StopStream()
	assert.Equal(t, StateClosed, s.State())

	// A stopped store can start a fresh stream.
	s.StartStream()
	require.Eventually(t, func() bool { return s.State() == StateOpen },
		2*time.Second, 5*time.Millisecond)
	s.StopStream()
	assert.Equal(t, StateClosed, s.State())
}

func TestStreamMultilineDataAndComments(t *testing.T) {
	srv, events := sseServer(t)
	defer srv.Close()
	defer close(events)

	s, err := NewStore(Options{StreamURL: srv.URL}, testLog())
	require.NoError(t, err)
	defer s.StopStream()
	s.StartStream()
	require.Eventually(t, func() bool { return s.State() == StateOpen },
		2*time.Second, 5*time.Millisecond)

	s.Set("testwiki", 3, sampleRevision(3))
	events <- ": keepalive comment\n\n" +
		"data: {\"meta\":{\"stream\":\"" + TopicTagsChange + "\"},\n" +
		"data: \"database\":\"testwiki\",\"rev_id\":3,\"tags\":[]}\n\n"

	require.Eventually(t, func() bool {
		rev, ok := s.Get("testwiki", 3)
		return ok && len(rev.Tags) == 0
	}, 2*time.Second, 5*time.Millisecond)
}
