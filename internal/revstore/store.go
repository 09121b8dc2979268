// Package revstore keeps an in-memory revision map coherent with the live
// change stream. Membership is only valid while the stream is connected:
// writes outside the Open state are dropped with a warning. Entries are
// keyed per wiki; revision ids alone collide across wikis.
package revstore

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/wikimedia-gadgets/dispatch/internal/types"
)

// Stream states.
const (
	StateClosed int32 = iota
	StateConnecting
	StateOpen
)

// Stream topics.
const (
	TopicVisibilityChange = "mediawiki.revision-visibility-change"
	TopicTagsChange       = "mediawiki.revision-tags-change"
)

// ErrUnacknowledgedRisk rejects a privileged store whose caller has not
// explicitly accepted the consequences: a privileged store does not
// subscribe to visibility changes and will keep serving suppressed fields.
var ErrUnacknowledgedRisk = errors.New(
	"privileged revision store skips visibility-change events; set AcknowledgeSuppressionRisk to confirm")

// Options configure a Store.
type Options struct {
	// Privileged stores assume their consumers may see suppressed data and
	// subscribe only to tag changes. Requires AcknowledgeSuppressionRisk.
	Privileged bool

	// AcknowledgeSuppressionRisk is the explicit opt-in Privileged demands.
	AcknowledgeSuppressionRisk bool

	// Autostart connects the stream on construction.
	Autostart bool

	// StreamURL overrides the event stream base URL. For tests.
	StreamURL string
}

// revKey scopes a revision id to its wiki.
type revKey struct {
	db string
	id int64
}

// Store is a (wiki, revision-id) keyed map of expanded revisions.
type Store struct {
	mu    sync.RWMutex
	revs  map[revKey]*types.Revision
	state atomic.Int32

	// streamMu serializes stream lifecycle and state transitions so a
	// stopped client cannot stamp states after StopStream.
	streamMu sync.Mutex
	stream   *streamClient

	opts   Options
	topics []string
	log    *logrus.Entry
}

// NewStore builds a store. A privileged store without the explicit risk
// acknowledgement is refused.
func NewStore(opts Options, log *logrus.Entry) (*Store, error) {
	if opts.Privileged && !opts.AcknowledgeSuppressionRisk {
		return nil, ErrUnacknowledgedRisk
	}
	s := &Store{
		revs: make(map[revKey]*types.Revision),
		opts: opts,
		log:  log.WithField("component", "revstore"),
	}
	s.topics = []string{TopicTagsChange}
	if !opts.Privileged {
		s.topics = append([]string{TopicVisibilityChange}, s.topics...)
	}
	if opts.Autostart {
		s.StartStream()
	}
	return s, nil
}

// State returns the current stream state.
func (s *Store) State() int32 { return s.state.Load() }

// Set stores a revision for one wiki. Outside the Open stream state the
// write is a warning no-op; the rest of the store is preserved.
func (s *Store) Set(dbname string, id int64, rev *types.Revision) {
	if s.state.Load() != StateOpen {
		s.log.WithFields(logrus.Fields{"wiki": dbname, "revid": id}).
			Warn("set ignored: change stream not open")
		return
	}
	s.mu.Lock()
	s.revs[revKey{dbname, id}] = rev
	s.mu.Unlock()
}

// Get looks up a revision by wiki and id.
func (s *Store) Get(dbname string, id int64) (*types.Revision, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rev, ok := s.revs[revKey{dbname, id}]
	return rev, ok
}

// Len reports the number of stored revisions across all wikis.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.revs)
}

// WikiView is the store scoped to one wiki. It is what per-wiki consumers
// like the expander hold: ids passing through a view can never read or
// write another wiki's entries.
type WikiView struct {
	store  *Store
	dbname string
}

// ForWiki returns the store view for one wiki.
func (s *Store) ForWiki(dbname string) *WikiView {
	return &WikiView{store: s, dbname: dbname}
}

func (v *WikiView) Set(id int64, rev *types.Revision) { v.store.Set(v.dbname, id, rev) }

func (v *WikiView) Get(id int64) (*types.Revision, bool) { return v.store.Get(v.dbname, id) }

// applyVisibility rewrites the stored revision for a visibility-change
// event: hidden fields are blanked and the snapshot is attached. A new
// object replaces the old one; unknown (wiki, revid) pairs are ignored.
func (s *Store) applyVisibility(ev *changeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := revKey{ev.Database, ev.RevID}
	old, ok := s.revs[key]
	if !ok {
		return
	}
	next := *old
	vis := *ev.Visibility
	next.Visibility = &vis
	if !vis.Comment {
		next.Comment = nil
		next.CommentHidden = true
	}
	if !vis.User {
		next.User = nil
		next.UserHidden = true
	}
	if !vis.Text {
		next.TextHidden = true
	}
	s.revs[key] = &next
}

// applyTags replaces the tag set with the authoritative value.
func (s *Store) applyTags(ev *changeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := revKey{ev.Database, ev.RevID}
	old, ok := s.revs[key]
	if !ok {
		return
	}
	next := *old
	next.Tags = ev.Tags
	s.revs[key] = &next
}

func (s *Store) dispatch(ev *changeEvent) {
	switch ev.Meta.Stream {
	case TopicVisibilityChange:
		if ev.Visibility != nil {
			s.applyVisibility(ev)
		}
	case TopicTagsChange:
		s.applyTags(ev)
	}
}

// setStreamState records a state transition on behalf of a stream client.
// Transitions from a client that is no longer current are dropped.
func (s *Store) setStreamState(c *streamClient, state int32) {
	s.streamMu.Lock()
	defer s.streamMu.Unlock()
	if s.stream != c {
		return
	}
	s.state.Store(state)
}

// StartStream connects the change stream. Idempotent: starting an already
// running stream is a no-op.
func (s *Store) StartStream() {
	s.streamMu.Lock()
	defer s.streamMu.Unlock()
	if s.stream != nil {
		return
	}
	s.stream = newStreamClient(s.opts.StreamURL, s.topics, s.log)
	s.state.Store(StateConnecting)
	s.stream.run(s)
}

// StopStream closes the stream. Later Set calls become no-ops until the
// stream is restarted.
func (s *Store) StopStream() {
	s.streamMu.Lock()
	defer s.streamMu.Unlock()
	if s.stream != nil {
		s.stream.stop()
		s.stream = nil
	}
	s.state.Store(StateClosed)
}
