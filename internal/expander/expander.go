// Package expander turns revision ids into fully expanded revisions while
// minimizing upstream calls: ids are queued, deduplicated against in-flight
// lookups, and flushed to the action API in bounded batches.
package expander

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/wikimedia-gadgets/dispatch/internal/types"
	"github.com/wikimedia-gadgets/dispatch/internal/wikiapi"
)

// ErrUpstream wraps an action API failure. Every handle of the failed batch
// resolves with it; later batches are attempted independently.
var ErrUpstream = errors.New("upstream revision lookup failed")

// PerBatch is the action API limit on revids per request.
const PerBatch = 50

// batchTimeout bounds one upstream round trip made by the worker.
const batchTimeout = 30 * time.Second

// Source is the upstream the expander draws from.
type Source interface {
	RevisionProps(ctx context.Context, ids []int64, props []string) (*wikiapi.QueryPayload, error)
}

// Sink receives every complete revision the expander resolves. The revision
// store implements it to keep served data stream-coherent.
type Sink interface {
	Set(id int64, rev *types.Revision)
	Get(id int64) (*types.Revision, bool)
}

// Pending is a one-shot future for a single revision id. It is written
// exactly once, by the expander.
type Pending struct {
	done chan struct{}
	rev  *types.Revision
	err  error
}

func newPending() *Pending {
	return &Pending{done: make(chan struct{})}
}

func (p *Pending) resolve(rev *types.Revision, err error) {
	p.rev = rev
	p.err = err
	close(p.done)
}

// Wait blocks until the id resolves or ctx expires.
func (p *Pending) Wait(ctx context.Context) (*types.Revision, error) {
	select {
	case <-p.done:
		return p.rev, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done reports whether the handle has resolved. Used for diagnostics when a
// caller's wait budget runs out.
func (p *Pending) Done() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Expander coalesces revision lookups for one wiki.
type Expander struct {
	mu      sync.Mutex
	pending map[int64]*Pending
	queue   []int64
	running bool

	source Source
	store  Sink
	log    *logrus.Entry
}

// New builds an expander over the given source.
func New(source Source, log *logrus.Entry) *Expander {
	return &Expander{
		pending: make(map[int64]*Pending),
		source:  source,
		log:     log.WithField("component", "expander"),
	}
}

// WithStore attaches a revision sink consulted before queuing and fed on
// every resolution.
func (e *Expander) WithStore(s Sink) *Expander {
	e.store = s
	return e
}

// Queue registers ids for expansion and returns one handle per id.
// Duplicate ids, within one call or across concurrent calls, share a single
// handle. Batch composition is FIFO over id insertion order.
func (e *Expander) Queue(ids []int64) map[int64]*Pending {
	handles := make(map[int64]*Pending, len(ids))

	e.mu.Lock()
	for _, id := range ids {
		if _, dup := handles[id]; dup {
			continue
		}
		if p, ok := e.pending[id]; ok {
			handles[id] = p
			continue
		}
		if e.store != nil {
			if rev, ok := e.store.Get(id); ok {
				p := newPending()
				p.resolve(rev, nil)
				handles[id] = p
				continue
			}
		}
		p := newPending()
		e.pending[id] = p
		e.queue = append(e.queue, id)
		handles[id] = p
	}
	kick := len(e.queue) > 0 && !e.running
	if kick {
		e.running = true
	}
	e.mu.Unlock()

	if kick {
		go e.run()
	}
	return handles
}

// run is the single worker: it drains the queue in bounded batches until
// empty, then exits. Queue restarts it when new ids arrive.
func (e *Expander) run() {
	for {
		e.mu.Lock()
		if len(e.queue) == 0 {
			e.running = false
			e.mu.Unlock()
			return
		}
		n := min(PerBatch, len(e.queue))
		batch := make([]int64, n)
		copy(batch, e.queue[:n])
		e.queue = e.queue[n:]
		handles := make(map[int64]*Pending, n)
		for _, id := range batch {
			handles[id] = e.pending[id]
		}
		e.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), batchTimeout)
		revs, err := e.Request(ctx, batch)
		cancel()

		e.mu.Lock()
		for _, id := range batch {
			delete(e.pending, id)
		}
		e.mu.Unlock()

		for _, id := range batch {
			p := handles[id]
			if p == nil {
				continue
			}
			if err != nil {
				p.resolve(nil, fmt.Errorf("%w: %v", ErrUpstream, err))
				continue
			}
			p.resolve(revs[id], nil)
		}
		if err != nil {
			e.log.WithError(err).WithField("batch", len(batch)).Warn("revision batch failed")
		}
	}
}

var expandProps = []string{"ids", "timestamp", "flags", "comment", "parsedcomment", "user", "size", "tags"}

// Request is the synchronous batch path: one props pass over ids, then one
// size pass over the collected parent ids. Bad revids become missing
// markers; every requested id is present in the result.
func (e *Expander) Request(ctx context.Context, ids []int64) (map[int64]*types.Revision, error) {
	payload, err := e.source.RevisionProps(ctx, ids, expandProps)
	if err != nil {
		return nil, err
	}

	revs := make(map[int64]*types.Revision, len(ids))
	var parents []int64
	seen := map[int64]bool{}
	for pi := range payload.Pages {
		page := &payload.Pages[pi]
		for ri := range page.Revisions {
			rev := FromAPI(&page.Revisions[ri], page)
			revs[rev.RevID] = rev
			if rev.ParentID != 0 && !seen[rev.ParentID] {
				seen[rev.ParentID] = true
				parents = append(parents, rev.ParentID)
			}
		}
	}
	for _, bad := range payload.BadRevIDs {
		revs[bad.RevID] = types.MissingRevision(bad.RevID)
	}
	for _, id := range ids {
		if _, ok := revs[id]; !ok {
			revs[id] = types.MissingRevision(id)
		}
	}

	sizes, err := e.parentSizes(ctx, parents)
	if err != nil {
		return nil, err
	}
	for _, rev := range revs {
		if rev.Missing {
			continue
		}
		if rev.ParentID == 0 {
			d := rev.Size
			rev.DiffSize = &d
		} else if parentSize, ok := sizes[rev.ParentID]; ok {
			d := rev.Size - parentSize
			rev.DiffSize = &d
		}
		if e.store != nil {
			e.store.Set(rev.RevID, rev)
		}
	}
	return revs, nil
}

func (e *Expander) parentSizes(ctx context.Context, parents []int64) (map[int64]int64, error) {
	sizes := make(map[int64]int64, len(parents))
	for start := 0; start < len(parents); start += PerBatch {
		end := min(start+PerBatch, len(parents))
		payload, err := e.source.RevisionProps(ctx, parents[start:end], []string{"ids", "size"})
		if err != nil {
			return nil, err
		}
		for pi := range payload.Pages {
			for _, rev := range payload.Pages[pi].Revisions {
				sizes[rev.RevID] = rev.Size
			}
		}
	}
	return sizes, nil
}

// FromAPI converts a raw API revision into the served shape. Hidden fields
// stay nil with the corresponding flag set; the revision is complete.
func FromAPI(raw *wikiapi.APIRevision, page *wikiapi.APIPage) *types.Revision {
	rev := &types.Revision{
		RevID:         raw.RevID,
		ParentID:      raw.ParentID,
		Minor:         raw.Minor,
		Size:          raw.Size,
		ParsedComment: raw.ParsedComment,
		Tags:          raw.Tags,
		UserHidden:    raw.UserHidden,
		CommentHidden: raw.CommentHidden,
		TextHidden:    raw.TextHidden,
		Page: &types.Page{
			PageID:    page.PageID,
			Namespace: page.Namespace,
			Title:     page.Title,
		},
	}
	if !raw.UserHidden {
		user := raw.User
		rev.User = &user
	}
	if !raw.CommentHidden {
		comment := raw.Comment
		rev.Comment = &comment
	}
	if raw.Timestamp != "" {
		ts := raw.Timestamp
		rev.Timestamp = &ts
	}
	return rev
}

// StillPending lists the queued or in-flight subset of ids, for the timeout
// diagnostics of synchronous callers.
func (e *Expander) StillPending(ids []int64) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []string
	for _, id := range ids {
		if _, ok := e.pending[id]; ok {
			out = append(out, fmt.Sprintf("%d", id))
		}
	}
	return out
}

// PendingList renders StillPending as a pipe-joined diagnostic string.
func (e *Expander) PendingList(ids []int64) string {
	return strings.Join(e.StillPending(ids), "|")
}
