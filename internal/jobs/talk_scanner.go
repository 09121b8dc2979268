package jobs

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/wikimedia-gadgets/dispatch/internal/expander"
	"github.com/wikimedia-gadgets/dispatch/internal/replica"
	"github.com/wikimedia-gadgets/dispatch/internal/tasks"
	"github.com/wikimedia-gadgets/dispatch/internal/types"
	"github.com/wikimedia-gadgets/dispatch/internal/wikiapi"
)

// userTalkNamespace is the namespace the scanner walks.
const userTalkNamespace = 3

// SearchTalkOptions parameterize a talk-page scan.
type SearchTalkOptions struct {
	User   string          `json:"user"`
	DBName string          `json:"wiki"`
	Filter json.RawMessage `json:"filter"`
	Wiki   *types.Wiki     `json:"-"`
}

// UserName reports the submitted user, for request validation.
func (o SearchTalkOptions) UserName() string { return o.User }

// SearchTalk builds the worker scanning a user's talk page history
// oldest-first, emitting an event whenever a filter's match count changes
// between adjacent revisions. Filter compilation errors surface here, at
// submission, not inside the task.
//
// Events carry the revision that changed the count; which user added or
// removed the matched text is not attributed.
func SearchTalk(env *Env, opts SearchTalkOptions) (tasks.Worker, error) {
	filters, err := CompileFilters(opts.Filter)
	if err != nil {
		return nil, err
	}

	return func(ctx context.Context, t *tasks.Task) (any, error) {
		titler, err := env.Titles.ForWiki(ctx, opts.Wiki)
		if err != nil {
			return nil, err
		}
		talk, err := titler.MakeTitle(userTalkNamespace, opts.User)
		if err != nil {
			return nil, err
		}

		total := env.countPageRevisions(ctx, opts.DBName, talk.MainText)

		client := env.Clients.For(opts.Wiki)
		scan := newTalkScan(filters)
		processed := 0
		err = client.PageRevisions(ctx, talk.PrefixedText, func(page *wikiapi.APIPage) error {
			for ri := range page.Revisions {
				scan.step(&page.Revisions[ri], page)
				processed++
			}
			if total > 0 {
				t.SetProgress(float64(processed) / float64(total))
			}
			return nil
		})
		if err != nil {
			return nil, err
		}

		t.SetProgress(1)
		return map[string]any{"events": scan.events}, nil
	}, nil
}

// countPageRevisions asks the replica how many revisions the page has, for
// progress reporting. Zero disables progress; the scan itself never depends
// on the replica.
func (env *Env) countPageRevisions(ctx context.Context, dbname, mainText string) int {
	db, err := env.Replica.Connect(ctx, dbname, replica.Web)
	if err != nil {
		env.Log.WithError(err).Debug("revision count unavailable, progress disabled")
		return 0
	}
	defer db.Close()

	q := replica.NewQuery("revision", "rev").
		SelectRaw("COUNT(*)").
		JoinPage().
		Where("page.page_namespace = ?", userTalkNamespace).
		Where("page.page_title = ?", strings.ReplaceAll(mainText, " ", "_"))
	stmt, args, err := q.SQL()
	if err != nil {
		return 0
	}
	var n int
	if err := db.QueryRowContext(ctx, stmt, args...).Scan(&n); err != nil {
		return 0
	}
	return n
}

// talkScan carries the walk state: the previous revision's per-filter match
// multiset and the event log built so far.
type talkScan struct {
	filters []Filter
	prev    map[string][]string
	events  []types.MatchEvent
}

func newTalkScan(filters []Filter) *talkScan {
	return &talkScan{
		filters: filters,
		prev:    make(map[string][]string),
	}
}

// step counts matches in one revision and diffs against the previous one.
// Revisions with a null content slot are skipped without perturbing counts.
// Content is dropped as soon as it has been counted.
func (s *talkScan) step(raw *wikiapi.APIRevision, page *wikiapi.APIPage) {
	content := raw.MainContent()
	if content == nil {
		return
	}

	current := make(map[string][]string, len(s.filters))
	for i := range s.filters {
		f := &s.filters[i]
		current[f.Label] = f.Matches(*content)
	}

	var snapshot *types.Revision
	for i := range s.filters {
		label := s.filters[i].Label
		delta := len(current[label]) - len(s.prev[label])
		if delta == 0 {
			continue
		}
		if snapshot == nil {
			snapshot = expander.FromAPI(raw, page)
		}
		action := types.MatchAdd
		if delta < 0 {
			action = types.MatchRemove
			delta = -delta
		}
		for n := 0; n < delta; n++ {
			s.events = append(s.events, types.MatchEvent{
				Revision: *snapshot,
				Filter:   label,
				Action:   action,
				Matches:  current[label],
			})
		}
	}
	s.prev = current
}
