package jobs

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/wikimedia-gadgets/dispatch/internal/replica"
	"github.com/wikimedia-gadgets/dispatch/internal/tasks"
	"github.com/wikimedia-gadgets/dispatch/internal/types"
)

// largestPageSize is how many ranked edits one job returns; Offset pages
// through the full ranking.
const largestPageSize = 50

// LargestEditsOptions parameterize a largest-edits ranking.
type LargestEditsOptions struct {
	User        string      `json:"user"`
	DBName      string      `json:"wiki"`
	Offset      int         `json:"offset,omitempty"`
	Namespaces  []int       `json:"namespaces,omitempty"`
	WithReverts bool        `json:"withReverts,omitempty"`
	WithoutTags []string    `json:"withoutTags,omitempty"`
	Wiki        *types.Wiki `json:"-"`
}

// UserName reports the submitted user, for request validation.
func (o LargestEditsOptions) UserName() string { return o.User }

// LargestEdits builds the worker ranking a user's edits by diffsize. The
// ranking comes from the replica (revision self-joined to its parent); the
// ranked ids are then expanded through the coalescer so the response matches
// the revision endpoint's shape.
func LargestEdits(env *Env, opts LargestEditsOptions) tasks.Worker {
	return func(ctx context.Context, t *tasks.Task) (any, error) {
		db, err := env.Replica.Connect(ctx, opts.DBName, replica.Analytics)
		if err != nil {
			return nil, err
		}
		defer db.Close()
		t.SetProgress(0.1)

		ids, diffs, err := rankEdits(ctx, db, opts)
		if err != nil {
			return nil, err
		}
		t.SetProgress(0.5)

		exp := env.Expander(opts.Wiki)
		revisions := make([]*types.Revision, 0, len(ids))
		for start := 0; start < len(ids); start += 50 {
			end := min(start+50, len(ids))
			revs, err := exp.Request(ctx, ids[start:end])
			if err != nil {
				return nil, err
			}
			for _, id := range ids[start:end] {
				rev := revs[id]
				if rev == nil {
					rev = types.MissingRevision(id)
				}
				if !rev.Missing && rev.DiffSize == nil {
					d := diffs[id]
					rev.DiffSize = &d
				}
				revisions = append(revisions, rev)
			}
			t.SetProgress(0.5 + 0.5*float64(end)/float64(len(ids)+1))
		}

		t.SetProgress(1)
		return map[string]any{"revisions": revisions}, nil
	}
}

// rankEdits returns the page of revision ids ordered by descending diffsize,
// plus the replica-computed diff for each.
func rankEdits(ctx context.Context, db *sql.DB, opts LargestEditsOptions) ([]int64, map[int64]int64, error) {
	q := replica.NewQuery("revision_userindex", "rev").
		Select("rev_id").
		SelectRaw("(rev.rev_len - COALESCE(parent.rev_len, 0)) AS diffsize").
		JoinParents("parent").
		JoinActor().
		Where("actor.actor_name = ?", opts.User).
		OrderBy("diffsize DESC").
		Limit(largestPageSize).
		Offset(opts.Offset)

	if len(opts.Namespaces) > 0 {
		marks := make([]string, len(opts.Namespaces))
		args := make([]any, len(opts.Namespaces))
		for i, ns := range opts.Namespaces {
			marks[i] = "?"
			args[i] = ns
		}
		q.JoinPage().Where("page.page_namespace IN ("+strings.Join(marks, ",")+")", args...)
	}
	if !opts.WithReverts {
		q.LacksTag("mw-reverted")
	}
	if len(opts.WithoutTags) > 0 {
		q.LacksTag(opts.WithoutTags...)
	}

	stmt, args, err := q.SQL()
	if err != nil {
		return nil, nil, err
	}
	rows, err := db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("largest edits query: %w", err)
	}
	defer rows.Close()

	var ids []int64
	diffs := make(map[int64]int64)
	for rows.Next() {
		var id, diff int64
		if err := rows.Scan(&id, &diff); err != nil {
			return nil, nil, err
		}
		ids = append(ids, id)
		diffs[id] = diff
	}
	return ids, diffs, rows.Err()
}
