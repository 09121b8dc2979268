package jobs

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/wikimedia-gadgets/dispatch/internal/phpserial"
	"github.com/wikimedia-gadgets/dispatch/internal/replica"
	"github.com/wikimedia-gadgets/dispatch/internal/tasks"
	"github.com/wikimedia-gadgets/dispatch/internal/types"
)

// pageRow is one archive creation row with one candidate log row attached
// by the deletion left-join. The same archive row repeats once per
// candidate; grouping happens in resolvePages.
type pageRow struct {
	PageID    sql.NullInt64
	Namespace int
	Title     string
	Timestamp string
	Len       sql.NullInt64

	LogID        sql.NullInt64
	LogTimestamp sql.NullString
	LogParams    sql.NullString
	LogPage      sql.NullInt64
	LogActor     sql.NullString
	LogComment   sql.NullString
}

// DeletedPages builds the worker reconstructing pages the user created that
// were later deleted. The schema predates stable archive-to-page ids, so
// log attribution joins on (namespace, title) with the log-after-archive
// constraint and resolves ambiguity by timestamp proximity.
func DeletedPages(env *Env, opts UserWikiOptions) tasks.Worker {
	return func(ctx context.Context, t *tasks.Task) (any, error) {
		db, err := env.Replica.Connect(ctx, opts.DBName, replica.Analytics)
		if err != nil {
			return nil, err
		}
		defer db.Close()
		t.SetProgress(0.1)

		rows, err := fetchArchivedPages(ctx, db, opts.User)
		if err != nil {
			return nil, err
		}
		t.SetProgress(0.7)

		prefix := env.titlePrefixer(ctx, opts.Wiki)
		out := resolvePages(rows, prefix)
		t.SetProgress(1)
		return map[string]any{"pages": out}, nil
	}
}

func fetchArchivedPages(ctx context.Context, db *sql.DB, user string) ([]pageRow, error) {
	q := replica.NewQuery("archive_userindex", "ar").
		Select("ar_page_id", "ar_namespace", "ar_title", "ar_timestamp", "ar_len").
		SelectRaw("dlog.log_id", "dlog.log_timestamp", "dlog.log_params", "dlog.log_page").
		SelectRaw("dactor.actor_name", "dcomment.comment_text").
		JoinActor().
		JoinDeletionLog("dlog").
		JoinRaw("LEFT JOIN actor_logging dactor ON dactor.actor_id = dlog.log_actor").
		JoinRaw("LEFT JOIN comment_logging dcomment ON dcomment.comment_id = dlog.log_comment_id").
		Where("actor.actor_name = ?", user).
		Where("(ar.ar_parent_id IS NULL OR ar.ar_parent_id = 0)").
		OrderBy("ar.ar_timestamp DESC")
	stmt, args, err := q.SQL()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("archived page query: %w", err)
	}
	defer rows.Close()

	var out []pageRow
	for rows.Next() {
		var r pageRow
		if err := rows.Scan(&r.PageID, &r.Namespace, &r.Title, &r.Timestamp, &r.Len,
			&r.LogID, &r.LogTimestamp, &r.LogParams, &r.LogPage,
			&r.LogActor, &r.LogComment); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// resolvePages groups the joined rows per archive row and keeps the log
// candidate whose timestamp is closest from above to the archive timestamp.
// Guessed is set when the chosen log names a different page id than the
// archive row, or when no exact id match exists.
func resolvePages(rows []pageRow, prefix prefixer) []types.DeletedPage {
	type key struct {
		ns        int
		title     string
		timestamp string
	}
	type group struct {
		row        pageRow
		candidates []pageRow
	}

	var order []key
	groups := make(map[key]*group)
	for _, r := range rows {
		k := key{r.Namespace, r.Title, r.Timestamp}
		g, ok := groups[k]
		if !ok {
			g = &group{row: r}
			groups[k] = g
			order = append(order, k)
		}
		if r.LogID.Valid {
			g.candidates = append(g.candidates, r)
		}
	}

	out := make([]types.DeletedPage, 0, len(order))
	for _, k := range order {
		g := groups[k]
		page := types.DeletedPage{
			Namespace: g.row.Namespace,
			Title:     prefix(g.row.Namespace, g.row.Title),
			Created:   mwTime(g.row.Timestamp),
			Length:    g.row.Len.Int64,
		}
		if g.row.PageID.Valid {
			id := g.row.PageID.Int64
			page.PageID = &id
		}
		page.Deleted = pickPageCause(g.candidates, g.row.PageID)
		out = append(out, page)
	}
	return out
}

// pickPageCause selects among candidate log rows, preferring an exact page
// id match and otherwise the earliest log after the archive timestamp.
func pickPageCause(candidates []pageRow, pageID sql.NullInt64) types.PageDeletionCause {
	if len(candidates) == 0 {
		return types.PageDeletionCause{}
	}

	best := -1
	exact := false
	for i, c := range candidates {
		matches := pageID.Valid && c.LogPage.Valid && c.LogPage.Int64 == pageID.Int64
		switch {
		case best < 0:
			best, exact = i, matches
		case matches && !exact:
			best, exact = i, true
		case matches == exact && c.LogTimestamp.String < candidates[best].LogTimestamp.String:
			best = i
		}
	}

	chosen := candidates[best]
	entry := &types.LogEntry{
		LogID:     chosen.LogID.Int64,
		Timestamp: mwTime(chosen.LogTimestamp.String),
	}
	if chosen.LogActor.Valid {
		entry.Actor = &chosen.LogActor.String
	}
	if chosen.LogComment.Valid {
		entry.Comment = &chosen.LogComment.String
	}
	if chosen.LogParams.Valid && chosen.LogParams.String != "" {
		if params, err := phpserial.ParseDeletionParams(chosen.LogParams.String); err == nil {
			entry.Params = *params
		}
	}
	return types.PageDeletionCause{Entry: entry, Guessed: !exact}
}
