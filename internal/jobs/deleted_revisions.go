package jobs

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/wikimedia-gadgets/dispatch/internal/phpserial"
	"github.com/wikimedia-gadgets/dispatch/internal/replica"
	"github.com/wikimedia-gadgets/dispatch/internal/tasks"
	"github.com/wikimedia-gadgets/dispatch/internal/types"
)

// likeChunk bounds the number of OR'd log_params patterns per log query.
const likeChunk = 100

// revRow is one revision-level-deleted revision from the replica.
type revRow struct {
	ID        int64
	ParentID  int64
	Timestamp string
	Minor     bool
	Len       int64
	Deleted   int64
	Comment   sql.NullString
	PageID    int64
	Namespace int
	Title     string
}

// logRow is one candidate deletion log entry.
type logRow struct {
	ID        int64
	Timestamp string
	Params    string
	Actor     sql.NullString
	Comment   sql.NullString
}

// indexedCause is the per-revid attribution built from the log rows.
type indexedCause struct {
	entry    *types.LogEntry
	firstFew map[int64]bool
}

// DeletedRevisions builds the worker reconstructing a user's
// revision-deleted edits, each annotated with the log entry most likely to
// have caused the deletion. The replicas carry no revision-to-log linkage,
// so attribution is best-effort: log_params substring matching plus the
// batch-head heuristic.
func DeletedRevisions(env *Env, opts UserWikiOptions) tasks.Worker {
	return func(ctx context.Context, t *tasks.Task) (any, error) {
		db, err := env.Replica.Connect(ctx, opts.DBName, replica.Analytics)
		if err != nil {
			return nil, err
		}
		defer db.Close()
		t.SetProgress(0.05)

		revs, err := fetchDeletedRevisions(ctx, db, opts.User)
		if err != nil {
			return nil, err
		}
		t.SetProgress(0.4)

		ids := make([]int64, len(revs))
		for i, r := range revs {
			ids[i] = r.ID
		}
		logs, err := fetchDeletionLogs(ctx, db, ids)
		if err != nil {
			return nil, err
		}
		t.SetProgress(0.8)

		index := buildLogIndex(logs)
		prefix := env.titlePrefixer(ctx, opts.Wiki)
		out := make([]types.DeletedRevision, 0, len(revs))
		for _, r := range revs {
			out = append(out, attribute(r, opts.User, index, prefix))
		}
		t.SetProgress(1)
		return map[string]any{"revisions": out}, nil
	}
}

func fetchDeletedRevisions(ctx context.Context, db *sql.DB, user string) ([]revRow, error) {
	q := replica.NewQuery("revision_userindex", "rev").
		Select("rev_id", "rev_parent_id", "rev_timestamp", "rev_minor_edit",
			"rev_len", "rev_deleted", "rev_page").
		SelectRaw("comment.comment_text", "page.page_namespace", "page.page_title").
		JoinActor().
		JoinComment().
		JoinPage().
		Where("actor.actor_name = ?", user).
		Where("rev.rev_deleted > 0").
		OrderBy("rev.rev_timestamp DESC")
	stmt, args, err := q.SQL()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("deleted revision query: %w", err)
	}
	defer rows.Close()

	var out []revRow
	for rows.Next() {
		var r revRow
		var minor int
		if err := rows.Scan(&r.ID, &r.ParentID, &r.Timestamp, &minor, &r.Len,
			&r.Deleted, &r.PageID, &r.Comment, &r.Namespace, &r.Title); err != nil {
			return nil, err
		}
		r.Minor = minor != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// fetchDeletionLogs pulls delete/revision log rows whose params mention any
// candidate revid via the PHP-serialized list idiom "i:<revid>;". Results
// are ordered oldest-first so later entries overwrite earlier ones in the
// attribution index.
func fetchDeletionLogs(ctx context.Context, db *sql.DB, revids []int64) ([]logRow, error) {
	var out []logRow
	for start := 0; start < len(revids); start += likeChunk {
		end := min(start+likeChunk, len(revids))
		chunk := revids[start:end]

		likes := make([]string, len(chunk))
		q := replica.NewQuery("logging_userindex", "log").
			Select("log_id", "log_timestamp", "log_params").
			SelectRaw("actor.actor_name", "comment.comment_text").
			JoinActor().
			JoinComment().
			Where("log.log_type = 'delete'").
			Where("log.log_action = 'revision'").
			OrderBy("log.log_timestamp ASC")
		args := make([]any, len(chunk))
		for i, id := range chunk {
			likes[i] = "log.log_params LIKE ?"
			args[i] = fmt.Sprintf("%%i:%d;%%", id)
		}
		q.Where("("+strings.Join(likes, " OR ")+")", args...)

		stmt, bound, err := q.SQL()
		if err != nil {
			return nil, err
		}
		rows, err := db.QueryContext(ctx, stmt, bound...)
		if err != nil {
			return nil, fmt.Errorf("deletion log query: %w", err)
		}
		for rows.Next() {
			var l logRow
			if err := rows.Scan(&l.ID, &l.Timestamp, &l.Params, &l.Actor, &l.Comment); err != nil {
				rows.Close()
				return nil, err
			}
			out = append(out, l)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out, nil
}

// buildLogIndex maps each revid claimed by a log entry to that entry and the
// entry's first three ids in ascending order. Rows arrive oldest-first, so
// when two entries claim the same revid the later one wins: it is the
// latest, and therefore the correct, cause.
func buildLogIndex(logs []logRow) map[int64]indexedCause {
	index := make(map[int64]indexedCause)
	for _, l := range logs {
		params, err := phpserial.ParseDeletionParams(l.Params)
		if err != nil {
			continue
		}
		entry := &types.LogEntry{
			LogID:     l.ID,
			Timestamp: mwTime(l.Timestamp),
			Params:    *params,
		}
		if l.Actor.Valid {
			entry.Actor = &l.Actor.String
		}
		if l.Comment.Valid {
			entry.Comment = &l.Comment.String
		}

		sorted := append([]int64(nil), params.IDs...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		firstFew := make(map[int64]bool, 3)
		for i := 0; i < len(sorted) && i < 3; i++ {
			firstFew[sorted[i]] = true
		}

		for _, id := range params.IDs {
			index[id] = indexedCause{entry: entry, firstFew: firstFew}
		}
	}
	return index
}

// attribute assembles the served revision for one replica row. Suppressed
// rows, whose causal log entry the replicas scrub, come back with a bare
// deleted marker.
func attribute(r revRow, user string, index map[int64]indexedCause, prefix prefixer) types.DeletedRevision {
	flags := types.DecodeDeletionFlags(r.Deleted)
	ts := mwTime(r.Timestamp)
	rev := types.Revision{
		RevID:         r.ID,
		ParentID:      r.ParentID,
		Minor:         r.Minor,
		Timestamp:     &ts,
		Size:          r.Len,
		UserHidden:    flags.User,
		CommentHidden: flags.Comment,
		TextHidden:    flags.Content,
		Page: &types.Page{
			PageID:    r.PageID,
			Namespace: r.Namespace,
			Title:     prefix(r.Namespace, r.Title),
		},
	}
	if !flags.User {
		u := user
		rev.User = &u
	}
	if !flags.Comment && r.Comment.Valid {
		rev.Comment = &r.Comment.String
	}

	cause := types.DeletionCause{}
	if ic, ok := index[r.ID]; ok {
		cause.Entry = ic.entry
		cause.IsLikelyCause = ic.firstFew[r.ID]
	}
	return types.DeletedRevision{Revision: rev, Deleted: cause}
}
