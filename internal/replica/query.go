package replica

import (
	"fmt"
	"strings"
)

// Query composes SELECT statements over the revision/archive/logging table
// family with predictable aliasing. It is a plain value type: join verbs
// record SQL fragments and args, SQL() assembles the statement.
//
// The replicas carry no archive-to-log foreign keys; JoinDeletionLog
// intentionally over-matches and leaves disambiguation to post-processing.
type Query struct {
	table  string
	alias  string
	cols   []string
	joins  []string
	conds  []string
	args   []any
	order  []string
	limit  int
	offset int
	tagSeq int
	err    error
}

// NewQuery starts a query over table. alias may be empty, in which case
// columns are selected raw; join verbs that need alias discipline will
// refuse to run without one.
func NewQuery(table, alias string) *Query {
	return &Query{table: table, alias: alias}
}

// columnFamily maps a table (or its userindex/logindex view) to the column
// prefix its fields carry.
func columnFamily(table string) string {
	switch {
	case strings.HasPrefix(table, "revision"):
		return "rev"
	case strings.HasPrefix(table, "archive"):
		return "ar"
	case strings.HasPrefix(table, "logging"):
		return "log"
	case strings.HasPrefix(table, "page"):
		return "page"
	case strings.HasPrefix(table, "actor"):
		return "actor"
	case strings.HasPrefix(table, "comment"):
		return "comment"
	default:
		return ""
	}
}

// family is revision/archive/logging, used to pick the actor_* and
// comment_* userindex views.
func family(table string) string {
	switch {
	case strings.HasPrefix(table, "revision"):
		return "revision"
	case strings.HasPrefix(table, "archive"):
		return "archive"
	case strings.HasPrefix(table, "logging"):
		return "logging"
	default:
		return ""
	}
}

func (q *Query) fail(format string, args ...any) *Query {
	if q.err == nil {
		q.err = fmt.Errorf(format, args...)
	}
	return q
}

// qualify prefixes a column with the query alias when one is set.
func (q *Query) qualify(col string) string {
	if q.alias == "" || strings.Contains(col, ".") || strings.Contains(col, "(") {
		return col
	}
	return q.alias + "." + col
}

// Select adds columns to the selection, alias-qualified when an alias is set.
// Columns already qualified or computed (containing "." or "(") pass as-is.
func (q *Query) Select(cols ...string) *Query {
	for _, c := range cols {
		q.cols = append(q.cols, q.qualify(c))
	}
	return q
}

// SelectRaw adds a selection expression verbatim.
func (q *Query) SelectRaw(exprs ...string) *Query {
	q.cols = append(q.cols, exprs...)
	return q
}

// Where appends a conjunct. The condition is taken verbatim; placeholders
// bind the given args.
func (q *Query) Where(cond string, args ...any) *Query {
	q.conds = append(q.conds, cond)
	q.args = append(q.args, args...)
	return q
}

// OrderBy appends an ordering expression.
func (q *Query) OrderBy(expr string) *Query {
	q.order = append(q.order, expr)
	return q
}

// Limit caps the result set. Zero means no limit.
func (q *Query) Limit(n int) *Query {
	q.limit = n
	return q
}

// Offset skips the first n rows.
func (q *Query) Offset(n int) *Query {
	q.offset = n
	return q
}

// JoinParents self-joins the revision or archive table on the parent id.
// Both copies must be aliased so the two sets of identically named columns
// stay distinguishable; the join fails without an alias pair.
func (q *Query) JoinParents(parentAlias string) *Query {
	if q.alias == "" || parentAlias == "" {
		return q.fail("JoinParents requires an alias pair")
	}
	prefix := columnFamily(q.table)
	if prefix != "rev" && prefix != "ar" {
		return q.fail("JoinParents applies to revision or archive, not %s", q.table)
	}
	q.joins = append(q.joins, fmt.Sprintf(
		"LEFT JOIN %s %s ON %s.%s_id = %s.%s_parent_id",
		q.table, parentAlias, parentAlias, prefix, q.alias, prefix))
	return q
}

// JoinRaw appends a join clause verbatim, for shapes the named verbs do not
// cover (secondary actor/comment lookups on joined tables).
func (q *Query) JoinRaw(clause string) *Query {
	q.joins = append(q.joins, clause)
	return q
}

// JoinActor joins the actor view matching the base table family, following
// the actor-revision naming convention.
func (q *Query) JoinActor() *Query {
	fam := family(q.table)
	if fam == "" {
		return q.fail("JoinActor: no actor view for %s", q.table)
	}
	prefix := columnFamily(q.table)
	q.joins = append(q.joins, fmt.Sprintf(
		"JOIN actor_%s actor ON actor.actor_id = %s",
		fam, q.qualify(prefix+"_actor")))
	return q
}

// JoinComment joins the comment view matching the base table family.
func (q *Query) JoinComment() *Query {
	fam := family(q.table)
	if fam == "" {
		return q.fail("JoinComment: no comment view for %s", q.table)
	}
	prefix := columnFamily(q.table)
	q.joins = append(q.joins, fmt.Sprintf(
		"JOIN comment_%s comment ON comment.comment_id = %s",
		fam, q.qualify(prefix+"_comment_id")))
	return q
}

// JoinPage joins the page row a revision belongs to.
func (q *Query) JoinPage() *Query {
	if columnFamily(q.table) != "rev" {
		return q.fail("JoinPage applies to revision tables, not %s", q.table)
	}
	q.joins = append(q.joins, fmt.Sprintf(
		"JOIN page ON page.page_id = %s", q.qualify("rev_page")))
	return q
}

// JoinDeletionLog left-joins candidate deletion log rows onto archive rows:
// type delete, action starting with delete, log timestamp strictly after the
// archive timestamp, and matching (namespace, title). Multiple candidates
// per archive row are possible; callers disambiguate afterwards.
func (q *Query) JoinDeletionLog(logAlias string) *Query {
	if columnFamily(q.table) != "ar" {
		return q.fail("JoinDeletionLog applies to archive tables, not %s", q.table)
	}
	if logAlias == "" {
		return q.fail("JoinDeletionLog requires a log alias")
	}
	q.joins = append(q.joins, fmt.Sprintf(
		"LEFT JOIN logging_logindex %[1]s ON %[1]s.log_type = 'delete'"+
			" AND %[1]s.log_action LIKE 'delete%%'"+
			" AND %[1]s.log_timestamp > %[2]s"+
			" AND %[1]s.log_namespace = %[3]s"+
			" AND %[1]s.log_title = %[4]s",
		logAlias, q.qualify("ar_timestamp"), q.qualify("ar_namespace"), q.qualify("ar_title")))
	return q
}

// tagJoin appends one change_tag left join for a tag name and returns the
// join's alias for the null-check guard.
func (q *Query) tagJoin(tag string) string {
	prefix := columnFamily(q.table)
	q.tagSeq++
	alias := fmt.Sprintf("ct%d", q.tagSeq)
	q.joins = append(q.joins, fmt.Sprintf(
		"LEFT JOIN change_tag %[1]s ON %[1]s.ct_%[2]s_id = %[3]s"+
			" AND %[1]s.ct_tag_id = (SELECT ctd_id FROM change_tag_def WHERE ctd_name = ?)",
		alias, prefix, q.qualify(prefix+"_id")))
	q.args = append(q.args, tag)
	return alias
}

// HasTag restricts the result to rows carrying every given tag. Each tag is
// its own left join guarded by a not-null check.
func (q *Query) HasTag(tags ...string) *Query {
	prefix := columnFamily(q.table)
	if prefix != "rev" && prefix != "ar" && prefix != "log" {
		return q.fail("HasTag: no change_tag linkage for %s", q.table)
	}
	for _, tag := range tags {
		alias := q.tagJoin(tag)
		q.conds = append(q.conds, alias+".ct_id IS NOT NULL")
	}
	return q
}

// LacksTag restricts the result to rows carrying none of the given tags.
func (q *Query) LacksTag(tags ...string) *Query {
	prefix := columnFamily(q.table)
	if prefix != "rev" && prefix != "ar" && prefix != "log" {
		return q.fail("LacksTag: no change_tag linkage for %s", q.table)
	}
	for _, tag := range tags {
		alias := q.tagJoin(tag)
		q.conds = append(q.conds, alias+".ct_id IS NULL")
	}
	return q
}

// SQL assembles the statement and its bind args.
func (q *Query) SQL() (string, []any, error) {
	if q.err != nil {
		return "", nil, q.err
	}
	if len(q.cols) == 0 {
		return "", nil, fmt.Errorf("query over %s selects no columns", q.table)
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(strings.Join(q.cols, ", "))
	b.WriteString(" FROM ")
	b.WriteString(q.table)
	if q.alias != "" {
		b.WriteString(" ")
		b.WriteString(q.alias)
	}
	for _, j := range q.joins {
		b.WriteString(" ")
		b.WriteString(j)
	}
	if len(q.conds) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(q.conds, " AND "))
	}
	if len(q.order) > 0 {
		b.WriteString(" ORDER BY ")
		b.WriteString(strings.Join(q.order, ", "))
	}
	if q.limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", q.limit)
	}
	if q.offset > 0 {
		fmt.Fprintf(&b, " OFFSET %d", q.offset)
	}
	return b.String(), q.args, nil
}
