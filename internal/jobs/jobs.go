// Package jobs implements the long-running aggregate jobs dispatch exposes
// through the task engine: deleted-revision and deleted-page reconstruction,
// largest-edit ranking, and talk-page filter scans.
package jobs

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/wikimedia-gadgets/dispatch/internal/expander"
	"github.com/wikimedia-gadgets/dispatch/internal/replica"
	"github.com/wikimedia-gadgets/dispatch/internal/sites"
	"github.com/wikimedia-gadgets/dispatch/internal/title"
	"github.com/wikimedia-gadgets/dispatch/internal/types"
	"github.com/wikimedia-gadgets/dispatch/internal/wikiapi"
)

// Env bundles the shared collaborators job workers draw on. Jobs open their
// own replica connections and release them before terminating; nothing here
// is job-scoped.
type Env struct {
	Sites    *sites.Registry
	Replica  *replica.Pool
	Clients  *wikiapi.ClientPool
	Titles   *title.Normalizer
	Expander func(wiki *types.Wiki) *expander.Expander
	Log      *logrus.Entry
}

// UserWikiOptions identify the subject of a per-user job. The wiki pointer
// is resolved at submission; only the dbname participates in fingerprints.
type UserWikiOptions struct {
	User   string      `json:"user"`
	DBName string      `json:"wiki"`
	Wiki   *types.Wiki `json:"-"`
}

// UserName reports the submitted user, for request validation.
func (o UserWikiOptions) UserName() string { return o.User }

// mwTime converts a MediaWiki binary(14) timestamp ("20230102150405") to
// ISO-8601 UTC. Malformed input is passed through unchanged.
func mwTime(ts string) string {
	if len(ts) != 14 {
		return ts
	}
	return fmt.Sprintf("%s-%s-%sT%s:%s:%sZ",
		ts[0:4], ts[4:6], ts[6:8], ts[8:10], ts[10:12], ts[12:14])
}

// prefixer renders a (namespace, db-form title) pair as a prefixed title.
type prefixer func(ns int, dbTitle string) string

// titlePrefixer returns a prefixer backed by the wiki's titler, falling back
// to the raw main text when namespace metadata cannot be fetched.
func (env *Env) titlePrefixer(ctx context.Context, wiki *types.Wiki) prefixer {
	fallback := func(ns int, dbTitle string) string {
		return strings.ReplaceAll(dbTitle, "_", " ")
	}
	titler, err := env.Titles.ForWiki(ctx, wiki)
	if err != nil {
		env.Log.WithError(err).WithField("wiki", wiki.DBName).
			Warn("no namespace metadata, serving unprefixed titles")
		return fallback
	}
	return func(ns int, dbTitle string) string {
		t, err := titler.MakeTitle(ns, dbTitle)
		if err != nil {
			return fallback(ns, dbTitle)
		}
		return t.PrefixedText
	}
}
