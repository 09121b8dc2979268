// Package types holds the data model shared across dispatch components:
// wiki descriptors, expanded revisions, and the deletion records produced
// by the reconstruction jobs.
package types

import (
	"encoding/json"
	"net/url"
	"strings"
)

// Wiki describes one wiki known to the site registry. Immutable after fetch;
// a registry refresh replaces the whole snapshot rather than mutating entries.
type Wiki struct {
	DBName    string `json:"dbname"`
	URL       string `json:"url"`
	Lang      string `json:"lang,omitempty"`
	Private   bool   `json:"private,omitempty"`
	Closed    bool   `json:"closed,omitempty"`
	Fishbowl  bool   `json:"fishbowl,omitempty"`
	NonGlobal bool   `json:"nonglobal,omitempty"`
}

// Hostname returns the wiki's hostname, or "" if the URL does not parse.
func (w *Wiki) Hostname() string {
	u, err := url.Parse(w.URL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// APIEndpoint returns the wiki's action API endpoint.
func (w *Wiki) APIEndpoint() string {
	return strings.TrimSuffix(w.URL, "/") + "/w/api.php"
}

// Page is the page context attached to an expanded revision.
type Page struct {
	PageID    int64  `json:"pageid"`
	Namespace int    `json:"ns"`
	Title     string `json:"title"`
}

// Visibility is a snapshot of which revision fields are visible, as reported
// by a revision-visibility-change stream event. True means visible.
type Visibility struct {
	Text    bool `json:"text"`
	Comment bool `json:"comment"`
	User    bool `json:"user"`
}

// Revision is an expanded revision as served to clients. A revision is either
// complete or Missing; never partial. User and Comment are nil when the
// corresponding field is hidden. DiffSize is nil when the parent is unknown.
type Revision struct {
	RevID         int64       `json:"revid"`
	Missing       bool        `json:"missing,omitempty"`
	ParentID      int64       `json:"parentid,omitempty"`
	Minor         bool        `json:"minor,omitempty"`
	User          *string     `json:"user"`
	Timestamp     *string     `json:"timestamp"`
	Size          int64       `json:"size"`
	Comment       *string     `json:"comment"`
	ParsedComment string      `json:"parsedcomment,omitempty"`
	Tags          []string    `json:"tags,omitempty"`
	Page          *Page       `json:"page,omitempty"`
	DiffSize      *int64      `json:"diffsize,omitempty"`
	UserHidden    bool        `json:"userhidden,omitempty"`
	CommentHidden bool        `json:"commenthidden,omitempty"`
	TextHidden    bool        `json:"texthidden,omitempty"`
	Visibility    *Visibility `json:"visibility,omitempty"`
}

// MissingRevision builds the missing-marker variant for an unknown revid.
func MissingRevision(id int64) *Revision {
	return &Revision{RevID: id, Missing: true}
}

// DeletionFlags decodes the four-bit revision-deletion bitmask.
type DeletionFlags struct {
	Content    bool `json:"content"`
	Comment    bool `json:"comment"`
	User       bool `json:"user"`
	Restricted bool `json:"restricted"`
}

// DecodeDeletionFlags expands a bitmask into its flag set.
// Bit 0 hides content, bit 1 the edit summary, bit 2 the user,
// and bit 3 marks suppression.
func DecodeDeletionFlags(mask int64) DeletionFlags {
	return DeletionFlags{
		Content:    mask&1 != 0,
		Comment:    mask&2 != 0,
		User:       mask&4 != 0,
		Restricted: mask&8 != 0,
	}
}

// DeletionParams is the decoded log_params payload of a delete/revision
// log entry.
type DeletionParams struct {
	Type string        `json:"type"`
	IDs  []int64       `json:"ids"`
	Old  DeletionFlags `json:"old"`
	New  DeletionFlags `json:"new"`
}

// LogEntry is a deletion log row joined to its actor and comment.
type LogEntry struct {
	LogID     int64          `json:"logid"`
	Timestamp string         `json:"timestamp"`
	Actor     *string        `json:"actor"`
	Comment   *string        `json:"comment"`
	Tags      []string       `json:"tags,omitempty"`
	Params    DeletionParams `json:"params"`
}

// DeletionCause is the `deleted` attribute of a reconstructed revision:
// either bare `true` (suppressed or unknown cause) or the log entry most
// likely responsible, annotated with the batch-position heuristic.
type DeletionCause struct {
	Entry         *LogEntry
	IsLikelyCause bool
}

// MarshalJSON renders `true` when no log entry could be attributed,
// otherwise the entry object with an islikelycause annotation.
func (c DeletionCause) MarshalJSON() ([]byte, error) {
	if c.Entry == nil {
		return []byte("true"), nil
	}
	return json.Marshal(struct {
		*LogEntry
		IsLikelyCause bool `json:"islikelycause"`
	}{c.Entry, c.IsLikelyCause})
}

// DeletedRevision is a revision hidden by revision deletion, annotated with
// its most likely cause.
type DeletedRevision struct {
	Revision
	Deleted DeletionCause `json:"deleted"`
}

// PageDeletionCause is the `deleted` attribute of a deleted page: `true`
// when no log row matched, otherwise the closest log entry with a guessed
// marker for imprecise matches.
type PageDeletionCause struct {
	Entry   *LogEntry
	Guessed bool
}

// MarshalJSON mirrors DeletionCause with a guessed annotation.
func (c PageDeletionCause) MarshalJSON() ([]byte, error) {
	if c.Entry == nil {
		return []byte("true"), nil
	}
	return json.Marshal(struct {
		*LogEntry
		Guessed bool `json:"guessed"`
	}{c.Entry, c.Guessed})
}

// DeletedPage is a page removed by page deletion, reconstructed from the
// archive table. PageID is nil for rows predating stable archive page ids.
type DeletedPage struct {
	PageID    *int64            `json:"pageid"`
	Namespace int               `json:"namespace"`
	Title     string            `json:"title"`
	Created   string            `json:"created"`
	Length    int64             `json:"length"`
	Deleted   PageDeletionCause `json:"deleted"`
}

// MatchAction discriminates talk-page scan events.
type MatchAction string

const (
	MatchAdd    MatchAction = "add"
	MatchRemove MatchAction = "remove"
)

// MatchEvent is emitted by the talk-page scanner whenever a filter's match
// count changes between adjacent revisions.
type MatchEvent struct {
	Revision
	Filter  string      `json:"filter"`
	Action  MatchAction `json:"action"`
	Matches []string    `json:"matches,omitempty"`
}
