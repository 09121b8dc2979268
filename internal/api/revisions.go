package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/wikimedia-gadgets/dispatch/internal/types"
)

// getLimit caps the GET revision endpoint; larger sets must use POST.
const getLimit = 50

// waitBudget is the wall-clock budget for a synchronous expansion.
const waitBudget = 10 * time.Second

// parseRevisionIDs splits a pipe-delimited id list.
func parseRevisionIDs(raw string) ([]int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var ids []int64
	seen := map[int64]bool{}
	for _, part := range strings.Split(raw, "|") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("bad revision id %q", part)
		}
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *Server) handleGetRevisions(w http.ResponseWriter, r *http.Request) {
	ids, err := parseRevisionIDs(r.URL.Query().Get("revisions"))
	if err != nil {
		writeError(w, r, http.StatusUnprocessableEntity, codeBadInteger, err.Error())
		return
	}
	if len(ids) == 0 {
		writeError(w, r, http.StatusUnprocessableEntity, codeRevisionsMissing,
			"the revisions parameter is missing or empty")
		return
	}
	if len(ids) > getLimit {
		writeError(w, r, http.StatusForbidden, codeMethodLimited,
			fmt.Sprintf("GET accepts at most %d revisions; use POST for more", getLimit))
		return
	}
	s.expandRevisions(w, r, ids)
}

// postRevisionsBody accepts a number, an array of numbers, or a
// pipe-delimited string.
type postRevisionsBody struct {
	Revisions json.RawMessage `json:"revisions"`
}

func (s *Server) handlePostRevisions(w http.ResponseWriter, r *http.Request) {
	var body postRevisionsBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || len(body.Revisions) == 0 {
		writeError(w, r, http.StatusUnprocessableEntity, codeRevisionsMissing,
			"the request body carries no revisions")
		return
	}

	ids, err := decodeRevisionsField(body.Revisions)
	if err != nil {
		writeError(w, r, http.StatusUnprocessableEntity, codeBadInteger, err.Error())
		return
	}
	if len(ids) == 0 {
		writeError(w, r, http.StatusUnprocessableEntity, codeRevisionsMissing,
			"the request body carries no revisions")
		return
	}
	s.expandRevisions(w, r, ids)
}

func decodeRevisionsField(raw json.RawMessage) ([]int64, error) {
	var single int64
	if err := json.Unmarshal(raw, &single); err == nil {
		if single <= 0 {
			return nil, fmt.Errorf("bad revision id %d", single)
		}
		return []int64{single}, nil
	}
	var many []int64
	if err := json.Unmarshal(raw, &many); err == nil {
		out := many[:0]
		seen := map[int64]bool{}
		for _, id := range many {
			if id <= 0 {
				return nil, fmt.Errorf("bad revision id %d", id)
			}
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
		return out, nil
	}
	var piped string
	if err := json.Unmarshal(raw, &piped); err == nil {
		return parseRevisionIDs(piped)
	}
	return nil, errors.New("revisions must be a number, an array of numbers, or a pipe-delimited string")
}

// expandRevisions queues the ids on the wiki's expander and waits out the
// synchronous budget.
func (s *Server) expandRevisions(w http.ResponseWriter, r *http.Request, ids []int64) {
	wiki, err := s.resolveWiki(r.Context(), r.PathValue("wiki"))
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, codeGenericError,
			"the site registry is unavailable")
		return
	}
	if wiki == nil {
		writeError(w, r, http.StatusUnprocessableEntity, codeUnsupportedWiki,
			fmt.Sprintf("%q is not a supported wiki", r.PathValue("wiki")))
		return
	}

	exp := s.ExpanderFor(wiki)
	handles := exp.Queue(ids)

	ctx, cancel := context.WithTimeout(r.Context(), waitBudget)
	defer cancel()

	revisions := make(map[string]*types.Revision, len(ids))
	for id, pending := range handles {
		rev, err := pending.Wait(ctx)
		if errors.Is(err, context.DeadlineExceeded) {
			writeError(w, r, http.StatusInternalServerError, codeExpanderTimeout,
				"revision expansion timed out; still pending: "+exp.PendingList(ids))
			return
		}
		if err != nil {
			writeError(w, r, http.StatusInternalServerError, codeGenericError, err.Error())
			return
		}
		revisions[strconv.FormatInt(id, 10)] = rev
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"version":   1,
		"revisions": revisions,
	})
}
