package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/wikimedia-gadgets/dispatch/internal/jobs"
	"github.com/wikimedia-gadgets/dispatch/internal/tasks"
	"github.com/wikimedia-gadgets/dispatch/internal/types"
)

// progressPayload is the poll response.
type progressPayload struct {
	ID       string  `json:"id"`
	Progress float64 `json:"progress"`
	Finished bool    `json:"finished"`
}

func payloadFor(t *tasks.Task) progressPayload {
	return progressPayload{ID: t.ID, Progress: t.Progress(), Finished: t.Finished()}
}

// accept submits a worker through the engine's dedup cache: a warm hit
// returns the existing task's progress payload instead of spawning.
func (s *Server) accept(w http.ResponseWriter, r *http.Request, engine *tasks.Engine, fingerprint string, worker tasks.Worker) {
	if t, ok := engine.Dedup(fingerprint); ok {
		w.Header().Set("Location", t.ID+"/progress")
		writeJSON(w, http.StatusAccepted, payloadFor(t))
		return
	}
	// The worker outlives the submission request.
	t := engine.Run(context.WithoutCancel(r.Context()), worker)
	engine.Remember(fingerprint, t)
	w.Header().Set("Location", t.ID+"/progress")
	writeJSON(w, http.StatusAccepted, payloadFor(t))
}

// taskProgress serves GET {id}/progress for one engine. A finished task
// points the client at the sibling result URL.
func (s *Server) taskProgress(engine *tasks.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t := engine.Get(r.PathValue("id"))
		if t == nil {
			writeError(w, r, http.StatusNotFound, codeTaskMissing, "no such task")
			return
		}
		if t.Finished() {
			w.Header().Set("Location", "..")
		}
		writeJSON(w, http.StatusOK, payloadFor(t))
	}
}

// taskResult serves GET {id}: 404 unknown, 409 unfinished, 500 for a worker
// that raised, otherwise the stored result.
func (s *Server) taskResult(engine *tasks.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t := engine.Get(r.PathValue("id"))
		if t == nil {
			writeError(w, r, http.StatusNotFound, codeTaskMissing, "no such task")
			return
		}
		if !t.Finished() {
			writeError(w, r, http.StatusConflict, codeTaskUnfinished, "the task has not finished")
			return
		}
		result, err := t.Result()
		if err != nil {
			writeError(w, r, http.StatusInternalServerError, codeTaskUncaught, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

// resolveJobWiki validates the wiki named in a job submission; submissions
// report unsupported wikis as 400.
func (s *Server) resolveJobWiki(w http.ResponseWriter, r *http.Request, dbname string) *types.Wiki {
	wiki, err := s.resolveWiki(r.Context(), dbname)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, codeGenericError,
			"the site registry is unavailable")
		return nil
	}
	if wiki == nil {
		writeError(w, r, http.StatusBadRequest, codeUnsupportedWiki,
			fmt.Sprintf("%q is not a supported wiki", dbname))
		return nil
	}
	return wiki
}

func (s *Server) handleSubmitDeletedRevisions(w http.ResponseWriter, r *http.Request) {
	var opts jobs.UserWikiOptions
	if !decodeBody(w, r, &opts) {
		return
	}
	if opts.Wiki = s.resolveJobWiki(w, r, opts.DBName); opts.Wiki == nil {
		return
	}
	fp, err := tasks.Fingerprint(opts)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, codeGenericError, err.Error())
		return
	}
	s.accept(w, r, s.deletedRevs, fp, jobs.DeletedRevisions(s.env, opts))
}

func (s *Server) handleSubmitDeletedPages(w http.ResponseWriter, r *http.Request) {
	var opts jobs.UserWikiOptions
	if !decodeBody(w, r, &opts) {
		return
	}
	if opts.Wiki = s.resolveJobWiki(w, r, opts.DBName); opts.Wiki == nil {
		return
	}
	fp, err := tasks.Fingerprint(opts)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, codeGenericError, err.Error())
		return
	}
	s.accept(w, r, s.deletedPages, fp, jobs.DeletedPages(s.env, opts))
}

func (s *Server) handleSubmitLargestEdits(w http.ResponseWriter, r *http.Request) {
	var opts jobs.LargestEditsOptions
	if !decodeBody(w, r, &opts) {
		return
	}
	if opts.Wiki = s.resolveJobWiki(w, r, opts.DBName); opts.Wiki == nil {
		return
	}
	fp, err := tasks.Fingerprint(opts)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, codeGenericError, err.Error())
		return
	}
	s.accept(w, r, s.largest, fp, jobs.LargestEdits(s.env, opts))
}

func (s *Server) handleSubmitSearchTalk(w http.ResponseWriter, r *http.Request) {
	var opts jobs.SearchTalkOptions
	if !decodeBody(w, r, &opts) {
		return
	}
	if opts.Wiki = s.resolveJobWiki(w, r, opts.DBName); opts.Wiki == nil {
		return
	}
	worker, err := jobs.SearchTalk(s.env, opts)
	if err != nil {
		if errors.Is(err, jobs.ErrInvalidFilter) {
			writeError(w, r, http.StatusBadRequest, codeInvalidFilter, err.Error())
			return
		}
		writeError(w, r, http.StatusInternalServerError, codeGenericError, err.Error())
		return
	}
	fp, err := tasks.Fingerprint(opts)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, codeGenericError, err.Error())
		return
	}
	s.accept(w, r, s.talk, fp, worker)
}

// decodeBody reads a JSON body, reporting a generic 400 on malformed input
// or a missing user.
func decodeBody(w http.ResponseWriter, r *http.Request, into any) bool {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		writeError(w, r, http.StatusBadRequest, codeGenericError, "malformed request body")
		return false
	}
	type userCarrier interface{ UserName() string }
	if uc, ok := into.(userCarrier); ok && uc.UserName() == "" {
		writeError(w, r, http.StatusBadRequest, codeGenericError, "user is required")
		return false
	}
	return true
}
