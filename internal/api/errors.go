package api

import (
	"encoding/json"
	"net/http"
)

// Error codes served on the wire.
const (
	codeUnsupportedWiki  = "unsupportedwiki"
	codeRevisionsMissing = "revisions-missing"
	codeBadInteger       = "badinteger"
	codeMethodLimited    = "method-limited"
	codeInvalidFilter    = "invalidfilter"
	codeTaskMissing      = "task-missing"
	codeTaskUnfinished   = "task-unfinished"
	codeTaskUncaught     = "task-uncaught-generic"
	codeExpanderTimeout  = "expander-timeout"
	codeGenericError     = "generic-error"
)

const docref = "See https://meta.wikimedia.org/wiki/Special:MyLanguage/Dispatch for API usage."

// wireError is one entry of the error envelope.
type wireError struct {
	Code   string `json:"code"`
	Text   string `json:"text"`
	Module string `json:"module"`
}

// writeError renders the error envelope. The errorformat query parameter
// picks the shape: bc flattens to {code, info}; every other format keeps
// the errors array.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, text string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if r.URL.Query().Get("errorformat") == "bc" {
		_ = json.NewEncoder(w).Encode(map[string]string{
			"code": code,
			"info": text,
		})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"errors": []wireError{{Code: code, Text: text, Module: r.URL.Path}},
		"docref": docref,
	})
}

// writeJSON renders a success payload.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
