package api

import (
	"encoding/json"
	"net/http"

	"mathviz/internal/apperr"
)

// Problem is the wire shape for errors. Kinds come from the taxonomy;
// detail is always the coarsened message, never internals.
type Problem struct {
	Kind   string         `json:"kind"`
	Detail string         `json:"detail,omitempty"`
	Status int            `json:"status"`
	Meta   map[string]any `json:"meta,omitempty"`
}

func writeProblem(w http.ResponseWriter, status int, kind apperr.Kind, detail string, meta map[string]any) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Problem{
		Kind:   string(kind),
		Detail: detail,
		Status: status,
		Meta:   meta,
	})
}

// writeError maps a classified error to its HTTP status.
func writeError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case apperr.KindNotFound:
		status = http.StatusNotFound
	case apperr.KindForbidden:
		status = http.StatusForbidden
	case apperr.KindAuth:
		status = http.StatusUnauthorized
	case apperr.KindInvalidPrompt, apperr.KindSchema:
		status = http.StatusBadRequest
	case apperr.KindBusy:
		status = http.StatusServiceUnavailable
	}
	writeProblem(w, status, kind, apperr.MessageOf(err), nil)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
