package api

import (
	"encoding/json"
	"net/http"

	"github.com/tachyon-dl/downloader/internal/downloaderr"
)

// Envelope is the standard response shape every handler writes:
// code==0 means success, data carries the payload; a nonzero code carries
// a human-readable message instead.
type Envelope struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, env Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}

func ok(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, Envelope{Code: 0, Message: "ok", Data: data})
}

// fail writes a non-zero-code envelope with an HTTP status derived from the
// error's classified Kind, so REST clients and the envelope's own code
// agree on the failure without the handler needing to pick a status itself.
func fail(w http.ResponseWriter, err error) {
	kind := downloaderr.Classify(err)
	writeJSON(w, statusForKind(kind), Envelope{Code: 1, Message: err.Error()})
}

func failWithStatus(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, Envelope{Code: 1, Message: message})
}

func statusForKind(k downloaderr.Kind) int {
	switch k {
	case downloaderr.KindAuth:
		return http.StatusUnauthorized
	case downloaderr.KindLinkPoisoned, downloaderr.KindRangeRejected:
		return http.StatusBadGateway
	case downloaderr.KindNotFound:
		return http.StatusNotFound
	case downloaderr.KindRateLimited:
		return http.StatusTooManyRequests
	case downloaderr.KindLocalIO:
		return http.StatusInsufficientStorage
	case downloaderr.KindCancelled:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
