package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/7and1/youtube-subtitle-api/internal/transcript"
)

type errorBody struct {
	Kind string `json:"error_kind"`
	Hint string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

// writeKindError maps a taxonomy error onto an HTTP status and the JSON
// error shape.
func writeKindError(w http.ResponseWriter, err error) {
	kind := transcript.KindOf(err)
	writeJSON(w, statusForKind(kind), errorBody{Kind: string(kind), Hint: transcript.HintOf(err)})
}

func writeMessageError(w http.ResponseWriter, status int, kind transcript.ErrorKind, message string) {
	writeJSON(w, status, errorBody{Kind: string(kind), Hint: message})
}

func statusForKind(kind transcript.ErrorKind) int {
	switch kind {
	case transcript.KindInvalidInput:
		return http.StatusBadRequest
	case transcript.KindRateLimited:
		return http.StatusTooManyRequests
	case transcript.KindVideoUnavailable, transcript.KindLanguageUnavailable:
		return http.StatusNotFound
	case transcript.KindSubtitlesDisabled:
		return http.StatusUnprocessableEntity
	case transcript.KindUpstreamBlocked, transcript.KindUpstreamTransient:
		return http.StatusBadGateway
	case transcript.KindDependencyDown, transcript.KindServiceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(r *http.Request, dest interface{}) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}
	defer r.Body.Close()

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}
