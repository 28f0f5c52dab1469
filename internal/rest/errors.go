package rest

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/pbinitiative/zenrepo/internal/log"
	otelint "github.com/pbinitiative/zenrepo/internal/otel"
	"github.com/pbinitiative/zenrepo/pkg/repository"
	"go.opentelemetry.io/otel/trace"
)

type ApiError struct {
	Type     string `json:"type"`
	Message  string `json:"message"`
	Selector string `json:"selector,omitempty"`
}

var statusByKind = map[repository.ErrorKind]int{
	repository.ErrorKindNotFound:                  http.StatusNotFound,
	repository.ErrorKindNotValid:                  http.StatusBadRequest,
	repository.ErrorKindConflict:                  http.StatusConflict,
	repository.ErrorKindBlockedByRunningInstances: http.StatusConflict,
	repository.ErrorKindDependentOperationFailure: http.StatusUnprocessableEntity,
	repository.ErrorKindSuspendedEntity:           http.StatusConflict,
}

func writeRepositoryError(w http.ResponseWriter, r *http.Request, err error) {
	var re *repository.Error
	if !errors.As(err, &re) {
		log.Errorf(r.Context(), "request %s %s failed: %s", r.Method, r.URL.Path, err)
		writeError(w, r, http.StatusInternalServerError, ApiError{Type: "ERROR", Message: err.Error()})
		return
	}
	trace.SpanFromContext(r.Context()).SetAttributes(otelint.ErrorKindKey.String(string(re.Kind)))
	status, ok := statusByKind[re.Kind]
	if !ok {
		status = http.StatusInternalServerError
	}
	writeError(w, r, status, ApiError{
		Type:     string(re.Kind),
		Message:  err.Error(),
		Selector: re.Selector,
	})
}

func writeBadRequest(w http.ResponseWriter, r *http.Request, err error) {
	writeError(w, r, http.StatusBadRequest, ApiError{Type: "BAD_REQUEST", Message: err.Error()})
}

func writeError(w http.ResponseWriter, r *http.Request, status int, resp interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body, err := json.Marshal(resp)
	if err != nil {
		log.Error("Server error: %s", err)
	} else {
		w.Write(body)
	}
}
