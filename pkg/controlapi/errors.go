package controlapi

import (
	"errors"
	"net/http"

	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-pipeline/pkg/container"
	"github.com/polisai/polis-pipeline/pkg/domain"
	"github.com/polisai/polis-pipeline/pkg/engine"
	"github.com/polisai/polis-pipeline/pkg/storage"
)

type errorMapping struct {
	target error
	status int
	code   string
}

var errorMappings = []errorMapping{
	{domain.ErrNodeNotFound, http.StatusNotFound, "NODE_NOT_FOUND"},
	{domain.ErrDuplicatePath, http.StatusConflict, "DUPLICATE_PATH"},
	{domain.ErrInvalidParent, http.StatusConflict, "INVALID_PARENT"},
	{domain.ErrInvalidParams, http.StatusBadRequest, "INVALID_PARAMS"},
	{domain.ErrInvalidPayload, http.StatusBadRequest, "INVALID_PAYLOAD"},
	{engine.ErrNotExec, http.StatusBadRequest, "NOT_EXEC"},
	{engine.ErrInvalidDebugMode, http.StatusBadRequest, "INVALID_DEBUG_MODE"},
	{engine.ErrLiveDebugUnsupported, http.StatusUnprocessableEntity, "LIVE_DEBUG_UNSUPPORTED"},
	{container.ErrImageBuildUnsupported, http.StatusUnprocessableEntity, "IMAGE_BUILD_UNSUPPORTED"},
	{engine.ErrRunning, http.StatusConflict, "PIPELINE_RUNNING"},
	{storage.ErrNotFound, http.StatusNotFound, "DATA_NOT_FOUND"},
	{domain.ErrDataStore, http.StatusBadRequest, "DATA_STORE"},
}

// writeError maps engine and domain errors to HTTP responses.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			writeErrorResponse(w, r, m.status, m.code, err.Error())
			return
		}
	}
	s.logger.Error("control request failed", "path", r.URL.Path, "error", err)
	writeErrorResponse(w, r, http.StatusInternalServerError, "INTERNAL", "internal error")
}

func writeErrorResponse(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	resp := domain.ErrorResponse{Code: code, Message: msg}
	if sc := trace.SpanContextFromContext(r.Context()); sc.HasTraceID() {
		resp.TraceID = sc.TraceID().String()
	}
	writeJSON(w, status, resp)
}
