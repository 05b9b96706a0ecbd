// Package controlapi serves the live control interface of a running
// pipeline over HTTP.
//
// Node paths are carried in the URL after a fixed prefix, so a node named
// /train/eval is addressed as /nodes/train/eval. Actions on a node are the
// last path segment of a POST:
//
//	GET   /healthz                      liveness and pipeline status
//	GET   /pipeline                     every node with its runs
//	GET   /metrics                      container pool metrics (Prometheus)
//	GET   /nodes/{path}                 one node
//	PATCH /nodes/{path}                 modify parameters (domain.ParamsPatch)
//	POST  /nodes/{path}/skip            skip the node
//	POST  /nodes/{path}/unskip          clear the skip flag
//	POST  /nodes/{path}/reset           run the subtree again
//	POST  /nodes/{path}/skip-errors     skip every failed node below
//	POST  /nodes/{path}/children        add a child ({"name": ..., "spec": ...})
//	GET   /debug/{path}?mode=live       reproduction plan for an exec node
//
// The data store is reachable under /data, so commands can exchange
// artifacts through $POLIS_DATA_URL. Scope is "pipeline" or "user":
//
//	GET    /data/{scope}?prefix=p       list keys starting with p
//	GET    /data/{scope}/{key}          read a value; honours a single Range
//	HEAD   /data/{scope}/{key}          size of a value
//	PUT    /data/{scope}/{key}          store the request body
//	DELETE /data/{scope}/{key}          remove a value
package controlapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/polisai/polis-pipeline/pkg/domain"
	"github.com/polisai/polis-pipeline/pkg/engine"
	"github.com/polisai/polis-pipeline/pkg/tree"
)

// maxBodyBytes bounds request bodies; a generated subtree is the largest.
const maxBodyBytes = 4 << 20

// Node actions accepted by POST /nodes/{path}/{action}.
const (
	ActionSkip       = "skip"
	ActionUnskip     = "unskip"
	ActionReset      = "reset"
	ActionSkipErrors = "skip-errors"
	ActionChildren   = "children"
)

// AddChildRequest is the body of POST /nodes/{path}/children.
type AddChildRequest struct {
	Name string         `json:"name"`
	Spec *tree.NodeSpec `json:"spec"`
}

// ActionResponse reports the outcome of a node action.
type ActionResponse struct {
	Action string   `json:"action"`
	Path   string   `json:"path"`
	Status string   `json:"status"`
	Paths  []string `json:"paths,omitempty"`
}

// Server exposes an engine's control methods.
type Server struct {
	engine  *engine.Engine
	logger  *slog.Logger
	metrics *httpMetrics
	router  chi.Router
}

// New creates a server for e. Request metrics are registered with the
// engine's pool registry so that /metrics serves both.
func New(e *engine.Engine, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		engine:  e,
		logger:  logger.With("component", "controlapi"),
		metrics: newHTTPMetrics(e.Pool().Metrics().Registry()),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.metrics.middleware)

	r.Get("/healthz", s.handleHealth)
	r.Get("/pipeline", s.handlePipeline)
	r.Method(http.MethodGet, "/metrics", s.engine.Pool().Metrics().Handler())
	r.Get("/nodes", s.handleNode)
	r.Get("/nodes/*", s.handleNode)
	r.Patch("/nodes/*", s.handleModify)
	r.Post("/nodes/*", s.handleAction)
	r.Get("/debug/*", s.handleDebug)
	r.Route("/data/{scope}", s.dataRoutes)
	return r
}

// Handler returns the traced HTTP handler.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "polis.pipeline.control")
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("control API listening", "address", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":          "ok",
		"pipeline_id":     s.engine.ID(),
		"pipeline_status": string(s.engine.Status()),
	})
}

func (s *Server) handlePipeline(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.View())
}

func (s *Server) handleNode(w http.ResponseWriter, r *http.Request) {
	nv, err := s.engine.Node(nodePath(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nv)
}

func (s *Server) handleModify(w http.ResponseWriter, r *http.Request) {
	var patch domain.ParamsPatch
	if !s.decode(w, r, &patch) {
		return
	}
	path := nodePath(r)
	if err := s.engine.Modify(path, patch); err != nil {
		s.writeError(w, r, err)
		return
	}
	nv, err := s.engine.Node(path)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nv)
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	path, action := splitAction(nodePath(r))
	resp := ActionResponse{Action: action, Path: tree.CleanPath(path)}

	var err error
	switch action {
	case ActionSkip:
		err = s.engine.Skip(r.Context(), path)
	case ActionUnskip:
		err = s.engine.Unskip(path)
	case ActionReset:
		err = s.engine.Reset(r.Context(), path)
	case ActionSkipErrors:
		resp.Paths, err = s.engine.SkipErrors(path)
	case ActionChildren:
		var req AddChildRequest
		if !s.decode(w, r, &req) {
			return
		}
		var added string
		added, err = s.engine.AddChild(path, req.Name, req.Spec)
		resp.Paths = []string{added}
	default:
		writeErrorResponse(w, r, http.StatusNotFound, "UNKNOWN_ACTION", "unknown node action "+action)
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp.Status = string(s.engine.Status())
	s.logger.Info("control action", "action", action, "node_path", resp.Path)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDebug(w http.ResponseWriter, r *http.Request) {
	mode, err := engine.ParseDebugMode(r.URL.Query().Get("mode"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	plan, err := s.engine.Debug(nodePath(r), mode)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeErrorResponse(w, r, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return false
	}
	return true
}

// nodePath returns the node path carried by the route wildcard.
func nodePath(r *http.Request) string {
	return "/" + strings.Trim(chi.URLParam(r, "*"), "/")
}

// splitAction separates the trailing action segment from a node path.
func splitAction(p string) (string, string) {
	p = strings.TrimRight(p, "/")
	i := strings.LastIndex(p, "/")
	if i < 0 {
		return "/", p
	}
	return p[:i], p[i+1:]
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
