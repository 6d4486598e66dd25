package server

import (
	"context"
	"errors"
	"net/http"
	"slices"

	"github.com/telhawk-systems/projector/common/httputil"
	"github.com/telhawk-systems/projector/common/logging"
	"github.com/telhawk-systems/projector/internal/engine"
	"github.com/telhawk-systems/projector/internal/rebuild"
)

// Supervisor is the engine surface the handlers read.
type Supervisor interface {
	Names() []string
	Status(ctx context.Context) ([]engine.ProjectionStatus, error)
	StatusOf(ctx context.Context, name string) (engine.ProjectionStatus, error)
}

// Rebuilder starts and reports rebuilds.
type Rebuilder interface {
	Start(ctx context.Context, name string) error
	State(name string) rebuild.Status
}

// Check is one readiness dependency, for example a database ping.
type Check func(ctx context.Context) error

// ProjectionView is the health view of a projection.
type ProjectionView struct {
	engine.ProjectionStatus
	Rebuild rebuild.Status `json:"rebuild"`
}

// Handler wires HTTP routes to the engine.
type Handler struct {
	sup     Supervisor
	rebuild Rebuilder
	checks  map[string]Check
	logger  *logging.Logger
}

// NewHandler creates a Handler. checks are run by /readyz.
func NewHandler(sup Supervisor, rb Rebuilder, checks map[string]Check, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{sup: sup, rebuild: rb, checks: checks, logger: logger}
}

// Health handles GET /healthz. It only reports that the process is serving.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready handles GET /readyz.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	results := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if err := check(r.Context()); err != nil {
			h.logger.WithContext(r.Context()).Warn("readiness check failed", "check", name, logging.Error(err))
			results[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		results[name] = "ok"
	}
	httputil.WriteJSON(w, status, map[string]any{"ready": status == http.StatusOK, "checks": results})
}

// Projections handles GET /projections.
func (h *Handler) Projections(w http.ResponseWriter, r *http.Request) {
	all, err := h.sup.Status(r.Context())
	if err != nil {
		h.internalError(w, r, "projection status unavailable", err)
		return
	}
	views := make([]ProjectionView, 0, len(all))
	for _, st := range all {
		views = append(views, h.view(st))
	}
	httputil.WriteJSON(w, http.StatusOK, views)
}

// Projection handles GET /projections/{name}.
func (h *Handler) Projection(w http.ResponseWriter, r *http.Request) {
	st, err := h.sup.StatusOf(r.Context(), r.PathValue("name"))
	if errors.Is(err, engine.ErrUnknownProjection) {
		httputil.WriteRequestError(w, r, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		h.internalError(w, r, "projection status unavailable", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, h.view(st))
}

// Rebuild handles POST /projections/{name}/rebuild. The rebuild runs in the
// background; progress is visible on GET /projections/{name}.
func (h *Handler) Rebuild(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if !slices.Contains(h.sup.Names(), name) {
		httputil.WriteRequestError(w, r, http.StatusNotFound, engine.ErrUnknownProjection.Error()+": "+name)
		return
	}
	err := h.rebuild.Start(r.Context(), name)
	if errors.Is(err, rebuild.ErrInProgress) {
		httputil.WriteRequestError(w, r, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		h.internalError(w, r, "failed to start rebuild", err)
		return
	}
	h.logger.WithContext(r.Context()).Info("rebuild requested", logging.Projection(name))
	httputil.WriteJSON(w, http.StatusAccepted, h.rebuild.State(name))
}

func (h *Handler) view(st engine.ProjectionStatus) ProjectionView {
	return ProjectionView{ProjectionStatus: st, Rebuild: h.rebuild.State(st.Name)}
}

func (h *Handler) internalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.WithContext(r.Context()).Error(msg, logging.Error(err))
	httputil.WriteRequestError(w, r, http.StatusInternalServerError, msg)
}
