package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/your-org/regime-allocator/internal/engine"
	"github.com/your-org/regime-allocator/internal/portfolio"
	"github.com/your-org/regime-allocator/internal/regime"
)

// Controller is the query and control surface of a running engine.
// *engine.Runner satisfies it.
type Controller interface {
	State(ctx context.Context) (engine.PortfolioState, error)
	ForceRebalance(ctx context.Context) (portfolio.AllocationSnapshot, error)
	ForceRegime(ctx context.Context, r regime.Regime) error
	ClearFault(ctx context.Context, id string) error
	Shutdown(ctx context.Context) error
}

var _ Controller = (*engine.Runner)(nil)

// PortfolioHandler はポートフォリオ関連のHTTPリクエストを処理します。
type PortfolioHandler struct {
	ctrl   Controller
	logger *zap.Logger
}

// NewPortfolioHandler は新しいPortfolioHandlerを作成します。
func NewPortfolioHandler(ctrl Controller, logger *zap.Logger) *PortfolioHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PortfolioHandler{ctrl: ctrl, logger: logger}
}

// RegisterRoutes はchiルーターにポートフォリオ関連のルートを登録します。
func (h *PortfolioHandler) RegisterRoutes(r chi.Router) {
	r.Route("/portfolio", func(r chi.Router) {
		r.Get("/state", h.GetState)
		r.Post("/rebalance", h.ForceRebalance)
		r.Post("/regime/{label}", h.ForceRegime)
		r.Post("/strategies/{id}/clear-fault", h.ClearFault)
		r.Post("/shutdown", h.Shutdown)
	})
}

// GetState returns the current portfolio state.
func (h *PortfolioHandler) GetState(w http.ResponseWriter, r *http.Request) {
	state, err := h.ctrl.State(r.Context())
	if err != nil {
		h.writeControlError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, state)
}

// ForceRebalance runs the allocator with the gate bypassed.
func (h *PortfolioHandler) ForceRebalance(w http.ResponseWriter, r *http.Request) {
	snap, err := h.ctrl.ForceRebalance(r.Context())
	if err != nil {
		h.writeControlError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, snap)
}

// ForceRegime overrides the classified regime.
func (h *PortfolioHandler) ForceRegime(w http.ResponseWriter, r *http.Request) {
	reg, err := regime.Parse(chi.URLParam(r, "label"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.ctrl.ForceRegime(r.Context(), reg); err != nil {
		h.writeControlError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"regime": reg.Label()})
}

// ClearFault re-admits a force-disabled strategy.
func (h *PortfolioHandler) ClearFault(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.ctrl.ClearFault(r.Context(), id); err != nil {
		h.writeControlError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"cleared": id})
}

// Shutdown stops the engine. It blocks until every strategy is disabled or
// the shutdown timeout elapsed. A client disconnect does not abort it.
func (h *PortfolioHandler) Shutdown(w http.ResponseWriter, r *http.Request) {
	if err := h.ctrl.Shutdown(context.WithoutCancel(r.Context())); err != nil {
		h.writeControlError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": string(engine.StatusStopped)})
}

func (h *PortfolioHandler) writeControlError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, portfolio.ErrNotRunning):
		h.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, portfolio.ErrUnknownStrategy):
		h.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		h.writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		h.logger.Error("Control request failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (h *PortfolioHandler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", zap.Error(err))
	}
}

func (h *PortfolioHandler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
