package health

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/knowledgecore/retrieval/internal/circuitbreaker"
	"github.com/knowledgecore/retrieval/internal/ingest"
)

// Operator is the breaker surface exposed to operators.
type Operator interface {
	Status() []circuitbreaker.KeyStatus
	ResetCircuit(key string) bool
}

// ReconcileFunc triggers an on-demand reconciliation pass.
type ReconcileFunc func(ctx context.Context) (ingest.Report, error)

// Handler serves probe and operator endpoints.
type Handler struct {
	manager   *Manager
	operator  Operator
	reconcile ReconcileFunc
	logger    *zap.Logger
}

// NewHandler builds the handler. reconcile may be nil when reconciliation
// is not wired (tests).
func NewHandler(manager *Manager, operator Operator, reconcile ReconcileFunc, logger *zap.Logger) *Handler {
	return &Handler{manager: manager, operator: operator, reconcile: reconcile, logger: logger}
}

// RegisterRoutes attaches all endpoints to mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/health/ready", h.handleReady)
	mux.HandleFunc("/health/live", h.handleLive)
	mux.HandleFunc("/admin/circuits", h.handleCircuits)
	mux.HandleFunc("/admin/circuits/reset", h.handleReset)
	mux.HandleFunc("/admin/reconcile", h.handleReconcile)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	overall := h.manager.Check(r.Context())
	code := http.StatusOK
	if !overall.Ready {
		code = http.StatusServiceUnavailable
	}
	h.writeJSON(w, code, overall)
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	ready := h.manager.Ready(r.Context())
	code := http.StatusOK
	status := "ready"
	if !ready {
		code = http.StatusServiceUnavailable
		status = "not ready"
	}
	h.writeJSON(w, code, map[string]interface{}{
		"status":    status,
		"ready":     ready,
		"timestamp": time.Now().Unix(),
	})
}

func (h *Handler) handleLive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "alive",
		"live":      true,
		"timestamp": time.Now().Unix(),
	})
}

func (h *Handler) handleCircuits(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"circuits": h.operator.Status(),
	})
}

func (h *Handler) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	key := r.URL.Query().Get("key")
	if key == "" {
		h.writeError(w, http.StatusBadRequest, "missing key parameter")
		return
	}
	if !h.operator.ResetCircuit(key) {
		h.writeError(w, http.StatusNotFound, "unknown circuit key")
		return
	}
	h.logger.Info("Circuit breaker reset by operator", zap.String("key", key))
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"reset": key})
}

func (h *Handler) handleReconcile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if h.reconcile == nil {
		h.writeError(w, http.StatusNotImplemented, "reconciliation not available")
		return
	}
	report, err := h.reconcile(r.Context())
	if err != nil {
		h.logger.Error("On-demand reconciliation failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"vectors_added":  report.VectorsAdded,
		"vectors_purged": report.VectorsPurged,
		"sparse_added":   report.SparseAdded,
		"sparse_purged":  report.SparsePurged,
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, code int, message string) {
	h.writeJSON(w, code, map[string]interface{}{
		"error":     message,
		"timestamp": time.Now().Unix(),
	})
}

// StartServer serves the handler on its own port and returns the server
// for graceful shutdown.
func StartServer(handler *Handler, port int, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	server := &http.Server{
		Addr:         ":" + strconv.Itoa(port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info("Starting health server", zap.Int("port", port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Health server failed", zap.Error(err))
		}
	}()
	return server
}
