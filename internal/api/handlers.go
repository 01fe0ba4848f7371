package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/savegress/complycore/internal/deadlines"
	"github.com/savegress/complycore/internal/orchestrator"
	"go.uber.org/zap"
)

// BatchRunner runs batch compliance
type BatchRunner interface {
	RunBatch(ctx context.Context, tenantID string, transactionIDs []string) *orchestrator.BatchResult
}

// DeadlineRunner runs deadline scans
type DeadlineRunner interface {
	CheckTenant(ctx context.Context, tenantID string) (*deadlines.TenantResult, error)
	RunAllTenants(ctx context.Context) *deadlines.RunResult
}

// Handlers contains all HTTP handlers
type Handlers struct {
	batch  BatchRunner
	scans  DeadlineRunner
	logger *zap.SugaredLogger
}

// NewHandlers creates new handlers
func NewHandlers(batch BatchRunner, scans DeadlineRunner, logger *zap.SugaredLogger) *Handlers {
	return &Handlers{batch: batch, scans: scans, logger: logger}
}

// HealthCheck handles health check requests
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "complycore",
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

type batchRequest struct {
	TenantID       string   `json:"tenant_id"`
	TransactionIDs []string `json:"transaction_ids"`
}

// RunBatch runs batch compliance for the posted transactions
func (h *Handlers) RunBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.TenantID == "" || len(req.TransactionIDs) == 0 {
		respondError(w, http.StatusBadRequest, "tenant_id and transaction_ids are required")
		return
	}
	if !tenantAllowed(r.Context(), req.TenantID) {
		respondError(w, http.StatusForbidden, "Token is not valid for this tenant")
		return
	}

	h.logger.Infow("Batch job triggered", "tenant_id", req.TenantID, "transactions", len(req.TransactionIDs), "subject", Subject(r.Context()))
	respond(w, http.StatusOK, h.batch.RunBatch(r.Context(), req.TenantID, req.TransactionIDs))
}

type deadlinesRequest struct {
	TenantID string `json:"tenant_id"`
}

// RunDeadlines scans one tenant, or every active tenant when no tenant is given
func (h *Handlers) RunDeadlines(w http.ResponseWriter, r *http.Request) {
	var req deadlinesRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}

	if req.TenantID == "" {
		if _, scoped := r.Context().Value(tenantKey).(string); scoped {
			respondError(w, http.StatusForbidden, "Tenant-scoped token cannot scan all tenants")
			return
		}
		respond(w, http.StatusOK, h.scans.RunAllTenants(r.Context()))
		return
	}

	if !tenantAllowed(r.Context(), req.TenantID) {
		respondError(w, http.StatusForbidden, "Token is not valid for this tenant")
		return
	}
	res, err := h.scans.CheckTenant(r.Context(), req.TenantID)
	body := map[string]interface{}{"result": res}
	if err != nil {
		body["error"] = err.Error()
	}
	respond(w, http.StatusOK, body)
}

func respond(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respond(w, status, map[string]string{"error": message})
}
