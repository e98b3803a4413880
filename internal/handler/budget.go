package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"tavren/internal/domain"
	"tavren/internal/middleware"
	pkgerrors "tavren/pkg/errors"
	"tavren/pkg/logger"
)

// BudgetReader exposes the read side of the budget ledger.
type BudgetReader interface {
	Snapshot(ctx context.Context, principal uuid.UUID, datasetKey string) (*domain.BudgetAccount, error)
}

// BudgetHandler serves buyer budget snapshots.
type BudgetHandler struct {
	budgets BudgetReader
	logger  logger.Logger
}

// NewBudgetHandler creates a BudgetHandler.
func NewBudgetHandler(budgets BudgetReader, log logger.Logger) *BudgetHandler {
	return &BudgetHandler{budgets: budgets, logger: log}
}

type budgetResponse struct {
	AccountID   uuid.UUID `json:"account_id"`
	Principal   uuid.UUID `json:"principal_id"`
	DatasetKey  string    `json:"dataset_key"`
	State       string    `json:"state"`
	Allocated   string    `json:"allocated_epsilon"`
	Consumed    string    `json:"consumed_epsilon"`
	Pending     string    `json:"pending_epsilon"`
	Reserve     string    `json:"reserve_epsilon"`
	Remaining   string    `json:"remaining_epsilon"`
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
}

// GetBudget handles GET /api/v1/budgets/{dataset}.
func (h *BudgetHandler) GetBudget(w http.ResponseWriter, r *http.Request) {
	principal, ok := middleware.PrincipalFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	datasetKey := mux.Vars(r)["dataset"]

	account, err := h.budgets.Snapshot(r.Context(), principal, datasetKey)
	if err != nil {
		if pkgerrors.Is(err, pkgerrors.ErrDatasetNotFound) {
			respondError(w, http.StatusNotFound, "Dataset not found")
			return
		}
		h.logger.Error("Budget snapshot failed", map[string]interface{}{
			"error":   err.Error(),
			"dataset": datasetKey,
		})
		respondError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	remaining := account.Remaining()
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}

	respondJSON(w, http.StatusOK, budgetResponse{
		AccountID:   account.ID,
		Principal:   account.Principal,
		DatasetKey:  account.DatasetKey,
		State:       string(account.State),
		Allocated:   account.Allocated.String(),
		Consumed:    account.Consumed.String(),
		Pending:     account.Pending.String(),
		Reserve:     account.Reserve.String(),
		Remaining:   remaining.String(),
		PeriodStart: account.PeriodStart,
		PeriodEnd:   account.PeriodEnd,
	})
}
