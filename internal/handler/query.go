// Package handler provides HTTP handlers for the Tavren query service.
package handler

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"tavren/internal/domain"
	"tavren/internal/middleware"
	"tavren/internal/query"
	pkgerrors "tavren/pkg/errors"
	"tavren/pkg/logger"
	"tavren/pkg/validator"
)

// QueryHandler serves buyer query submission.
type QueryHandler struct {
	processor *query.Processor
	budgets   BudgetReader
	validator *validator.Validator
	logger    logger.Logger
}

// NewQueryHandler creates a QueryHandler.
func NewQueryHandler(processor *query.Processor, budgets BudgetReader, val *validator.Validator, log logger.Logger) *QueryHandler {
	return &QueryHandler{
		processor: processor,
		budgets:   budgets,
		validator: val,
		logger:    log,
	}
}

// queryRequest is the wire form of a buyer query. Bounds and edges are only
// meaningful for the statistics that use them.
type queryRequest struct {
	QueryID    string          `json:"query_id,omitempty" validate:"omitempty,uuid"`
	DatasetKey string          `json:"dataset_key" validate:"required,dataset_key"`
	Statistic  string          `json:"statistic" validate:"required,statistic_kind"`
	Bounds     *domain.Bounds  `json:"bounds,omitempty"`
	Edges      []float64       `json:"edges,omitempty"`
	Filters    []domain.Filter `json:"filters,omitempty"`
	Epsilon    float64         `json:"epsilon" validate:"omitempty,gt=0"`
	Delta      float64         `json:"delta" validate:"omitempty,gte=0,lt=1"`
	UseReserve bool            `json:"use_reserve"`
}

// rejection is the structured body returned for every 4xx query outcome.
type rejection struct {
	Reason          string   `json:"reason"`
	Message         string   `json:"message"`
	BudgetRemaining *float64 `json:"budget_remaining,omitempty"`
	RetryAfter      *int64   `json:"retry_after,omitempty"`
}

// SubmitQuery handles POST /api/v1/queries.
func (h *QueryHandler) SubmitQuery(w http.ResponseWriter, r *http.Request) {
	principal, ok := middleware.PrincipalFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var req queryRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		if err == io.EOF {
			respondError(w, http.StatusBadRequest, "Request body is required")
			return
		}
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := h.validator.Validate(&req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	q, err := h.toQuery(principal, &req)
	if err != nil {
		h.respondRejection(w, r, q, err)
		return
	}

	result, err := h.processor.Execute(r.Context(), q)
	if err != nil {
		h.respondRejection(w, r, q, err)
		return
	}

	respondJSON(w, http.StatusOK, result)
}

// toQuery assembles the domain query, decoding the statistic variant.
func (h *QueryHandler) toQuery(principal uuid.UUID, req *queryRequest) (*domain.Query, error) {
	q := &domain.Query{
		Principal:  principal,
		DatasetKey: req.DatasetKey,
		Filters:    req.Filters,
		Epsilon:    req.Epsilon,
		Delta:      req.Delta,
		UseReserve: req.UseReserve,
	}

	if req.QueryID != "" {
		id, err := uuid.Parse(req.QueryID)
		if err != nil {
			return q, pkgerrors.Wrap(pkgerrors.ErrInvalidQuery, "query_id must be a UUID")
		}
		q.ID = id
	}

	switch domain.StatisticKind(req.Statistic) {
	case domain.StatisticCount:
		q.Statistic = domain.CountStatistic{}
	case domain.StatisticSum:
		if req.Bounds == nil {
			return q, pkgerrors.Wrap(pkgerrors.ErrInvalidBounds, "sum requires bounds")
		}
		q.Statistic = domain.SumStatistic{Bounds: *req.Bounds}
	case domain.StatisticMean:
		if req.Bounds == nil {
			return q, pkgerrors.Wrap(pkgerrors.ErrInvalidBounds, "mean requires bounds")
		}
		q.Statistic = domain.MeanStatistic{Bounds: *req.Bounds}
	case domain.StatisticHistogram:
		if req.Bounds == nil {
			return q, pkgerrors.Wrap(pkgerrors.ErrInvalidBounds, "histogram requires bounds")
		}
		q.Statistic = domain.HistogramStatistic{Bounds: *req.Bounds, Edges: req.Edges}
	default:
		return q, pkgerrors.Wrap(pkgerrors.ErrUnknownStatistic, req.Statistic)
	}

	return q, nil
}

// respondRejection maps the processor's error taxonomy onto HTTP statuses
// with a structured machine-readable body.
func (h *QueryHandler) respondRejection(w http.ResponseWriter, r *http.Request, q *domain.Query, err error) {
	rej := rejection{Message: err.Error()}
	status := http.StatusInternalServerError
	rej.Reason = "internal_error"

	switch {
	// ErrInvalidPrivacyParameter is deliberately absent: user-supplied
	// epsilon/delta are validated up front, so by the time the noise layer
	// raises it the service's own configuration is at fault. It falls
	// through to the 500 path with the other internal failures.
	case pkgerrors.Is(err, pkgerrors.ErrInvalidQuery),
		pkgerrors.Is(err, pkgerrors.ErrInvalidBounds),
		pkgerrors.Is(err, pkgerrors.ErrUnknownStatistic):
		status, rej.Reason = http.StatusBadRequest, "invalid_query"
	case pkgerrors.Is(err, pkgerrors.ErrExcessivePrecision):
		status, rej.Reason = http.StatusBadRequest, "excessive_precision"
	case pkgerrors.Is(err, pkgerrors.ErrDatasetNotFound):
		status, rej.Reason = http.StatusNotFound, "dataset_not_found"
	case pkgerrors.Is(err, pkgerrors.ErrInsufficientData):
		status, rej.Reason = http.StatusUnprocessableEntity, "insufficient_data"
	case pkgerrors.Is(err, pkgerrors.ErrAccountSuspended):
		status, rej.Reason = http.StatusForbidden, "account_suspended"
	case pkgerrors.Is(err, pkgerrors.ErrBudgetExhausted):
		status, rej.Reason = http.StatusTooManyRequests, "budget_exhausted"
		h.attachBudgetHints(r, q, &rej)
		if rej.RetryAfter != nil {
			w.Header().Set("Retry-After", strconv.FormatInt(*rej.RetryAfter, 10))
		}
	}

	if status == http.StatusInternalServerError {
		h.logger.Error("Query execution failed", map[string]interface{}{
			"error":   err.Error(),
			"dataset": q.DatasetKey,
		})
		rej.Message = "Internal server error"
	}

	respondJSON(w, status, rej)
}

// attachBudgetHints annotates an exhaustion rejection with the remaining
// balance and the seconds until the next period reset.
func (h *QueryHandler) attachBudgetHints(r *http.Request, q *domain.Query, rej *rejection) {
	account, err := h.budgets.Snapshot(r.Context(), q.Principal, q.DatasetKey)
	if err != nil {
		return
	}
	remaining, _ := account.Remaining().Float64()
	if remaining < 0 {
		remaining = 0
	}
	retryAfter := int64(time.Until(account.PeriodEnd).Seconds())
	if retryAfter < 0 {
		retryAfter = 0
	}
	rej.BudgetRemaining = &remaining
	rej.RetryAfter = &retryAfter
}
