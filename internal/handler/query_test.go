package handler

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tavren/internal/domain"
	pkgerrors "tavren/pkg/errors"
	"tavren/pkg/logger"
)

type stubBudgetReader struct{}

func (stubBudgetReader) Snapshot(context.Context, uuid.UUID, string) (*domain.BudgetAccount, error) {
	return nil, pkgerrors.ErrAccountNotFound
}

func TestRespondRejection_StatusMapping(t *testing.T) {
	h := &QueryHandler{
		budgets: stubBudgetReader{},
		logger:  logger.NewNop(),
	}
	q := &domain.Query{Principal: uuid.New(), DatasetKey: "retail-visits"}

	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantReason string
	}{
		{"invalid bounds", pkgerrors.ErrInvalidBounds, 400, "invalid_query"},
		{"excessive precision", pkgerrors.ErrExcessivePrecision, 400, "excessive_precision"},
		{"dataset missing", pkgerrors.ErrDatasetNotFound, 404, "dataset_not_found"},
		{"suspended", pkgerrors.ErrAccountSuspended, 403, "account_suspended"},
		{"privacy parameter misconfigured", pkgerrors.ErrInvalidPrivacyParameter, 500, "internal_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest("POST", "/api/v1/queries", nil)

			h.respondRejection(rec, req, q, tt.err)

			assert.Equal(t, tt.wantStatus, rec.Code)
			var rej rejection
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rej))
			assert.Equal(t, tt.wantReason, rej.Reason)
		})
	}
}

// An invalid privacy parameter means the service's own noise configuration
// is broken, not the caller's request. The body must not leak the detail.
func TestRespondRejection_PrivacyParameterHidesDetail(t *testing.T) {
	h := &QueryHandler{
		budgets: stubBudgetReader{},
		logger:  logger.NewNop(),
	}
	q := &domain.Query{Principal: uuid.New(), DatasetKey: "retail-visits"}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/v1/queries", nil)

	h.respondRejection(rec, req, q, pkgerrors.Wrap(pkgerrors.ErrInvalidPrivacyParameter, "epsilon 0 for laplace scale"))

	assert.Equal(t, 500, rec.Code)
	var rej rejection
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rej))
	assert.Equal(t, "internal_error", rej.Reason)
	assert.Equal(t, "Internal server error", rej.Message)
	assert.NotContains(t, rec.Body.String(), "laplace")
}
