package handler

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"tavren/internal/auth"
	"tavren/internal/budget"
	"tavren/internal/repository/postgres"
	pkgerrors "tavren/pkg/errors"
	"tavren/pkg/logger"
	"tavren/pkg/validator"
)

// AdminHandler serves the operator surface: account suspension, API key
// issuance, audit review.
type AdminHandler struct {
	budgets   *budget.Service
	keys      *auth.APIKeyService
	audit     *postgres.AuditRepository
	validator *validator.Validator
	logger    logger.Logger
}

// NewAdminHandler creates an AdminHandler.
func NewAdminHandler(budgets *budget.Service, keys *auth.APIKeyService, audit *postgres.AuditRepository, val *validator.Validator, log logger.Logger) *AdminHandler {
	return &AdminHandler{
		budgets:   budgets,
		keys:      keys,
		audit:     audit,
		validator: val,
		logger:    log,
	}
}

// SuspendAccount handles POST /api/v1/admin/accounts/{id}/suspend.
func (h *AdminHandler) SuspendAccount(w http.ResponseWriter, r *http.Request) {
	h.setAccountState(w, r, true)
}

// ReinstateAccount handles POST /api/v1/admin/accounts/{id}/reinstate.
func (h *AdminHandler) ReinstateAccount(w http.ResponseWriter, r *http.Request) {
	h.setAccountState(w, r, false)
}

func (h *AdminHandler) setAccountState(w http.ResponseWriter, r *http.Request, suspend bool) {
	accountID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid account ID")
		return
	}

	if suspend {
		err = h.budgets.SuspendByID(r.Context(), accountID)
	} else {
		err = h.budgets.ReinstateByID(r.Context(), accountID)
	}
	if err != nil {
		if pkgerrors.Is(err, pkgerrors.ErrAccountNotFound) {
			respondError(w, http.StatusNotFound, "Account not found")
			return
		}
		h.logger.Error("Account state change failed", map[string]interface{}{
			"error":      err.Error(),
			"account_id": accountID,
		})
		respondError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	action := "reinstated"
	if suspend {
		action = "suspended"
	}
	h.logger.Info("Account state changed", map[string]interface{}{
		"account_id": accountID,
		"action":     action,
	})
	respondJSON(w, http.StatusOK, map[string]string{"status": action})
}

type createAPIKeyRequest struct {
	PrincipalID string `json:"principal_id" validate:"required,uuid"`
	Name        string `json:"name" validate:"required,min=3,max=100"`
}

// CreateAPIKey handles POST /api/v1/admin/apikeys. The raw key is returned
// once and never stored.
func (h *AdminHandler) CreateAPIKey(w http.ResponseWriter, r *http.Request) {
	var req createAPIKeyRequest
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

	principal, err := uuid.Parse(req.PrincipalID)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid principal ID")
		return
	}

	key, rawKey, err := h.keys.CreateKey(r.Context(), principal, req.Name)
	if err != nil {
		h.logger.Error("API key creation failed", map[string]interface{}{"error": err.Error()})
		respondError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	respondJSON(w, http.StatusCreated, map[string]interface{}{
		"id":         key.ID,
		"name":       key.Name,
		"key_prefix": key.KeyPrefix,
		"api_key":    rawKey,
	})
}

// ListAPIKeys handles GET /api/v1/admin/apikeys.
func (h *AdminHandler) ListAPIKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := h.keys.ListKeys(r.Context())
	if err != nil {
		h.logger.Error("API key listing failed", map[string]interface{}{"error": err.Error()})
		respondError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"api_keys": keys})
}

// RevokeAPIKey handles DELETE /api/v1/admin/apikeys/{id}.
func (h *AdminHandler) RevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	keyID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid key ID")
		return
	}

	if err := h.keys.RevokeKey(r.Context(), keyID); err != nil {
		if pkgerrors.Is(err, pkgerrors.ErrAPIKeyNotFound) {
			respondError(w, http.StatusNotFound, "API key not found")
			return
		}
		h.logger.Error("API key revocation failed", map[string]interface{}{"error": err.Error()})
		respondError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

// GetAuditLogs handles GET /api/v1/admin/audit with limit/offset paging and
// optional principal filtering.
func (h *AdminHandler) GetAuditLogs(w http.ResponseWriter, r *http.Request) {
	limit := 50
	offset := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	if v := r.URL.Query().Get("principal_id"); v != "" {
		principal, err := uuid.Parse(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "Invalid principal ID")
			return
		}
		records, err := h.audit.FindByPrincipal(r.Context(), principal, limit, offset)
		if err != nil {
			h.logger.Error("Audit query failed", map[string]interface{}{"error": err.Error()})
			respondError(w, http.StatusInternalServerError, "Internal server error")
			return
		}
		respondJSON(w, http.StatusOK, map[string]interface{}{"records": records})
		return
	}

	records, err := h.audit.FindAll(r.Context(), limit, offset)
	if err != nil {
		h.logger.Error("Audit query failed", map[string]interface{}{"error": err.Error()})
		respondError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	total, err := h.audit.CountAll(r.Context())
	if err != nil {
		total = len(records)
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"records": records,
		"total":   total,
		"limit":   limit,
		"offset":  offset,
	})
}
