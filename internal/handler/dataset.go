package handler

import (
	"net/http"

	"github.com/gorilla/mux"

	"tavren/internal/dataset"
	pkgerrors "tavren/pkg/errors"
	"tavren/pkg/logger"
)

// DatasetHandler serves dataset metadata for buyers browsing the catalog.
type DatasetHandler struct {
	datasets *dataset.Service
	logger   logger.Logger
}

// NewDatasetHandler creates a DatasetHandler.
func NewDatasetHandler(datasets *dataset.Service, log logger.Logger) *DatasetHandler {
	return &DatasetHandler{datasets: datasets, logger: log}
}

// ListDatasets handles GET /api/v1/datasets.
func (h *DatasetHandler) ListDatasets(w http.ResponseWriter, r *http.Request) {
	infos, err := h.datasets.List(r.Context())
	if err != nil {
		h.logger.Error("Dataset listing failed", map[string]interface{}{"error": err.Error()})
		respondError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{"datasets": infos})
}

// GetDataset handles GET /api/v1/datasets/{key}.
func (h *DatasetHandler) GetDataset(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]

	info, err := h.datasets.Get(r.Context(), key)
	if err != nil {
		if pkgerrors.Is(err, pkgerrors.ErrDatasetNotFound) {
			respondError(w, http.StatusNotFound, "Dataset not found")
			return
		}
		h.logger.Error("Dataset lookup failed", map[string]interface{}{
			"error": err.Error(),
			"key":   key,
		})
		respondError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	respondJSON(w, http.StatusOK, info)
}
