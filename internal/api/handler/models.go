package handler

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/kiranshivaraju/inferq/internal/api/response"
	"github.com/kiranshivaraju/inferq/internal/registry"
	"github.com/kiranshivaraju/inferq/pkg/models"
)

// ModelCatalog is the read side of the model registry.
type ModelCatalog interface {
	Get(name string) (models.ModelInfo, error)
	List() []models.ModelSummary
}

type modelListResponse struct {
	Models []models.ModelSummary `json:"models"`
	Count  int                   `json:"count"`
}

// NewListModelsHandler returns an http.HandlerFunc for GET /v1/models.
func NewListModelsHandler(catalog ModelCatalog) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		list := catalog.List()
		if list == nil {
			list = []models.ModelSummary{}
		}
		response.JSON(w, modelListResponse{Models: list, Count: len(list)})
	}
}

// NewGetModelHandler returns an http.HandlerFunc for GET /v1/models/{modelName}.
func NewGetModelHandler(catalog ModelCatalog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "modelName")
		info, err := catalog.Get(name)
		if err != nil {
			if errors.Is(err, registry.ErrModelNotFound) {
				response.Error(w, http.StatusNotFound, "NOT_FOUND", "model "+name+" not found", nil)
				return
			}
			writeError(w, r, err)
			return
		}
		response.JSON(w, info)
	}
}
