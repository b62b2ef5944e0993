package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fislearning/fischat/internal/service"
)

// ModelsHandler serves the script model catalog.
type ModelsHandler struct {
	catalog *service.ModelCatalog
}

func NewModelsHandler(catalog *service.ModelCatalog) *ModelsHandler {
	return &ModelsHandler{catalog: catalog}
}

// List handles GET /api/v1/models. The first entry is the default.
func (h *ModelsHandler) List(c *gin.Context) {
	c.JSON(http.StatusOK, h.catalog.List())
}
