package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/thibautrey/multicodex-proxy/internal/service"
)

// ModelsHandler serves the OpenAI-compatible model catalog.
type ModelsHandler struct {
	models *service.ModelsService
}

// NewModelsHandler wires the models handler.
func NewModelsHandler(models *service.ModelsService) *ModelsHandler {
	return &ModelsHandler{models: models}
}

// List handles GET /v1/models.
func (h *ModelsHandler) List(c *gin.Context) {
	models := h.models.List(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{
		"object": "list",
		"data":   models,
	})
}

// Get handles GET /v1/models/:id.
func (h *ModelsHandler) Get(c *gin.Context) {
	id := c.Param("id")
	model, ok := h.models.Get(c.Request.Context(), id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{
			"error": gin.H{
				"type":    "invalid_request_error",
				"message": "The model '" + id + "' does not exist",
			},
		})
		return
	}
	c.JSON(http.StatusOK, model)
}
