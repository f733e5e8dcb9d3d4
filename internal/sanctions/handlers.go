package sanctions

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler exposes sanctions over HTTP.
type Handler struct {
	engine *Engine
}

func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// RegisterRoutes sets up sanction endpoints.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/users/:userId/sanctions", h.List)
	r.POST("/users/:userId/sanctions", h.Apply)
	r.POST("/sanctions/:id/revoke", h.Revoke)
}

// List handles GET /v1/users/:userId/sanctions
func (h *Handler) List(c *gin.Context) {
	ctx := c.Request.Context()
	userID := c.Param("userId")
	list, err := h.engine.List(ctx, userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to list sanctions"})
		return
	}
	level, err := h.engine.EffectiveLevel(ctx, userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to compute sanction level"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"sanctions":      list,
		"count":          len(list),
		"effectiveLevel": level,
	})
}

// Apply handles POST /v1/users/:userId/sanctions
func (h *Handler) Apply(c *gin.Context) {
	var req ApplyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	req.UserID = c.Param("userId")

	s, err := h.engine.Apply(c.Request.Context(), req, c.GetString("actorId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"sanction": s})
}

// Revoke handles POST /v1/sanctions/:id/revoke
func (h *Handler) Revoke(c *gin.Context) {
	s, err := h.engine.Revoke(c.Request.Context(), c.Param("id"), c.GetString("actorId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sanction": s})
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
	case errors.Is(err, ErrAlreadyRevoked):
		c.JSON(http.StatusConflict, gin.H{"error": "already_revoked", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Sanction operation failed"})
	}
}
