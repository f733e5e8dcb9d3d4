package escalation

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/escrowd/internal/pagination"
)

// Handler exposes the escalation queue to review agents.
type Handler struct {
	queue *Queue
}

func NewHandler(queue *Queue) *Handler {
	return &Handler{queue: queue}
}

// RegisterRoutes sets up escalation routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/escalations", h.List)
	r.POST("/escalations/claim", h.ClaimNext)
	r.GET("/escalations/:id", h.Get)
	r.POST("/escalations/:id/claim", h.Claim)
	r.POST("/escalations/:id/complete", h.Complete)
}

// List handles GET /v1/escalations?status=waiting
func (h *Handler) List(c *gin.Context) {
	status := Status(c.Query("status"))
	switch status {
	case "", StatusWaiting, StatusAssigned, StatusDone:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Unknown status filter"})
		return
	}
	entries, err := h.queue.List(c.Request.Context(), status, pagination.Limit(c.Query("limit")))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"count":   len(entries),
	})
}

// Get handles GET /v1/escalations/:id
func (h *Handler) Get(c *gin.Context) {
	e, err := h.queue.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entry": e})
}

// ClaimNext handles POST /v1/escalations/claim
func (h *Handler) ClaimNext(c *gin.Context) {
	e, err := h.queue.Claim(c.Request.Context(), c.GetString("actorId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entry": e})
}

// Claim handles POST /v1/escalations/:id/claim
func (h *Handler) Claim(c *gin.Context) {
	e, err := h.queue.ClaimEntry(c.Request.Context(), c.Param("id"), c.GetString("actorId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entry": e})
}

// Complete handles POST /v1/escalations/:id/complete
func (h *Handler) Complete(c *gin.Context) {
	e, err := h.queue.Complete(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entry": e})
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, ErrQueueEmpty):
		c.JSON(http.StatusNotFound, gin.H{"error": "queue_empty", "message": err.Error()})
	case errors.Is(err, ErrAlreadyAssigned):
		c.JSON(http.StatusConflict, gin.H{"error": "already_assigned", "message": err.Error()})
	case errors.Is(err, ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Escalation operation failed"})
	}
}
