package dispute

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/escrowd/internal/escrow"
	"github.com/mbd888/escrowd/internal/validation"
)

// Handler provides HTTP endpoints for disputes.
type Handler struct {
	engine *Engine
}

// NewHandler creates a new dispute handler.
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// RegisterRoutes sets up dispute routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/disputes", h.Create)
	r.GET("/disputes/:id", h.Get)
	r.GET("/transactions/:id/disputes", h.ListByTransaction)
	r.POST("/disputes/:id/escalate", h.Escalate)
	r.POST("/disputes/:id/withdraw", h.Withdraw)
	r.POST("/disputes/:id/resolve", h.Resolve)
}

// Create handles POST /v1/disputes
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(
		validation.OneOf("disputeType", string(req.Type),
			string(TypeItemNotReceived), string(TypeScam), string(TypeQualityIssue), string(TypeUnauthorizedCharge)),
		validation.MaxLength("reason", req.Reason, 2000),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}
	req.RaisedBy = c.GetString("actorId")

	d, err := h.engine.Create(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"dispute": d})
}

// Get handles GET /v1/disputes/:id
func (h *Handler) Get(c *gin.Context) {
	d, err := h.engine.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// ListByTransaction handles GET /v1/transactions/:id/disputes
func (h *Handler) ListByTransaction(c *gin.Context) {
	list, err := h.engine.ListByTransaction(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"disputes": list,
		"count":    len(list),
	})
}

// Escalate handles POST /v1/disputes/:id/escalate
func (h *Handler) Escalate(c *gin.Context) {
	d, err := h.engine.Escalate(c.Request.Context(), c.Param("id"), c.GetString("actorId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// Withdraw handles POST /v1/disputes/:id/withdraw
func (h *Handler) Withdraw(c *gin.Context) {
	d, err := h.engine.Withdraw(c.Request.Context(), c.Param("id"), c.GetString("actorId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// Resolve handles POST /v1/disputes/:id/resolve
func (h *Handler) Resolve(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	d, err := h.engine.Resolve(c.Request.Context(), c.Param("id"), c.GetString("actorId"), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
	case errors.Is(err, ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": "unauthorized", "message": err.Error()})
	case errors.Is(err, ErrDuplicateOpenDispute):
		c.JSON(http.StatusConflict, gin.H{"error": "duplicate_open_dispute", "message": err.Error()})
	case errors.Is(err, ErrTransactionNotDisputable):
		c.JSON(http.StatusConflict, gin.H{"error": "transaction_not_disputable", "message": err.Error()})
	case errors.Is(err, ErrInvalidState):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_state", "message": err.Error()})
	default:
		status, code := escrow.StatusCode(err)
		if status == http.StatusInternalServerError {
			c.JSON(status, gin.H{"error": code, "message": "Dispute operation failed"})
			return
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
	}
}
