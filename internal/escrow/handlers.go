package escrow

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/escrowd/internal/custody"
	"github.com/mbd888/escrowd/internal/pagination"
	"github.com/mbd888/escrowd/internal/validation"
	"github.com/mbd888/escrowd/internal/verification"
)

// Handler provides HTTP endpoints for transactions.
type Handler struct {
	service *Service
}

// NewHandler creates a new transaction handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up transaction routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/transactions", h.CreateTransaction)
	r.GET("/transactions/:id", h.GetTransaction)
	r.GET("/users/:userId/transactions", h.ListTransactions)
	r.POST("/transactions/:id/verify", h.RunVerification)
	r.POST("/transactions/:id/verification-results", h.ApplyVerification)
	r.POST("/transactions/:id/fund", h.Fund)
	r.POST("/transactions/:id/start", h.Start)
	r.POST("/transactions/:id/deliver", h.MarkDelivered)
	r.POST("/transactions/:id/confirm-delivery", h.ConfirmDelivery)
	r.POST("/transactions/:id/cancel", h.Cancel)
	r.POST("/transactions/:id/custody-confirmations", h.ApplyConfirmation)
	r.POST("/transactions/:id/retry-operation", h.RetryOperation)
}

// CreateTransaction handles POST /v1/transactions
func (h *Handler) CreateTransaction(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.Required("buyerId", req.BuyerID),
		validation.Required("sellerId", req.SellerID),
		validation.ValidAmount("amount", req.Amount),
		validation.OneOf("sellerKind", string(req.SellerKind), "", string(SellerIndividual), string(SellerBusiness)),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	if actor(c) != req.BuyerID {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "Caller must be the buyer",
		})
		return
	}

	tx, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"transaction": tx})
}

// GetTransaction handles GET /v1/transactions/:id
func (h *Handler) GetTransaction(c *gin.Context) {
	tx, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

// ListTransactions handles GET /v1/users/:userId/transactions
func (h *Handler) ListTransactions(c *gin.Context) {
	limit := pagination.Limit(c.Query("limit"))
	txs, next, err := h.service.ListByUser(c.Request.Context(), c.Param("userId"), c.Query("cursor"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	resp := gin.H{
		"transactions": txs,
		"count":        len(txs),
	}
	if next != "" {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

// RunVerification handles POST /v1/transactions/:id/verify
func (h *Handler) RunVerification(c *gin.Context) {
	tx, ev, err := h.service.RunVerification(c.Request.Context(), c.Param("id"))
	h.verificationResponse(c, tx, ev, err)
}

// ApplyVerification handles POST /v1/transactions/:id/verification-results
func (h *Handler) ApplyVerification(c *gin.Context) {
	var r verification.Result
	if err := c.ShouldBindJSON(&r); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	r.TransactionID = c.Param("id")
	tx, ev, err := h.service.ApplyVerification(c.Request.Context(), r)
	h.verificationResponse(c, tx, ev, err)
}

func (h *Handler) verificationResponse(c *gin.Context, tx *Transaction, ev verification.Evaluation, err error) {
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"transaction": tx, "evaluation": ev})
	case errors.Is(err, ErrVerificationPending) && tx != nil:
		c.JSON(http.StatusAccepted, gin.H{"transaction": tx, "evaluation": ev})
	case errors.Is(err, ErrVerificationBlocked) && tx != nil:
		c.JSON(http.StatusOK, gin.H{"transaction": tx, "evaluation": ev, "message": err.Error()})
	default:
		writeError(c, err)
	}
}

// Fund handles POST /v1/transactions/:id/fund
func (h *Handler) Fund(c *gin.Context) {
	tx, err := h.service.Fund(c.Request.Context(), c.Param("id"), actor(c))
	settlementResponse(c, tx, err)
}

// Start handles POST /v1/transactions/:id/start
func (h *Handler) Start(c *gin.Context) {
	tx, err := h.service.Start(c.Request.Context(), c.Param("id"), actor(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

// MarkDelivered handles POST /v1/transactions/:id/deliver
func (h *Handler) MarkDelivered(c *gin.Context) {
	tx, err := h.service.MarkDelivered(c.Request.Context(), c.Param("id"), actor(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

// ConfirmDelivery handles POST /v1/transactions/:id/confirm-delivery
func (h *Handler) ConfirmDelivery(c *gin.Context) {
	tx, err := h.service.ConfirmDelivery(c.Request.Context(), DeliveryConfirmation{
		TransactionID: c.Param("id"),
		ConfirmedBy:   actor(c),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

// Cancel handles POST /v1/transactions/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	var req cancelRequest
	_ = c.ShouldBindJSON(&req)
	tx, err := h.service.Cancel(c.Request.Context(), c.Param("id"), actor(c), req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

// ApplyConfirmation handles POST /v1/transactions/:id/custody-confirmations
func (h *Handler) ApplyConfirmation(c *gin.Context) {
	var conf custody.Confirmation
	if err := c.ShouldBindJSON(&conf); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	conf.TransactionID = c.Param("id")
	tx, err := h.service.ApplyConfirmation(c.Request.Context(), conf)
	settlementResponse(c, tx, err)
}

// RetryOperation handles POST /v1/transactions/:id/retry-operation
func (h *Handler) RetryOperation(c *gin.Context) {
	tx, err := h.service.RetryEscrowOperation(c.Request.Context(), c.Param("id"))
	settlementResponse(c, tx, err)
}

// settlementResponse reports pending rail answers as 202 and flagged
// failures with the transaction attached.
func settlementResponse(c *gin.Context, tx *Transaction, err error) {
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"transaction": tx})
	case errors.Is(err, ErrOperationPending) && tx != nil:
		c.JSON(http.StatusAccepted, gin.H{"transaction": tx, "message": err.Error()})
	case errors.Is(err, ErrEscrowOperationFailed) && tx != nil:
		c.JSON(http.StatusBadGateway, gin.H{
			"error":       "escrow_operation_failed",
			"message":     err.Error(),
			"transaction": tx,
		})
	default:
		writeError(c, err)
	}
}

func actor(c *gin.Context) string {
	return c.GetString("actorId")
}

// StatusCode maps a service error to an HTTP status and error code.
func StatusCode(err error) (int, string) {
	var te *TransitionError
	switch {
	case errors.Is(err, ErrTransactionNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ErrUnauthorized):
		return http.StatusForbidden, "unauthorized"
	case errors.Is(err, ErrSanctioned):
		return http.StatusForbidden, "sanctioned"
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request"
	case errors.As(err, &te):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, ErrVerificationPending):
		return http.StatusAccepted, "verification_pending"
	case errors.Is(err, ErrVerificationBlocked):
		return http.StatusConflict, "verification_blocked"
	case errors.Is(err, ErrSettlementInProgress), errors.Is(err, ErrAlreadyDisputed),
		errors.Is(err, ErrDisputeWindowClosed), errors.Is(err, ErrBufferNotElapsed),
		errors.Is(err, ErrNothingToRetry):
		return http.StatusConflict, "invalid_state"
	case errors.Is(err, ErrOperationPending):
		return http.StatusAccepted, "operation_pending"
	case errors.Is(err, ErrEscrowOperationFailed):
		return http.StatusBadGateway, "escrow_operation_failed"
	}
	return http.StatusInternalServerError, "internal_error"
}

func writeError(c *gin.Context, err error) {
	status, code := StatusCode(err)
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
