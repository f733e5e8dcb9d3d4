package reputation

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/escrowd/internal/pagination"
)

// Handler exposes reputation snapshots over HTTP.
type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up reputation endpoints.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/reputation", h.ListTop)
	r.GET("/reputation/:userId", h.Get)
}

// Get returns a user's snapshot with its derived buffer flags.
func (h *Handler) Get(c *gin.Context) {
	snap, err := h.service.Get(c.Request.Context(), c.Param("userId"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to load reputation"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"reputation":             snap,
		"validDisputeRatio":      snap.ValidDisputeRatio(),
		"fastReleaseEligible":    snap.FastReleaseEligible(),
		"requiresExtendedBuffer": snap.RequiresExtendedBuffer(),
	})
}

// ListTop returns the highest scoring users.
func (h *Handler) ListTop(c *gin.Context) {
	snaps, err := h.service.Top(c.Request.Context(), pagination.Limit(c.Query("limit")))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to list reputation"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"reputation": snaps, "count": len(snaps)})
}
