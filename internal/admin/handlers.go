package admin

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/promptforge/internal/logging"
	"github.com/mbd888/promptforge/internal/pagination"
	"github.com/mbd888/promptforge/internal/user"
	"github.com/mbd888/promptforge/internal/validation"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// Handler provides admin HTTP endpoints.
type Handler struct {
	users user.Store
}

// NewHandler creates a new admin handler.
func NewHandler(users user.Store) *Handler {
	return &Handler{users: users}
}

// RegisterRoutes sets up admin routes. The group must already enforce
// RequireAdmin.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/admin/users", h.listUsers)
	r.POST("/admin/ban", h.banUser)
	r.POST("/admin/unban", h.unbanUser)
	r.POST("/admin/reset-usage", h.resetUsage)
	r.POST("/admin/update-tier", h.updateTier)
}

// listUsers returns users newest-first with cursor pagination.
func (h *Handler) listUsers(c *gin.Context) {
	limit := defaultListLimit
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= maxListLimit {
			limit = parsed
		}
	}

	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "Cursor is not valid",
		})
		return
	}

	users, err := h.users.List(c.Request.Context(), cursor, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list users",
		})
		return
	}

	page, next, hasMore := pagination.ComputePage(users, limit, func(u *user.User) (time.Time, string) {
		return u.CreatedAt, u.ID
	})

	c.JSON(http.StatusOK, gin.H{
		"users":      page,
		"count":      len(page),
		"nextCursor": next,
		"hasMore":    hasMore,
	})
}

// UserActionRequest targets a single user by ID.
type UserActionRequest struct {
	UserID string `json:"userId"`
}

func (h *Handler) banUser(c *gin.Context) {
	h.setBanned(c, true)
}

func (h *Handler) unbanUser(c *gin.Context) {
	h.setBanned(c, false)
}

func (h *Handler) setBanned(c *gin.Context, banned bool) {
	var req UserActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid JSON body",
		})
		return
	}
	if verrs := validation.Validate(validation.Required("userId", req.UserID)); len(verrs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request data",
			"details": verrs,
		})
		return
	}

	if err := h.users.SetBanned(c.Request.Context(), req.UserID, banned); err != nil {
		h.writeStoreError(c, "update ban state", err)
		return
	}

	admin, _ := ActingAdmin(c)
	logging.FromContext(c.Request.Context()).Info("ban state changed",
		"admin_id", adminID(admin), "user_id", req.UserID, "banned", banned)

	h.respondWithUser(c, req.UserID)
}

func (h *Handler) resetUsage(c *gin.Context) {
	var req UserActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid JSON body",
		})
		return
	}
	if verrs := validation.Validate(validation.Required("userId", req.UserID)); len(verrs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request data",
			"details": verrs,
		})
		return
	}

	// Admin reset grants a fresh 30-day window unconditionally.
	resetAt := time.Now().Add(user.UsageWindow)
	if err := h.users.ResetUsage(c.Request.Context(), req.UserID, resetAt); err != nil {
		h.writeStoreError(c, "reset usage", err)
		return
	}

	admin, _ := ActingAdmin(c)
	logging.FromContext(c.Request.Context()).Info("usage reset",
		"admin_id", adminID(admin), "user_id", req.UserID)

	h.respondWithUser(c, req.UserID)
}

// UpdateTierRequest changes a user's tier.
type UpdateTierRequest struct {
	UserID string `json:"userId"`
	Tier   string `json:"tier"`
}

func (h *Handler) updateTier(c *gin.Context) {
	var req UpdateTierRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid JSON body",
		})
		return
	}

	verrs := validation.Validate(
		validation.Required("userId", req.UserID),
		validation.OneOf("tier", req.Tier,
			string(user.TierFree), string(user.TierPro), string(user.TierEnterprise),
			string(user.TierLifetime), string(user.TierAdmin)),
	)
	if len(verrs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request data",
			"details": verrs,
		})
		return
	}

	admin, _ := ActingAdmin(c)
	tier := user.Tier(req.Tier)

	// An admin may not strip their own admin tier; a second admin has
	// to do it. Promoting another user to admin is fine.
	if admin != nil && admin.ID == req.UserID && tier != user.TierAdmin {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Cannot change your own admin status. Have another admin modify your tier.",
		})
		return
	}

	if err := h.users.UpdateTier(c.Request.Context(), req.UserID, tier); err != nil {
		h.writeStoreError(c, "update tier", err)
		return
	}

	logging.FromContext(c.Request.Context()).Info("tier updated",
		"admin_id", adminID(admin), "user_id", req.UserID, "tier", tier)

	h.respondWithUser(c, req.UserID)
}

func (h *Handler) respondWithUser(c *gin.Context, userID string) {
	u, err := h.users.Get(c.Request.Context(), userID)
	if err != nil {
		h.writeStoreError(c, "load user", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    u,
	})
}

func (h *Handler) writeStoreError(c *gin.Context, op string, err error) {
	if errors.Is(err, user.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "user_not_found",
			"message": "User not found",
		})
		return
	}
	logging.FromContext(c.Request.Context()).Error("admin operation failed", "op", op, "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   "internal_error",
		"message": "Internal server error",
	})
}

func adminID(u *user.User) string {
	if u == nil {
		return ""
	}
	return u.ID
}
