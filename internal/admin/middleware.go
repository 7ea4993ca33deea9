// Package admin provides admin-only endpoints for account management.
package admin

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/promptforge/internal/auth"
	"github.com/mbd888/promptforge/internal/user"
)

// ContextKeyAdmin is the key for storing the acting admin in gin context.
const ContextKeyAdmin = "adminUser"

// RequireAdmin loads the authenticated user and rejects anyone without
// the admin tier. Must run after auth.Middleware.
func RequireAdmin(users user.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := auth.UserID(c)
		if userID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Unauthorized - Please log in",
			})
			return
		}

		u, err := users.Get(c.Request.Context(), userID)
		if err != nil {
			if errors.Is(err, user.ErrNotFound) {
				c.AbortWithStatusJSON(http.StatusNotFound, gin.H{
					"error":   "user_not_found",
					"message": "User not found",
				})
				return
			}
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "Internal server error",
			})
			return
		}

		if u.Tier != user.TierAdmin {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Forbidden - Admin access required",
			})
			return
		}

		c.Set(ContextKeyAdmin, u)
		c.Next()
	}
}

// ActingAdmin returns the admin user loaded by RequireAdmin.
func ActingAdmin(c *gin.Context) (*user.User, bool) {
	v, exists := c.Get(ContextKeyAdmin)
	if !exists {
		return nil, false
	}
	return v.(*user.User), true
}
