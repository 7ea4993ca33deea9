package optimize

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/promptforge/internal/auth"
	"github.com/mbd888/promptforge/internal/logging"
	"github.com/mbd888/promptforge/internal/metrics"
	"github.com/mbd888/promptforge/internal/ratelimit"
	"github.com/mbd888/promptforge/internal/traces"
	"github.com/mbd888/promptforge/internal/usage"
	"github.com/mbd888/promptforge/internal/user"
	"github.com/mbd888/promptforge/internal/validation"
)

// Handler serves the optimize endpoint and the usage snapshot.
type Handler struct {
	users      user.Store
	usage      *usage.Service
	limiter    ratelimit.Store
	completion Completion

	// Per-user fixed-window limit for optimize requests.
	limit  int
	window time.Duration
}

func NewHandler(users user.Store, usageSvc *usage.Service, limiter ratelimit.Store, completion Completion, limit int, window time.Duration) *Handler {
	return &Handler{
		users:      users,
		usage:      usageSvc,
		limiter:    limiter,
		completion: completion,
		limit:      limit,
		window:     window,
	}
}

// RegisterRoutes registers optimize endpoints; the group must require auth.
func (h *Handler) RegisterRoutes(protected *gin.RouterGroup) {
	protected.POST("/optimize", h.Optimize)
	protected.GET("/usage", h.Usage)
}

// Optimize runs the gated optimization pipeline: account checks, then
// the per-user rate limit, then the monthly quota, then the completion.
// Usage is charged only after a successful completion.
func (h *Handler) Optimize(c *gin.Context) {
	ctx := c.Request.Context()
	logger := logging.FromContext(ctx)

	userID := auth.UserID(c)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "Unauthorized - Please log in",
		})
		return
	}

	ctx, span := traces.StartSpan(ctx, "optimize.Optimize", traces.UserID(userID))
	defer span.End()

	u, err := h.users.Get(ctx, userID)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "Unknown account",
		})
		return
	}
	span.SetAttributes(traces.Tier(string(u.Tier)))

	if u.Banned {
		metrics.OptimizationsTotal.WithLabelValues("banned").Inc()
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "account_banned",
			"message": "Account banned - Please contact support",
		})
		return
	}

	res, err := h.limiter.Check(ctx, "optimize:"+userID, h.window, h.limit)
	if err != nil {
		// A broken limiter backend must not take the endpoint down.
		logger.Warn("optimize rate limit check failed, allowing request",
			"user_id", userID, "error", err)
	} else {
		ratelimit.SetHeaders(c, res)
		if !res.Allowed {
			metrics.RateLimitDenialsTotal.Inc()
			metrics.OptimizationsTotal.WithLabelValues("rate_limited").Inc()
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":     "rate_limit_exceeded",
				"message":   "Rate limit exceeded",
				"limit":     res.Limit,
				"remaining": res.Remaining,
				"reset":     res.ResetAt.UnixMilli(),
			})
			return
		}
	}

	quota, err := h.usage.CheckQuota(ctx, userID)
	if err != nil {
		logger.Error("quota check failed", "user_id", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Internal server error",
		})
		return
	}
	if !quota.Allowed {
		metrics.QuotaDenialsTotal.WithLabelValues(string(u.Tier)).Inc()
		metrics.OptimizationsTotal.WithLabelValues("quota_denied").Inc()
		c.JSON(http.StatusForbidden, gin.H{
			"error":     "usage_limit_reached",
			"message":   "Usage limit reached",
			"limit":     quota.Limit,
			"remaining": quota.Remaining,
			"resetAt":   quota.ResetAt,
			"tier":      u.Tier,
		})
		return
	}

	var req Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid JSON body",
		})
		return
	}
	if verrs := validateRequest(req); len(verrs) > 0 {
		metrics.OptimizationsTotal.WithLabelValues("invalid").Inc()
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request data",
			"details": verrs,
		})
		return
	}

	result, err := h.completion.Optimize(ctx, req)
	if err != nil {
		logger.Error("completion failed", "user_id", userID, "error", err)
		metrics.OptimizationsTotal.WithLabelValues("completion_error").Inc()
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Internal server error",
		})
		return
	}

	// The result is already produced; a bookkeeping failure must not
	// take it away from the user.
	if err := h.usage.Increment(ctx, userID); err != nil {
		metrics.UsageIncrementFailures.Inc()
		logger.Error("failed to increment usage (non-blocking)",
			"user_id", userID, "error", err)
	}

	remaining := quota.Remaining
	if quota.Limit != usage.Unlimited {
		remaining = quota.Remaining - 1
	}

	metrics.OptimizationsTotal.WithLabelValues("ok").Inc()
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    result,
		"usage": gin.H{
			"remaining": remaining,
			"limit":     quota.Limit,
			"resetAt":   quota.ResetAt,
			"tier":      u.Tier,
		},
	})
}

// Usage returns the caller's quota snapshot.
func (h *Handler) Usage(c *gin.Context) {
	userID := auth.UserID(c)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	stats, err := h.usage.Stats(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load usage",
		})
		return
	}

	c.JSON(http.StatusOK, stats)
}

func validateRequest(req Request) validation.ValidationErrors {
	return validation.Validate(
		validation.Required("prompt", req.Prompt),
		validation.MaxLength("prompt", req.Prompt, validation.MaxPromptLength),
	)
}
