package billing

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/promptforge/internal/auth"
	"github.com/mbd888/promptforge/internal/logging"
	"github.com/mbd888/promptforge/internal/metrics"
	"github.com/mbd888/promptforge/internal/user"
)

// maxWebhookBody caps the webhook payload size. Stripe events are small.
const maxWebhookBody = 64 * 1024

// Handler provides HTTP endpoints for billing.
type Handler struct {
	reconciler *Reconciler
	gateway    Gateway
	prices     *PriceMap
	users      user.Store
	appURL     string
}

func NewHandler(reconciler *Reconciler, gateway Gateway, prices *PriceMap, users user.Store, appURL string) *Handler {
	return &Handler{
		reconciler: reconciler,
		gateway:    gateway,
		prices:     prices,
		users:      users,
		appURL:     appURL,
	}
}

// RegisterRoutes registers billing endpoints. The webhook is public
// because Stripe calls it directly; it authenticates via signature.
func (h *Handler) RegisterRoutes(public, protected *gin.RouterGroup) {
	public.POST("/billing/webhook", h.Webhook)
	protected.POST("/billing/checkout", h.CreateCheckout)
	protected.POST("/billing/portal", h.CreatePortal)
}

// Webhook processes incoming Stripe webhook events.
func (h *Handler) Webhook(c *gin.Context) {
	logger := logging.FromContext(c.Request.Context())

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_payload",
			"message": "Failed to read webhook body",
		})
		return
	}

	event, err := h.gateway.VerifyWebhook(body, c.GetHeader("Stripe-Signature"))
	if err != nil {
		logger.Warn("webhook signature verification failed", "error", err)
		metrics.WebhookEventsTotal.WithLabelValues("unknown", "bad_signature").Inc()
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_signature",
			"message": "Webhook signature verification failed",
		})
		return
	}

	eventType := string(event.Type)
	if err := h.reconciler.HandleEvent(c.Request.Context(), event); err != nil {
		logger.Error("webhook processing failed",
			"event_id", event.ID, "event_type", eventType, "error", err)
		switch {
		case errors.Is(err, ErrMalformed):
			metrics.WebhookEventsTotal.WithLabelValues(eventType, "malformed").Inc()
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_payload",
				"message": "Event payload is malformed",
			})
		case errors.Is(err, user.ErrNotFound):
			metrics.WebhookEventsTotal.WithLabelValues(eventType, "user_not_found").Inc()
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "user_not_found",
				"message": "No user matches this event",
			})
		default:
			// Includes ErrUnknownPrice: a 5xx makes Stripe retry, which
			// is what we want for a misconfigured price table.
			metrics.WebhookEventsTotal.WithLabelValues(eventType, "error").Inc()
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "Failed to process event",
			})
		}
		return
	}

	metrics.WebhookEventsTotal.WithLabelValues(eventType, "ok").Inc()
	c.JSON(http.StatusOK, gin.H{"received": true})
}

// CheckoutRequest is the request body for starting a checkout.
type CheckoutRequest struct {
	Tier string `json:"tier"`
}

// CreateCheckout starts a Stripe checkout session for a paid tier and
// returns the URL to send the user to.
func (h *Handler) CreateCheckout(c *gin.Context) {
	userID := auth.UserID(c)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var req CheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid JSON body",
		})
		return
	}

	priceID, ok := h.prices.PriceForTier(user.Tier(req.Tier))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_tier",
			"message": "Tier is not purchasable",
		})
		return
	}

	u, err := h.users.Get(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "user_not_found",
			"message": "User not found",
		})
		return
	}

	logger := logging.FromContext(c.Request.Context())

	customerID := u.StripeCustomerID
	if customerID == "" {
		customerID, err = h.gateway.CreateCustomer(u.Email)
		if err != nil {
			logger.Error("failed to create stripe customer", "user_id", u.ID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "Failed to create billing customer",
			})
			return
		}
		if err := h.users.SetCustomer(c.Request.Context(), u.ID, customerID); err != nil {
			logger.Error("failed to store stripe customer", "user_id", u.ID, "error", err)
		}
	}

	url, err := h.gateway.CreateCheckoutSession(customerID, priceID, u.ID,
		h.appURL+"/billing/success", h.appURL+"/billing/cancel")
	if err != nil {
		logger.Error("failed to create checkout session", "user_id", u.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to create checkout session",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"url": url})
}

// CreatePortal returns a Stripe customer portal URL for managing an
// existing subscription.
func (h *Handler) CreatePortal(c *gin.Context) {
	userID := auth.UserID(c)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	u, err := h.users.Get(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "user_not_found",
			"message": "User not found",
		})
		return
	}
	if u.StripeCustomerID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "no_billing_account",
			"message": "No billing account; start a checkout first",
		})
		return
	}

	url, err := h.gateway.CreatePortalSession(u.StripeCustomerID, h.appURL+"/account")
	if err != nil {
		logging.FromContext(c.Request.Context()).Error("failed to create portal session",
			"user_id", u.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to create portal session",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"url": url})
}
