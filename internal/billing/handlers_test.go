package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v81"

	"github.com/mbd888/promptforge/internal/auth"
	"github.com/mbd888/promptforge/internal/user"
)

// checkoutFixture wires the handler with a middleware that fakes an
// authenticated user.
func checkoutFixture(t *testing.T, userID string) (*gin.Engine, user.Store, *fakeGateway) {
	t.Helper()

	users := user.NewMemoryStore()
	gateway := &fakeGateway{
		subs:     map[string]*stripe.Subscription{},
		checkout: "https://checkout.stripe.example/cs_test",
		portal:   "https://portal.stripe.example/ps_test",
	}
	prices := NewPriceMap(PriceConfig{ProPriceID: priceIDPro})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reconciler := NewReconciler(users, prices, NewMemoryEventStore(), gateway, true, logger)
	h := NewHandler(reconciler, gateway, prices, users, "https://app.example.com")

	r := gin.New()
	protected := r.Group("/v1")
	if userID != "" {
		protected.Use(func(c *gin.Context) {
			c.Set(auth.ContextKeyUserID, userID)
			c.Next()
		})
	}
	h.RegisterRoutes(r.Group("/v1"), protected)
	return r, users, gateway
}

func TestCreateCheckout_ReturnsURL(t *testing.T) {
	r, users, _ := checkoutFixture(t, "usr_1")
	_, err := users.Upsert(context.Background(), user.NewUser("usr_1", "alice@example.com"))
	require.NoError(t, err)

	body, _ := json.Marshal(CheckoutRequest{Tier: "pro"})
	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", "/v1/billing/checkout", bytes.NewReader(body))
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "https://checkout.stripe.example/cs_test", resp["url"])

	// A fresh customer was created and stored on the user.
	u, err := users.Get(context.Background(), "usr_1")
	require.NoError(t, err)
	assert.Equal(t, "cus_new", u.StripeCustomerID)
}

func TestCreateCheckout_UnpurchasableTier(t *testing.T) {
	r, users, _ := checkoutFixture(t, "usr_1")
	_, err := users.Upsert(context.Background(), user.NewUser("usr_1", "alice@example.com"))
	require.NoError(t, err)

	for _, tier := range []string{"admin", "lifetime", "free", "bogus"} {
		body, _ := json.Marshal(CheckoutRequest{Tier: tier})
		w := httptest.NewRecorder()
		req, _ := http.NewRequest("POST", "/v1/billing/checkout", bytes.NewReader(body))
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code, "tier %s must not be purchasable", tier)
	}
}

func TestCreateCheckout_Unauthenticated(t *testing.T) {
	r, _, _ := checkoutFixture(t, "")

	body, _ := json.Marshal(CheckoutRequest{Tier: "pro"})
	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", "/v1/billing/checkout", bytes.NewReader(body))
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCreatePortal_RequiresBillingAccount(t *testing.T) {
	r, users, _ := checkoutFixture(t, "usr_1")
	_, err := users.Upsert(context.Background(), user.NewUser("usr_1", "alice@example.com"))
	require.NoError(t, err)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", "/v1/billing/portal", nil)
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code, "portal needs an existing customer")

	require.NoError(t, users.SetCustomer(context.Background(), "usr_1", "cus_1"))

	w = httptest.NewRecorder()
	req, _ = http.NewRequest("POST", "/v1/billing/portal", nil)
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "https://portal.stripe.example/ps_test", resp["url"])
}
