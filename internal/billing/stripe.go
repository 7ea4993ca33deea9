package billing

import (
	"fmt"

	"github.com/stripe/stripe-go/v81"
	billingportalsession "github.com/stripe/stripe-go/v81/billingportal/session"
	checkoutsession "github.com/stripe/stripe-go/v81/checkout/session"
	"github.com/stripe/stripe-go/v81/customer"
	"github.com/stripe/stripe-go/v81/subscription"
	"github.com/stripe/stripe-go/v81/webhook"
)

// Gateway abstracts the Stripe API surface the billing package needs.
// Tests substitute a fake; production uses the real client.
type Gateway interface {
	// VerifyWebhook verifies the Stripe webhook signature and returns the event.
	VerifyWebhook(payload []byte, signature string) (stripe.Event, error)

	// GetSubscription retrieves a Stripe subscription by ID.
	GetSubscription(subscriptionID string) (*stripe.Subscription, error)

	// CreateCustomer creates a Stripe customer for the given email.
	CreateCustomer(email string) (string, error)

	// CreateCheckoutSession creates a subscription checkout session
	// tagged with the user ID. Returns the checkout URL.
	CreateCheckoutSession(customerID, priceID, userID, successURL, cancelURL string) (string, error)

	// CreatePortalSession creates a customer portal session. Returns the portal URL.
	CreatePortalSession(customerID, returnURL string) (string, error)
}

// stripeGateway is the live Stripe implementation of Gateway.
type stripeGateway struct {
	webhookSecret string
}

// NewStripeGateway configures the global Stripe client and returns a
// Gateway backed by the real API.
func NewStripeGateway(secretKey, webhookSecret string) Gateway {
	stripe.Key = secretKey
	return &stripeGateway{webhookSecret: webhookSecret}
}

func (g *stripeGateway) VerifyWebhook(payload []byte, signature string) (stripe.Event, error) {
	// Tolerate API version drift between the SDK and the webhook
	// endpoint configuration; the fields we read are stable.
	event, err := webhook.ConstructEventWithOptions(payload, signature, g.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return stripe.Event{}, fmt.Errorf("stripe webhook signature verification failed: %w", err)
	}
	return event, nil
}

func (g *stripeGateway) GetSubscription(subscriptionID string) (*stripe.Subscription, error) {
	sub, err := subscription.Get(subscriptionID, nil)
	if err != nil {
		return nil, fmt.Errorf("stripe get subscription: %w", err)
	}
	return sub, nil
}

func (g *stripeGateway) CreateCustomer(email string) (string, error) {
	params := &stripe.CustomerParams{
		Email: stripe.String(email),
	}
	c, err := customer.New(params)
	if err != nil {
		return "", fmt.Errorf("stripe create customer: %w", err)
	}
	return c.ID, nil
}

func (g *stripeGateway) CreateCheckoutSession(customerID, priceID, userID, successURL, cancelURL string) (string, error) {
	params := &stripe.CheckoutSessionParams{
		Customer: stripe.String(customerID),
		Mode:     stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(successURL),
		CancelURL:  stripe.String(cancelURL),
	}
	params.AddMetadata("userId", userID)
	sess, err := checkoutsession.New(params)
	if err != nil {
		return "", fmt.Errorf("stripe create checkout session: %w", err)
	}
	return sess.URL, nil
}

func (g *stripeGateway) CreatePortalSession(customerID, returnURL string) (string, error) {
	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(returnURL),
	}
	sess, err := billingportalsession.New(params)
	if err != nil {
		return "", fmt.Errorf("stripe create portal session: %w", err)
	}
	return sess.URL, nil
}
