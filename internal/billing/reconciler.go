package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/stripe/stripe-go/v81"

	"github.com/mbd888/promptforge/internal/metrics"
	"github.com/mbd888/promptforge/internal/traces"
	"github.com/mbd888/promptforge/internal/user"
)

// SubscriptionResolver fetches subscription details from Stripe.
// Gateway satisfies it; tests use a fake.
type SubscriptionResolver interface {
	GetSubscription(subscriptionID string) (*stripe.Subscription, error)
}

// Reconciler applies verified Stripe events to the user store.
type Reconciler struct {
	users  user.Store
	prices *PriceMap
	events EventStore
	subs   SubscriptionResolver

	// protectManual shields lifetime and admin tiers from
	// billing-driven tier changes.
	protectManual bool

	logger *slog.Logger
}

func NewReconciler(users user.Store, prices *PriceMap, events EventStore, subs SubscriptionResolver, protectManual bool, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		users:         users,
		prices:        prices,
		events:        events,
		subs:          subs,
		protectManual: protectManual,
		logger:        logger,
	}
}

// HandleEvent routes a verified event to its handler. Events with IDs
// already recorded are acknowledged without reapplying; unrecognized
// event types are acknowledged and ignored.
func (r *Reconciler) HandleEvent(ctx context.Context, event stripe.Event) error {
	eventType := string(event.Type)
	ctx, span := traces.StartSpan(ctx, "billing.HandleEvent",
		traces.EventType(eventType), traces.EventID(event.ID))
	defer span.End()

	seen, err := r.events.Seen(ctx, event.ID)
	if err != nil {
		return fmt.Errorf("check event %s: %w", event.ID, err)
	}
	if seen {
		r.logger.Info("skipping replayed webhook event",
			"event_id", event.ID, "event_type", eventType)
		return nil
	}

	switch event.Type {
	case "checkout.session.completed":
		err = r.handleCheckoutCompleted(ctx, event)
	case "customer.subscription.updated":
		err = r.handleSubscriptionUpdated(ctx, event)
	case "customer.subscription.deleted":
		err = r.handleSubscriptionDeleted(ctx, event)
	default:
		r.logger.Debug("ignoring webhook event type", "event_type", eventType)
		return nil
	}
	if err != nil {
		return err
	}

	// Record only after a successful apply so failures stay retryable.
	if _, err := r.events.MarkProcessed(ctx, event.ID, eventType); err != nil {
		r.logger.Error("failed to record processed event",
			"event_id", event.ID, "error", err)
	}
	return nil
}

// handleCheckoutCompleted activates the purchased tier for the user
// named in the checkout session metadata and links the Stripe customer
// and subscription to the account.
func (r *Reconciler) handleCheckoutCompleted(ctx context.Context, event stripe.Event) error {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return fmt.Errorf("%w: parse checkout session: %v", ErrMalformed, err)
	}

	userID := session.Metadata["userId"]
	if userID == "" {
		userID = session.ClientReferenceID
	}
	if userID == "" {
		return fmt.Errorf("%w: checkout session %s has no user reference", ErrMalformed, session.ID)
	}
	if session.Customer == nil || session.Subscription == nil {
		return fmt.Errorf("%w: checkout session %s missing customer or subscription", ErrMalformed, session.ID)
	}
	customerID := session.Customer.ID
	subscriptionID := session.Subscription.ID

	// The session payload does not carry line items; fetch the
	// subscription to learn which price was bought.
	sub, err := r.subs.GetSubscription(subscriptionID)
	if err != nil {
		return fmt.Errorf("resolve subscription %s: %w", subscriptionID, err)
	}
	tier, err := r.tierFromSubscription(sub)
	if err != nil {
		return err
	}

	u, err := r.users.Get(ctx, userID)
	if err != nil {
		return fmt.Errorf("checkout for user %s: %w", userID, err)
	}

	if r.protectManual && user.ManualTier(u.Tier) {
		r.logger.Info("linking billing without tier change for manually granted tier",
			"user_id", u.ID, "tier", u.Tier, "purchased_tier", tier)
		tier = u.Tier
	}

	if err := r.users.SetBilling(ctx, u.ID, tier, customerID, subscriptionID); err != nil {
		return fmt.Errorf("apply checkout for user %s: %w", u.ID, err)
	}

	metrics.TierChangesTotal.WithLabelValues(string(tier)).Inc()
	r.logger.Info("checkout completed",
		"user_id", u.ID, "tier", tier,
		"customer_id", customerID, "subscription_id", subscriptionID)
	return nil
}

// handleSubscriptionUpdated re-derives the tier from the subscription's
// current price. Plan switches (pro to enterprise and back) land here.
func (r *Reconciler) handleSubscriptionUpdated(ctx context.Context, event stripe.Event) error {
	sub, err := parseSubscription(event)
	if err != nil {
		return err
	}

	tier, err := r.tierFromSubscription(sub)
	if err != nil {
		return err
	}

	u, err := r.users.GetByStripeCustomer(ctx, sub.Customer.ID)
	if err != nil {
		return fmt.Errorf("subscription update for customer %s: %w", sub.Customer.ID, err)
	}

	if r.protectManual && user.ManualTier(u.Tier) {
		r.logger.Info("ignoring subscription update for manually granted tier",
			"user_id", u.ID, "tier", u.Tier)
		return nil
	}

	if err := r.users.SetSubscription(ctx, u.ID, tier, sub.ID); err != nil {
		return fmt.Errorf("apply subscription update for user %s: %w", u.ID, err)
	}

	metrics.TierChangesTotal.WithLabelValues(string(tier)).Inc()
	r.logger.Info("subscription updated",
		"user_id", u.ID, "tier", tier, "subscription_id", sub.ID)
	return nil
}

// handleSubscriptionDeleted returns the user to the free tier and
// unlinks the subscription. The customer link is kept for re-subscribing.
func (r *Reconciler) handleSubscriptionDeleted(ctx context.Context, event stripe.Event) error {
	sub, err := parseSubscription(event)
	if err != nil {
		return err
	}

	u, err := r.users.GetByStripeCustomer(ctx, sub.Customer.ID)
	if err != nil {
		return fmt.Errorf("subscription deletion for customer %s: %w", sub.Customer.ID, err)
	}

	if r.protectManual && user.ManualTier(u.Tier) {
		r.logger.Info("ignoring subscription deletion for manually granted tier",
			"user_id", u.ID, "tier", u.Tier)
		return nil
	}

	if err := r.users.ClearSubscription(ctx, u.ID, user.TierFree); err != nil {
		return fmt.Errorf("apply subscription deletion for user %s: %w", u.ID, err)
	}

	metrics.TierChangesTotal.WithLabelValues(string(user.TierFree)).Inc()
	r.logger.Info("subscription deleted",
		"user_id", u.ID, "subscription_id", sub.ID)
	return nil
}

func (r *Reconciler) tierFromSubscription(sub *stripe.Subscription) (user.Tier, error) {
	if sub.Items == nil || len(sub.Items.Data) == 0 || sub.Items.Data[0].Price == nil {
		return "", fmt.Errorf("%w: subscription %s has no price", ErrMalformed, sub.ID)
	}
	return r.prices.TierForPrice(sub.Items.Data[0].Price.ID)
}

func parseSubscription(event stripe.Event) (*stripe.Subscription, error) {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return nil, fmt.Errorf("%w: parse subscription: %v", ErrMalformed, err)
	}
	if sub.Customer == nil {
		return nil, fmt.Errorf("%w: subscription %s missing customer", ErrMalformed, sub.ID)
	}
	return &sub, nil
}
