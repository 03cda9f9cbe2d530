package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/ManuelReschke/subsync/app/models"
)

// Stripe event types handled by the card platform processor.
const (
	StripeSubscriptionCreated      = "customer.subscription.created"
	StripeSubscriptionUpdated      = "customer.subscription.updated"
	StripeSubscriptionDeleted      = "customer.subscription.deleted"
	StripeSubscriptionPaused       = "customer.subscription.paused"
	StripeSubscriptionResumed      = "customer.subscription.resumed"
	StripeSubscriptionTrialWillEnd = "customer.subscription.trial_will_end"
	StripeInvoicePaymentFailed     = "invoice.payment_failed"
	StripeInvoicePaid              = "invoice.paid"

	// StripeInvoicePaymentSucceeded accompanies every invoice.paid and is
	// skipped so a payment is applied once.
	StripeInvoicePaymentSucceeded = "invoice.payment_succeeded"
)

// stripeBillingReasonCreate marks the first invoice of a subscription.
const stripeBillingReasonCreate = "subscription_create"

// stripeSubscription is the subset of a Stripe subscription object the
// processor reads. Period ends moved onto items in newer API versions, so
// both places are checked.
type stripeSubscription struct {
	ID                string `json:"id" validate:"required"`
	Customer          string `json:"customer"`
	Status            string `json:"status"`
	CancelAtPeriodEnd bool   `json:"cancel_at_period_end"`
	CurrentPeriodEnd  int64  `json:"current_period_end"`
	TrialEnd          int64  `json:"trial_end"`
	Items             struct {
		Data []struct {
			CurrentPeriodEnd int64 `json:"current_period_end"`
			Price            struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

func (s *stripeSubscription) periodEnd() int64 {
	end := s.CurrentPeriodEnd
	for _, item := range s.Items.Data {
		if item.CurrentPeriodEnd > end {
			end = item.CurrentPeriodEnd
		}
	}
	return end
}

func (s *stripeSubscription) priceID() string {
	for _, item := range s.Items.Data {
		if id := strings.TrimSpace(item.Price.ID); id != "" {
			return id
		}
	}
	return ""
}

type stripeInvoice struct {
	ID            string `json:"id"`
	Customer      string `json:"customer"`
	Subscription  string `json:"subscription"`
	AmountPaid    int64  `json:"amount_paid"`
	BillingReason string `json:"billing_reason"`
	Parent       *struct {
		SubscriptionDetails *struct {
			Subscription string `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
	Lines struct {
		Data []struct {
			Period struct {
				End int64 `json:"end"`
			} `json:"period"`
			Pricing *struct {
				PriceDetails *struct {
					Price string `json:"price"`
				} `json:"price_details"`
			} `json:"pricing"`
		} `json:"data"`
	} `json:"lines"`
}

func (inv *stripeInvoice) subscriptionID() string {
	if inv.Subscription != "" {
		return inv.Subscription
	}
	if inv.Parent != nil && inv.Parent.SubscriptionDetails != nil {
		return inv.Parent.SubscriptionDetails.Subscription
	}
	return ""
}

func (inv *stripeInvoice) periodEnd() int64 {
	var end int64
	for _, line := range inv.Lines.Data {
		if line.Period.End > end {
			end = line.Period.End
		}
	}
	return end
}

func (inv *stripeInvoice) priceID() string {
	for _, line := range inv.Lines.Data {
		if line.Pricing != nil && line.Pricing.PriceDetails != nil && line.Pricing.PriceDetails.Price != "" {
			return line.Pricing.PriceDetails.Price
		}
	}
	return ""
}

// StripeStatusIntent maps customer.subscription.updated to an intent.
// wasCancelAtPeriodEnd is the previous cancel_at_period_end value when the
// event reports it changed. A trialing subscription maps to nothing: the trial
// start is handled by customer.subscription.created and the trial end by the
// first paid invoice.
func StripeStatusIntent(status string, cancelAtPeriodEnd, wasCancelAtPeriodEnd bool) (Intent, bool) {
	if cancelAtPeriodEnd {
		return IntentCancelSoft, true
	}
	switch status {
	case "active", "trialing":
		if wasCancelAtPeriodEnd {
			return IntentAutoRenewEnabled, true
		}
		if status == "active" {
			return IntentRenewed, true
		}
	case "past_due", "unpaid":
		return IntentPaymentFailed, true
	case "paused":
		return IntentPaused, true
	case "canceled":
		return IntentCancelHard, true
	case "incomplete_expired":
		return IntentExpired, true
	}
	return "", false
}

// previousCancelAtPeriodEnd reads data.previous_attributes.cancel_at_period_end.
func previousCancelAtPeriodEnd(data *stripelib.EventData) bool {
	if data == nil {
		return false
	}
	was, _ := data.PreviousAttributes["cancel_at_period_end"].(bool)
	return was
}

// StripeProcessor handles Stripe webhook events. A redelivered event id is
// reported as ErrDuplicateDelivery.
type StripeProcessor struct {
	svc    *Service
	secret string
}

// NewStripeProcessor creates the card platform processor.
func NewStripeProcessor(svc *Service, webhookSecret string) *StripeProcessor {
	return &StripeProcessor{svc: svc, secret: strings.TrimSpace(webhookSecret)}
}

// Process handles one raw webhook body and its Stripe-Signature header.
func (p *StripeProcessor) Process(ctx context.Context, payload []byte, signature string) (*Result, error) {
	var claimed struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(payload, &claimed)

	var event stripelib.Event
	return p.svc.process(ctx, delivery{
		gateway:    models.GatewayStripe,
		key:        claimed.ID,
		payload:    payload,
		duplicates: duplicateFail,
		verify: func(ctx context.Context) error {
			if p.secret == "" {
				return fmt.Errorf("%w: webhook secret not configured", ErrInvalidSignature)
			}
			if strings.TrimSpace(signature) == "" {
				return fmt.Errorf("%w: missing Stripe-Signature", ErrInvalidSignature)
			}
			ev, err := webhook.ConstructEventWithOptions(payload, signature, p.secret, webhook.ConstructEventOptions{
				IgnoreAPIVersionMismatch: true,
			})
			if err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
			}
			event = ev
			return nil
		},
		decode: func(ctx context.Context) (*Decoded, error) {
			return p.decode(&event)
		},
	})
}

func (p *StripeProcessor) decode(event *stripelib.Event) (*Decoded, error) {
	eventType := string(event.Type)
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return nil, fmt.Errorf("%w: event %s has no data object", ErrMalformedPayload, event.ID)
	}
	occurredAt := secondsToTime(event.Created)

	switch eventType {
	case StripeInvoicePaymentFailed, StripeInvoicePaid:
		var inv stripeInvoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return nil, fmt.Errorf("%w: decode invoice: %v", ErrMalformedPayload, err)
		}
		subID := inv.subscriptionID()
		if subID == "" {
			return &Decoded{EventType: eventType, Skip: true}, nil
		}
		if eventType == StripeInvoicePaid && inv.AmountPaid == 0 && inv.BillingReason == stripeBillingReasonCreate {
			// the zero-amount invoice that opens a trial
			return &Decoded{EventType: eventType + "/" + stripeBillingReasonCreate, Skip: true}, nil
		}
		ev := Event{Intent: IntentPaymentFailed, ProductRef: inv.priceID(), OccurredAt: occurredAt}
		if eventType != StripeInvoicePaymentFailed {
			ev.Intent = IntentPaymentSucceeded
			ev.ExpiresAt = secondsToTime(inv.periodEnd())
		}
		return &Decoded{
			EventType:     eventType,
			ExternalID:    subID,
			ResolveTokens: []string{inv.Customer},
			Event:         ev,
		}, nil
	}

	var intent Intent
	switch eventType {
	case StripeSubscriptionCreated:
		intent = IntentCreated
	case StripeSubscriptionDeleted:
		intent = IntentCancelHard
	case StripeSubscriptionPaused:
		intent = IntentPaused
	case StripeSubscriptionResumed:
		intent = IntentRenewed
	case StripeSubscriptionTrialWillEnd:
		intent = IntentTrialWillEnd
	case StripeSubscriptionUpdated:
	default:
		return &Decoded{EventType: eventType, Skip: true}, nil
	}

	var sub stripeSubscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return nil, fmt.Errorf("%w: decode subscription: %v", ErrMalformedPayload, err)
	}
	if err := p.svc.validateStruct(&sub); err != nil {
		return nil, err
	}
	if eventType == StripeSubscriptionUpdated {
		var ok bool
		if intent, ok = StripeStatusIntent(sub.Status, sub.CancelAtPeriodEnd, previousCancelAtPeriodEnd(event.Data)); !ok {
			return &Decoded{EventType: eventType + "/" + sub.Status, Skip: true}, nil
		}
	}

	ev := Event{
		Intent:     intent,
		ProductRef: sub.priceID(),
		OccurredAt: occurredAt,
	}
	if intent == IntentCreated || intent == IntentRenewed {
		ev.ExpiresAt = secondsToTime(sub.periodEnd())
	}
	switch intent {
	case IntentCreated:
		trial := sub.Status == "trialing"
		ev.IsTrial = &trial
		ev.TrialEndsAt = secondsToTime(sub.TrialEnd)
	case IntentTrialWillEnd:
		ev.TrialEndsAt = secondsToTime(sub.TrialEnd)
	}

	return &Decoded{
		EventType:     eventType,
		ExternalID:    sub.ID,
		ResolveTokens: []string{sub.Customer},
		Event:         ev,
	}, nil
}
