package billing

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/subsync/app/models"
)

// Real-time developer notification codes for subscriptions.
const (
	PlayRecovered               = 1
	PlayRenewed                 = 2
	PlayCanceled                = 3
	PlayPurchased               = 4
	PlayOnHold                  = 5
	PlayInGracePeriod           = 6
	PlayRestarted               = 7
	PlayPriceChangeConfirmed    = 8
	PlayDeferred                = 9
	PlayPaused                  = 10
	PlayPauseScheduleChanged    = 11
	PlayRevoked                 = 12
	PlayExpired                 = 13
	PlayPendingPurchaseCanceled = 20
)

var playIntents = map[int]Intent{
	PlayRecovered:            IntentPaymentSucceeded,
	PlayRenewed:              IntentRenewed,
	PlayCanceled:             IntentCancelSoft,
	PlayPurchased:            IntentCreated,
	PlayOnHold:               IntentOnHold,
	PlayInGracePeriod:        IntentGracePeriod,
	PlayRestarted:            IntentAutoRenewEnabled,
	PlayPriceChangeConfirmed: IntentPriceChangeConfirmed,
	PlayDeferred:             IntentDeferred,
	PlayPaused:               IntentPaused,
	PlayRevoked:              IntentRevoked,
	PlayExpired:              IntentExpired,
}

// PlayIntent maps a subscription notification code to an intent.
func PlayIntent(code int) (Intent, bool) {
	intent, ok := playIntents[code]
	return intent, ok
}

// playVoidedSubscription is voidedPurchaseNotification.productType for
// subscriptions.
const playVoidedSubscription = 1

type pubsubPushBody struct {
	Message struct {
		Data            string            `json:"data"`
		MessageID       string            `json:"messageId"`
		LegacyMessageID string            `json:"message_id"`
		PublishTime     string            `json:"publishTime"`
		Attributes      map[string]string `json:"attributes"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

func (b *pubsubPushBody) messageID() string {
	if b.Message.MessageID != "" {
		return b.Message.MessageID
	}
	return b.Message.LegacyMessageID
}

type playDeveloperNotification struct {
	Version                    string                        `json:"version"`
	PackageName                string                        `json:"packageName" validate:"required"`
	EventTimeMillis            string                        `json:"eventTimeMillis"`
	SubscriptionNotification   *playSubscriptionNotification `json:"subscriptionNotification"`
	VoidedPurchaseNotification *playVoidedNotification       `json:"voidedPurchaseNotification"`
	OneTimeProductNotification json.RawMessage               `json:"oneTimeProductNotification"`
	TestNotification           json.RawMessage               `json:"testNotification"`
}

type playSubscriptionNotification struct {
	Version          string `json:"version"`
	NotificationType int    `json:"notificationType" validate:"required"`
	PurchaseToken    string `json:"purchaseToken" validate:"required"`
	SubscriptionID   string `json:"subscriptionId"`
}

type playVoidedNotification struct {
	PurchaseToken string `json:"purchaseToken" validate:"required"`
	OrderID       string `json:"orderId"`
	ProductType   int    `json:"productType"`
	RefundType    int    `json:"refundType"`
}

// PushAuthenticator checks the bearer token Pub/Sub attaches to push requests.
type PushAuthenticator interface {
	Authenticate(ctx context.Context, authorization string) error
}

// SubscriptionLookup reads the provider's current view of a purchase token.
type SubscriptionLookup interface {
	Lookup(ctx context.Context, packageName, purchaseToken string) (*PlaySubscriptionState, error)
}

// PlaySubscriptionState is the part of a subscriptionsv2 resource the
// processor uses.
type PlaySubscriptionState struct {
	ProductID string
	ExpiresAt *time.Time
	InTrial   bool
}

// GooglePlayProcessor handles Google Play real-time developer notifications
// delivered through a Pub/Sub push subscription.
type GooglePlayProcessor struct {
	svc         *Service
	packageName string
	auth        PushAuthenticator
	lookup      SubscriptionLookup
}

// NewGooglePlayProcessor creates the Play processor. auth and lookup are
// optional.
func NewGooglePlayProcessor(svc *Service, packageName string, auth PushAuthenticator, lookup SubscriptionLookup) *GooglePlayProcessor {
	return &GooglePlayProcessor{
		svc:         svc,
		packageName: strings.TrimSpace(packageName),
		auth:        auth,
		lookup:      lookup,
	}
}

// Process handles one push request body. Redeliveries are skipped silently.
func (p *GooglePlayProcessor) Process(ctx context.Context, body []byte, authorization string) (*Result, error) {
	var push pubsubPushBody
	pushErr := json.Unmarshal(body, &push)

	d := delivery{
		gateway:    models.GatewayGooglePlay,
		key:        push.messageID(),
		payload:    body,
		duplicates: duplicateSkip,
		decode: func(ctx context.Context) (*Decoded, error) {
			if pushErr != nil {
				return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, pushErr)
			}
			return p.decode(ctx, &push)
		},
	}
	if p.auth != nil {
		d.verify = func(ctx context.Context) error {
			return p.auth.Authenticate(ctx, authorization)
		}
	}
	return p.svc.process(ctx, d)
}

func (p *GooglePlayProcessor) decode(ctx context.Context, push *pubsubPushBody) (*Decoded, error) {
	raw, err := base64.StdEncoding.DecodeString(push.Message.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: message data: %v", ErrMalformedPayload, err)
	}
	var n playDeveloperNotification
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, fmt.Errorf("%w: developer notification: %v", ErrMalformedPayload, err)
	}
	if err := p.svc.validateStruct(&n); err != nil {
		return nil, err
	}
	if p.packageName != "" && n.PackageName != p.packageName {
		return nil, fmt.Errorf("%w: package name %q does not match", ErrMalformedPayload, n.PackageName)
	}

	var occurredAt *time.Time
	if ms, err := strconv.ParseInt(n.EventTimeMillis, 10, 64); err == nil {
		occurredAt = millisToTime(ms)
	}

	switch {
	case n.SubscriptionNotification != nil:
		return p.decodeSubscription(ctx, &n, occurredAt)
	case n.VoidedPurchaseNotification != nil && n.VoidedPurchaseNotification.ProductType == playVoidedSubscription:
		v := n.VoidedPurchaseNotification
		if err := p.svc.validateStruct(v); err != nil {
			return nil, err
		}
		return &Decoded{
			EventType:  "voidedPurchase",
			ExternalID: v.PurchaseToken,
			Event:      Event{Intent: IntentRefunded, OccurredAt: occurredAt},
		}, nil
	case len(n.TestNotification) > 0:
		return &Decoded{EventType: "test", Skip: true}, nil
	case len(n.OneTimeProductNotification) > 0:
		return &Decoded{EventType: "oneTimeProduct", Skip: true}, nil
	default:
		return &Decoded{EventType: "unknown", Skip: true}, nil
	}
}

func (p *GooglePlayProcessor) decodeSubscription(ctx context.Context, n *playDeveloperNotification, occurredAt *time.Time) (*Decoded, error) {
	sn := n.SubscriptionNotification
	eventType := strconv.Itoa(sn.NotificationType)
	if err := p.svc.validateStruct(sn); err != nil {
		return nil, err
	}

	intent, ok := PlayIntent(sn.NotificationType)
	if !ok {
		return &Decoded{EventType: eventType, Skip: true}, nil
	}

	ev := Event{Intent: intent, ProductRef: sn.SubscriptionID, OccurredAt: occurredAt}
	if p.lookup != nil && needsProviderExpiry(intent) {
		state, err := p.lookup.Lookup(ctx, n.PackageName, sn.PurchaseToken)
		if err != nil {
			log.Warnf("[GooglePlay] Subscription lookup failed for token %s, continuing without expiry: %v", sn.PurchaseToken, err)
		} else if state != nil {
			ev.ExpiresAt = state.ExpiresAt
			if state.ProductID != "" {
				ev.ProductRef = state.ProductID
			}
			if intent == IntentCreated {
				trial := state.InTrial
				ev.IsTrial = &trial
				if trial {
					ev.TrialEndsAt = state.ExpiresAt
				}
			}
		}
	}

	return &Decoded{
		EventType:  eventType,
		ExternalID: sn.PurchaseToken,
		Event:      ev,
	}, nil
}

func needsProviderExpiry(intent Intent) bool {
	switch intent {
	case IntentCreated, IntentRenewed, IntentPaymentSucceeded, IntentPriceChangeConfirmed, IntentDeferred:
		return true
	default:
		return false
	}
}
