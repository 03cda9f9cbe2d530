package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ManuelReschke/subsync/app/models"
)

// App Store Server Notification V2 types.
const (
	AppleTypeSubscribed             = "SUBSCRIBED"
	AppleTypeDidRenew               = "DID_RENEW"
	AppleTypeDidChangeRenewalStatus = "DID_CHANGE_RENEWAL_STATUS"
	AppleTypeDidFailToRenew         = "DID_FAIL_TO_RENEW"
	AppleTypeGracePeriodExpired     = "GRACE_PERIOD_EXPIRED"
	AppleTypeExpired                = "EXPIRED"
	AppleTypeRefund                 = "REFUND"
	AppleTypeRevoke                 = "REVOKE"
	AppleTypePriceIncrease          = "PRICE_INCREASE"
	AppleTypeRenewalExtended        = "RENEWAL_EXTENDED"

	AppleSubtypeAutoRenewEnabled  = "AUTO_RENEW_ENABLED"
	AppleSubtypeAutoRenewDisabled = "AUTO_RENEW_DISABLED"
	AppleSubtypeGracePeriod       = "GRACE_PERIOD"
	AppleSubtypeAccepted          = "ACCEPTED"
)

// appleOfferIntroductory is the offerType of a free or discounted trial.
const appleOfferIntroductory = 1

type appleWebhookBody struct {
	SignedPayload string `json:"signedPayload"`
}

type appleNotificationClaims struct {
	NotificationType string          `json:"notificationType" validate:"required"`
	Subtype          string          `json:"subtype"`
	NotificationUUID string          `json:"notificationUUID" validate:"required"`
	Version          string          `json:"version"`
	SignedDate       int64           `json:"signedDate"`
	Data             appleNotifyData `json:"data"`
	jwt.RegisteredClaims
}

type appleNotifyData struct {
	AppAppleID            int64  `json:"appAppleId"`
	BundleID              string `json:"bundleId"`
	BundleVersion         string `json:"bundleVersion"`
	Environment           string `json:"environment"`
	SignedTransactionInfo string `json:"signedTransactionInfo"`
	SignedRenewalInfo     string `json:"signedRenewalInfo"`
}

type appleTransactionClaims struct {
	TransactionID         string `json:"transactionId"`
	OriginalTransactionID string `json:"originalTransactionId" validate:"required"`
	BundleID              string `json:"bundleId"`
	ProductID             string `json:"productId"`
	PurchaseDate          int64  `json:"purchaseDate"`
	ExpiresDate           int64  `json:"expiresDate"`
	RevocationDate        int64  `json:"revocationDate"`
	OfferType             int    `json:"offerType"`
	AppAccountToken       string `json:"appAccountToken"`
	Environment           string `json:"environment"`
	jwt.RegisteredClaims
}

// AppleIntent maps a notification type and subtype to an intent.
func AppleIntent(notificationType, subtype string) (Intent, bool) {
	switch notificationType {
	case AppleTypeSubscribed:
		return IntentCreated, true
	case AppleTypeDidRenew:
		return IntentRenewed, true
	case AppleTypeDidChangeRenewalStatus:
		switch subtype {
		case AppleSubtypeAutoRenewDisabled:
			return IntentCancelSoft, true
		case AppleSubtypeAutoRenewEnabled:
			return IntentAutoRenewEnabled, true
		}
	case AppleTypeDidFailToRenew:
		if subtype == AppleSubtypeGracePeriod {
			return IntentGracePeriod, true
		}
		return IntentPaymentFailed, true
	case AppleTypeGracePeriodExpired:
		return IntentOnHold, true
	case AppleTypeExpired:
		return IntentExpired, true
	case AppleTypeRefund:
		return IntentRefunded, true
	case AppleTypeRevoke:
		return IntentRevoked, true
	case AppleTypePriceIncrease:
		if subtype == AppleSubtypeAccepted {
			return IntentPriceChangeConfirmed, true
		}
	case AppleTypeRenewalExtended:
		return IntentDeferred, true
	}
	return "", false
}

// AppleProcessor handles App Store Server Notifications V2.
type AppleProcessor struct {
	svc      *Service
	verifier *AppleVerifier
	bundleID string
}

// NewAppleProcessor creates the App Store processor. An empty bundleID
// accepts notifications for any app signed by the trusted chain.
func NewAppleProcessor(svc *Service, verifier *AppleVerifier, bundleID string) *AppleProcessor {
	return &AppleProcessor{svc: svc, verifier: verifier, bundleID: strings.TrimSpace(bundleID)}
}

// Process handles one raw webhook body. Redeliveries are skipped silently.
func (p *AppleProcessor) Process(ctx context.Context, body []byte) (*Result, error) {
	var envelope appleWebhookBody
	_ = json.Unmarshal(body, &envelope)

	// The claimed key is read before verification; a forged one only ever
	// reaches the ledger lookup.
	var claimed appleNotificationClaims
	if envelope.SignedPayload != "" {
		_, _, _ = jwt.NewParser().ParseUnverified(envelope.SignedPayload, &claimed)
	}

	var notification appleNotificationClaims
	return p.svc.process(ctx, delivery{
		gateway:    models.GatewayApple,
		key:        claimed.NotificationUUID,
		payload:    body,
		duplicates: duplicateSkip,
		verify: func(ctx context.Context) error {
			if envelope.SignedPayload == "" {
				return fmt.Errorf("%w: missing signedPayload", ErrInvalidSignature)
			}
			if p.verifier == nil {
				return fmt.Errorf("%w: no apple root configured", ErrInvalidSignature)
			}
			return p.verifier.Parse(envelope.SignedPayload, &notification)
		},
		decode: func(ctx context.Context) (*Decoded, error) {
			return p.decode(&notification)
		},
	})
}

func (p *AppleProcessor) decode(n *appleNotificationClaims) (*Decoded, error) {
	eventType := n.NotificationType
	if n.Subtype != "" {
		eventType += "/" + n.Subtype
	}
	if err := p.svc.validateStruct(n); err != nil {
		return nil, err
	}
	if p.bundleID != "" && n.Data.BundleID != p.bundleID {
		return nil, fmt.Errorf("%w: bundle id %q does not match", ErrMalformedPayload, n.Data.BundleID)
	}

	intent, ok := AppleIntent(n.NotificationType, n.Subtype)
	if !ok {
		return &Decoded{EventType: eventType, Skip: true}, nil
	}

	if n.Data.SignedTransactionInfo == "" {
		return nil, fmt.Errorf("%w: missing signedTransactionInfo", ErrMalformedPayload)
	}
	var txn appleTransactionClaims
	if err := p.verifier.Parse(n.Data.SignedTransactionInfo, &txn); err != nil {
		return nil, fmt.Errorf("%w: transaction info: %v", ErrMalformedPayload, err)
	}
	if err := p.svc.validateStruct(&txn); err != nil {
		return nil, err
	}

	ev := Event{
		Intent:     intent,
		ExpiresAt:  millisToTime(txn.ExpiresDate),
		ProductRef: txn.ProductID,
		OccurredAt: millisToTime(n.SignedDate),
	}
	if intent == IntentCreated {
		trial := txn.OfferType == appleOfferIntroductory
		ev.IsTrial = &trial
		if trial {
			ev.TrialEndsAt = ev.ExpiresAt
		}
	}

	return &Decoded{
		EventType:     eventType,
		ExternalID:    txn.OriginalTransactionID,
		ResolveTokens: []string{txn.AppAccountToken, txn.TransactionID},
		Event:         ev,
	}, nil
}
