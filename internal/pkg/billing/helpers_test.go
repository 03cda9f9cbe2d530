package billing_test

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/ManuelReschke/subsync/internal/pkg/billing"
	"github.com/ManuelReschke/subsync/internal/pkg/billing/memstore"
)

var fixedNow = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

type recordingAccess struct {
	mu    sync.Mutex
	users []uint
}

func (r *recordingAccess) RefreshAccess(_ context.Context, userID uint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users = append(r.users, userID)
	return nil
}

func (r *recordingAccess) calls() []uint {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint(nil), r.users...)
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []billing.OutboundNotification
}

func (r *recordingNotifier) NotifyAsync(_ context.Context, n billing.OutboundNotification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

func (r *recordingNotifier) events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.sent))
	for _, n := range r.sent {
		out = append(out, n.Event)
	}
	return out
}

type harness struct {
	store    *memstore.Store
	svc      *billing.Service
	access   *recordingAccess
	notifier *recordingNotifier
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mem := memstore.New()
	return newHarnessWithStore(t, mem, mem)
}

// newHarnessWithStore runs the service on store while assertions read mem.
func newHarnessWithStore(t *testing.T, mem *memstore.Store, store billing.Store) *harness {
	t.Helper()
	h := &harness{store: mem, access: &recordingAccess{}, notifier: &recordingNotifier{}}
	h.svc = billing.NewService(store, billing.NewDispatcher(h.access, h.notifier),
		billing.WithClock(func() time.Time { return fixedNow }))
	return h
}

// Stripe

const stripeSecret = "whsec_test_secret"

func stripeEvent(t *testing.T, id, eventType string, object map[string]interface{}) []byte {
	t.Helper()
	return stripeEventWithPrevious(t, id, eventType, object, nil)
}

// stripeEventWithPrevious adds data.previous_attributes as Stripe sends it on
// *.updated events.
func stripeEventWithPrevious(t *testing.T, id, eventType string, object, previous map[string]interface{}) []byte {
	t.Helper()
	data := map[string]interface{}{"object": object}
	if previous != nil {
		data["previous_attributes"] = previous
	}
	body, err := json.Marshal(map[string]interface{}{
		"id":          id,
		"object":      "event",
		"type":        eventType,
		"created":     fixedNow.Unix(),
		"api_version": "2025-03-31.basil",
		"data":        data,
	})
	require.NoError(t, err)
	return body
}

func signStripe(payload []byte) string {
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    stripeSecret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})
	return signed.Header
}

// Apple

type appleSigner struct {
	rootPEM  []byte
	chain    []string
	leafKey  *ecdsa.PrivateKey
	verifier *billing.AppleVerifier
}

func newAppleSigner(t *testing.T) *appleSigner {
	t.Helper()

	rootKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	rootTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Test Root CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}
	rootDER, err := x509.CreateCertificate(rand.Reader, rootTmpl, rootTmpl, &rootKey.PublicKey, rootKey)
	require.NoError(t, err)
	rootCert, err := x509.ParseCertificate(rootDER)
	require.NoError(t, err)

	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	leafTmpl := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "Test Leaf"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	leafDER, err := x509.CreateCertificate(rand.Reader, leafTmpl, rootCert, &leafKey.PublicKey, rootKey)
	require.NoError(t, err)

	rootPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: rootDER})
	verifier, err := billing.NewAppleVerifier(rootPEM)
	require.NoError(t, err)

	return &appleSigner{
		rootPEM: rootPEM,
		chain: []string{
			base64.StdEncoding.EncodeToString(leafDER),
			base64.StdEncoding.EncodeToString(rootDER),
		},
		leafKey:  leafKey,
		verifier: verifier,
	}
}

func (s *appleSigner) sign(t *testing.T, claims map[string]interface{}) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims(claims))
	token.Header["x5c"] = s.chain
	signed, err := token.SignedString(s.leafKey)
	require.NoError(t, err)
	return signed
}

func (s *appleSigner) notification(t *testing.T, uuid, notificationType, subtype string, txn map[string]interface{}) []byte {
	t.Helper()
	claims := map[string]interface{}{
		"notificationType": notificationType,
		"notificationUUID": uuid,
		"version":          "2.0",
		"signedDate":       fixedNow.UnixMilli(),
		"data": map[string]interface{}{
			"bundleId":              "com.example.vpn",
			"environment":           "Sandbox",
			"signedTransactionInfo": s.sign(t, txn),
		},
	}
	if subtype != "" {
		claims["subtype"] = subtype
	}
	body, err := json.Marshal(map[string]string{"signedPayload": s.sign(t, claims)})
	require.NoError(t, err)
	return body
}

// Google Play

func playPush(t *testing.T, messageID string, notification map[string]interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(notification)
	require.NoError(t, err)
	body, err := json.Marshal(map[string]interface{}{
		"message": map[string]interface{}{
			"data":        base64.StdEncoding.EncodeToString(data),
			"messageId":   messageID,
			"publishTime": fixedNow.Format(time.RFC3339),
		},
		"subscription": "projects/test/subscriptions/play-rtdn",
	})
	require.NoError(t, err)
	return body
}

func playSubscriptionNotification(code int, token string) map[string]interface{} {
	return map[string]interface{}{
		"version":         "1.0",
		"packageName":     "com.example.vpn",
		"eventTimeMillis": "1777629600000",
		"subscriptionNotification": map[string]interface{}{
			"version":          "1.0",
			"notificationType": code,
			"purchaseToken":    token,
			"subscriptionId":   "vpn.monthly",
		},
	}
}
