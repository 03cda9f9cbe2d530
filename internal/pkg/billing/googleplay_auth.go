package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const (
	googleIssuer          = "https://accounts.google.com"
	androidPublisherScope = "https://www.googleapis.com/auth/androidpublisher"
	playDeveloperAPIBase  = "https://androidpublisher.googleapis.com/androidpublisher/v3"
)

// OIDCPushAuthenticator verifies the Google-signed OIDC token that an
// authenticated Pub/Sub push subscription sends as a bearer token.
type OIDCPushAuthenticator struct {
	verifier       *oidc.IDTokenVerifier
	serviceAccount string
}

// NewOIDCPushAuthenticator discovers Google's signing keys. audience is the
// audience configured on the push subscription; serviceAccount, when set,
// must match the token's email claim.
func NewOIDCPushAuthenticator(ctx context.Context, audience, serviceAccount string) (*OIDCPushAuthenticator, error) {
	provider, err := oidc.NewProvider(ctx, googleIssuer)
	if err != nil {
		return nil, fmt.Errorf("discover google oidc provider: %w", err)
	}
	return NewOIDCPushAuthenticatorWithVerifier(provider.Verifier(&oidc.Config{ClientID: audience}), serviceAccount), nil
}

// NewOIDCPushAuthenticatorWithVerifier wraps an existing verifier.
func NewOIDCPushAuthenticatorWithVerifier(verifier *oidc.IDTokenVerifier, serviceAccount string) *OIDCPushAuthenticator {
	return &OIDCPushAuthenticator{verifier: verifier, serviceAccount: strings.TrimSpace(serviceAccount)}
}

// Authenticate implements PushAuthenticator.
func (a *OIDCPushAuthenticator) Authenticate(ctx context.Context, authorization string) error {
	raw, ok := strings.CutPrefix(strings.TrimSpace(authorization), "Bearer ")
	if !ok || strings.TrimSpace(raw) == "" {
		return fmt.Errorf("%w: missing bearer token", ErrInvalidSignature)
	}

	token, err := a.verifier.Verify(ctx, strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if a.serviceAccount == "" {
		return nil
	}

	var claims struct {
		Email         string `json:"email"`
		EmailVerified bool   `json:"email_verified"`
	}
	if err := token.Claims(&claims); err != nil {
		return fmt.Errorf("%w: token claims: %v", ErrInvalidSignature, err)
	}
	if !claims.EmailVerified || !strings.EqualFold(claims.Email, a.serviceAccount) {
		return fmt.Errorf("%w: unexpected push sender %q", ErrInvalidSignature, claims.Email)
	}
	return nil
}

// PlayDeveloperAPI reads purchases.subscriptionsv2 through an OAuth2 client.
type PlayDeveloperAPI struct {
	client  *http.Client
	baseURL string
}

// NewPlayDeveloperAPI authenticates with a service account key file.
func NewPlayDeveloperAPI(ctx context.Context, credentialsJSON []byte) (*PlayDeveloperAPI, error) {
	creds, err := google.CredentialsFromJSON(ctx, credentialsJSON, androidPublisherScope)
	if err != nil {
		return nil, fmt.Errorf("load play service account: %w", err)
	}
	client := oauth2.NewClient(ctx, creds.TokenSource)
	client.Timeout = 10 * time.Second
	return NewPlayDeveloperAPIWithClient(client, playDeveloperAPIBase), nil
}

// NewPlayDeveloperAPIWithClient uses an already authorized client.
func NewPlayDeveloperAPIWithClient(client *http.Client, baseURL string) *PlayDeveloperAPI {
	return &PlayDeveloperAPI{client: client, baseURL: strings.TrimRight(baseURL, "/")}
}

type playSubscriptionV2 struct {
	SubscriptionState string `json:"subscriptionState"`
	LineItems         []struct {
		ProductID  string `json:"productId"`
		ExpiryTime string `json:"expiryTime"`
		OfferPhase *struct {
			FreeTrial *struct{} `json:"freeTrial"`
		} `json:"offerPhase"`
	} `json:"lineItems"`
}

// Lookup implements SubscriptionLookup.
func (a *PlayDeveloperAPI) Lookup(ctx context.Context, packageName, purchaseToken string) (*PlaySubscriptionState, error) {
	endpoint := fmt.Sprintf("%s/applications/%s/purchases/subscriptionsv2/tokens/%s",
		a.baseURL, url.PathEscape(packageName), url.PathEscape(purchaseToken))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("play developer api: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("play developer api: unexpected status %d", resp.StatusCode)
	}

	var sub playSubscriptionV2
	if err := json.NewDecoder(resp.Body).Decode(&sub); err != nil {
		return nil, fmt.Errorf("decode subscriptionsv2: %w", err)
	}

	state := &PlaySubscriptionState{}
	for _, item := range sub.LineItems {
		expiry, err := time.Parse(time.RFC3339Nano, item.ExpiryTime)
		if err != nil {
			continue
		}
		expiry = expiry.UTC()
		if state.ExpiresAt == nil || expiry.After(*state.ExpiresAt) {
			state.ExpiresAt = &expiry
			state.ProductID = item.ProductID
			state.InTrial = item.OfferPhase != nil && item.OfferPhase.FreeTrial != nil
		}
	}
	return state, nil
}
