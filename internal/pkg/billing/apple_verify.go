package billing

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AppleVerifier checks App Store JWS payloads: the x5c certificate chain in
// the header must lead to a trusted root, and the leaf key must verify the
// ES256 signature.
type AppleVerifier struct {
	roots *x509.CertPool
	now   func() time.Time
}

// NewAppleVerifier builds a verifier from one or more PEM encoded root
// certificates (Apple Root CA - G3 in production).
func NewAppleVerifier(rootPEM []byte) (*AppleVerifier, error) {
	pool := x509.NewCertPool()
	found := 0
	for rest := rootPEM; ; {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse apple root certificate: %w", err)
		}
		pool.AddCert(cert)
		found++
	}
	if found == 0 {
		return nil, errors.New("no apple root certificate found in PEM input")
	}
	return &AppleVerifier{roots: pool, now: time.Now}, nil
}

// Parse verifies signed and decodes its payload into claims.
func (v *AppleVerifier) Parse(signed string, claims jwt.Claims) error {
	_, err := jwt.ParseWithClaims(signed, claims, v.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return nil
}

func (v *AppleVerifier) keyFunc(t *jwt.Token) (interface{}, error) {
	raw, ok := t.Header["x5c"].([]interface{})
	if !ok || len(raw) == 0 {
		return nil, errors.New("missing x5c header")
	}

	certs := make([]*x509.Certificate, 0, len(raw))
	for i, item := range raw {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("x5c entry %d is not a string", i)
		}
		der, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("x5c entry %d: %w", i, err)
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("x5c entry %d: %w", i, err)
		}
		certs = append(certs, cert)
	}

	intermediates := x509.NewCertPool()
	for _, c := range certs[1:] {
		intermediates.AddCert(c)
	}
	leaf := certs[0]
	if _, err := leaf.Verify(x509.VerifyOptions{
		Roots:         v.roots,
		Intermediates: intermediates,
		CurrentTime:   v.now(),
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}); err != nil {
		return nil, fmt.Errorf("x5c chain: %w", err)
	}

	key, ok := leaf.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return nil, errors.New("x5c leaf key is not ECDSA")
	}
	return key, nil
}
