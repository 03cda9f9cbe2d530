package notify

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

// SignatureHeader carries "t=<unix>,v1=<hex hmac>" on every outbound webhook.
const SignatureHeader = "X-Subsync-Signature"

var (
	ErrSignatureFormat   = errors.New("malformed signature header")
	ErrSignatureMismatch = errors.New("signature mismatch")
	ErrSignatureExpired  = errors.New("signature timestamp outside tolerance")
)

// Sign computes the header value for body at ts. The MAC covers "<unix>.<body>".
func Sign(secret string, body []byte, ts time.Time) string {
	unix := strconv.FormatInt(ts.Unix(), 10)
	return "t=" + unix + ",v1=" + mac(secret, unix, body)
}

// Verify checks a header produced by Sign. Receivers use it; the engine's own
// tests use it to prove what was sent.
func Verify(secret string, body []byte, header string, tolerance time.Duration, now time.Time) error {
	var unix, sig string
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return ErrSignatureFormat
		}
		switch k {
		case "t":
			unix = v
		case "v1":
			sig = v
		}
	}
	if unix == "" || sig == "" {
		return ErrSignatureFormat
	}
	sec, err := strconv.ParseInt(unix, 10, 64)
	if err != nil {
		return ErrSignatureFormat
	}
	if tolerance > 0 {
		if d := now.Sub(time.Unix(sec, 0)); d > tolerance || d < -tolerance {
			return ErrSignatureExpired
		}
	}
	if !hmac.Equal([]byte(sig), []byte(mac(secret, unix, body))) {
		return ErrSignatureMismatch
	}
	return nil
}

func mac(secret, unix string, body []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(unix))
	h.Write([]byte("."))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}
