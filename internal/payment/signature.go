package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// SignatureHeader is the header PayMongo uses to sign webhook deliveries.
const SignatureHeader = "Paymongo-Signature"

// ErrSignatureHeader is returned when the signature header cannot be parsed.
var ErrSignatureHeader = errors.New("payment: malformed signature header")

// SignatureToken holds the parts of a signature header used for verification.
type SignatureToken struct {
	Timestamp string
	Digest    string
}

// ParseSignatureHeader splits a header of the form "t=<ts>,v1=<hex>[,...]".
// Every comma-separated element must be a key=value pair, and both t and v1
// must be present. Other keys are ignored.
func ParseSignatureHeader(header string) (SignatureToken, error) {
	if strings.TrimSpace(header) == "" {
		return SignatureToken{}, fmt.Errorf("%w: empty", ErrSignatureHeader)
	}
	var tok SignatureToken
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			return SignatureToken{}, fmt.Errorf("%w: element %q is not a key=value pair", ErrSignatureHeader, part)
		}
		switch strings.TrimSpace(key) {
		case "t":
			tok.Timestamp = strings.TrimSpace(value)
		case "v1":
			tok.Digest = strings.TrimSpace(value)
		}
	}
	if tok.Timestamp == "" || tok.Digest == "" {
		return SignatureToken{}, fmt.Errorf("%w: t and v1 are required", ErrSignatureHeader)
	}
	return tok, nil
}

// ComputeSignature returns the lowercase hex HMAC-SHA256 of "<timestamp>.<body>".
func ComputeSignature(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(timestamp))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks header against the raw request body. An empty
// secret disables verification and always returns true.
func VerifySignature(rawBody []byte, header, secret string) bool {
	if secret == "" {
		return true
	}
	tok, err := ParseSignatureHeader(header)
	if err != nil {
		return false
	}
	expected := ComputeSignature(secret, tok.Timestamp, rawBody)
	return hmac.Equal([]byte(expected), []byte(tok.Digest))
}
