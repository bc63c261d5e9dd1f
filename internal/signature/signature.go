// Package signature implements the webhook authenticity scheme: an
// HMAC-SHA256 digest over the exact bytes "{timestamp}.{payload}", carried
// as lowercase hex. The payload must be the verbatim wire body; any
// re-serialization on either side breaks verification.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

// DefaultSkew bounds replay risk: Verify rejects timestamps further than
// this from the verifier's clock.
const DefaultSkew = 5 * time.Minute

// HeaderPrefix is the scheme tag receivers see in X-Signature-256.
const HeaderPrefix = "sha256="

var (
	ErrInvalidTimestamp       = errors.New("signature: invalid timestamp")
	ErrTimestampOutsideWindow = errors.New("signature: timestamp outside allowed window")
	ErrInvalidSignature       = errors.New("signature: digest mismatch")
)

// Sign computes the hex HMAC-SHA256 digest of "{timestamp}.{payload}".
// The timestamp is the RFC3339 string sent in X-Timestamp, signed verbatim.
func Sign(secret, timestamp string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(message(timestamp, payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks sig against the recomputed digest in constant time and
// rejects timestamps outside DefaultSkew of now. An optional "sha256="
// prefix on sig is accepted.
func Verify(secret, timestamp string, payload []byte, sig string, now time.Time) error {
	return VerifyWithin(secret, timestamp, payload, sig, now, DefaultSkew)
}

// VerifyWithin is Verify with an explicit replay window.
func VerifyWithin(secret, timestamp string, payload []byte, sig string, now time.Time, skew time.Duration) error {
	ts, err := time.Parse(time.RFC3339, strings.TrimSpace(timestamp))
	if err != nil {
		return ErrInvalidTimestamp
	}

	now = now.UTC()
	if ts.Before(now.Add(-skew)) || ts.After(now.Add(skew)) {
		return ErrTimestampOutsideWindow
	}

	raw := strings.TrimPrefix(strings.TrimSpace(sig), HeaderPrefix)
	provided, err := hex.DecodeString(raw)
	if err != nil {
		return ErrInvalidSignature
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(message(timestamp, payload))
	if !hmac.Equal(provided, mac.Sum(nil)) {
		return ErrInvalidSignature
	}
	return nil
}

func message(timestamp string, payload []byte) []byte {
	msg := make([]byte, 0, len(timestamp)+1+len(payload))
	msg = append(msg, timestamp...)
	msg = append(msg, '.')
	msg = append(msg, payload...)
	return msg
}
