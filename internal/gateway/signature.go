package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"magpie/internal/constants"
	pkgerrors "magpie/pkg/errors"
)

// ComputeSignature returns the hex HMAC-SHA256 of body under secret,
// with the header prefix. Used by senders and by the verification path.
func ComputeSignature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return constants.SignaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks the signature header against the raw body.
// The comparison is constant-time so the check leaks nothing about how
// close a forged signature was.
func VerifySignature(secret string, body []byte, header string) error {
	if header == "" {
		return pkgerrors.ErrSignatureInvalid.WithDetail("reason", "missing signature header")
	}

	provided := strings.TrimPrefix(header, constants.SignaturePrefix)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(provided), []byte(expected)) {
		return pkgerrors.ErrSignatureInvalid
	}
	return nil
}

// VerifyTimestamp enforces the replay window: the unix-seconds header
// must be within maxSkew of now, in either direction.
func VerifyTimestamp(header string, maxSkew time.Duration, now time.Time) error {
	if header == "" {
		return pkgerrors.ErrTimestampExpired.WithDetail("reason", "missing timestamp header")
	}

	seconds, err := strconv.ParseInt(header, 10, 64)
	if err != nil {
		return pkgerrors.ErrTimestampExpired.WithDetail("reason", "timestamp not unix seconds")
	}

	ts := time.Unix(seconds, 0)
	skew := now.Sub(ts)
	if skew < 0 {
		skew = -skew
	}
	if skew > maxSkew {
		return pkgerrors.ErrTimestampExpired.WithDetail("skew_seconds", int64(skew.Seconds()))
	}
	return nil
}
