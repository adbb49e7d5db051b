// Package token extracts the expiry of a compact bearer token without
// verifying its signature. It is used for client-side control flow only;
// the API gateway stays the authority on whether a token is valid.
package token

import (
	"encoding/base64"
	"math"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const segmentCount = 3

// ExpiryMillis returns the token's exp claim in milliseconds since the
// epoch. ok is false for any token whose payload cannot be decoded or
// has no numeric exp.
func ExpiryMillis(raw string) (ms int64, ok bool) {
	payload, ok := decodePayload(raw)
	if !ok {
		return 0, false
	}

	if !gjson.ValidBytes(payload) {
		return 0, false
	}

	exp := gjson.GetBytes(payload, "exp")
	if exp.Type != gjson.Number {
		return 0, false
	}

	// float64(math.MaxInt64) is 2^63, one past the int64 range.
	f := math.Round(exp.Float() * 1000)
	if math.IsInf(f, 0) || math.IsNaN(f) || f >= 0x1p63 || f < -0x1p63 {
		return 0, false
	}

	return int64(f), true
}

// ExpiresAt is ExpiryMillis as a time.Time.
func ExpiresAt(raw string) (time.Time, bool) {
	ms, ok := ExpiryMillis(raw)
	if !ok {
		return time.Time{}, false
	}

	return time.UnixMilli(ms), true
}

// decodePayload returns the decoded middle segment of a three-segment
// token. URL-safe characters are mapped back to the standard alphabet
// and padding is optional.
func decodePayload(raw string) ([]byte, bool) {
	parts := strings.Split(raw, ".")
	if len(parts) != segmentCount {
		return nil, false
	}

	seg := strings.NewReplacer("-", "+", "_", "/").Replace(parts[1])
	seg = strings.TrimRight(seg, "=")
	if seg == "" {
		return nil, false
	}

	decoded, err := base64.RawStdEncoding.DecodeString(seg)
	if err != nil {
		return nil, false
	}

	return decoded, true
}
