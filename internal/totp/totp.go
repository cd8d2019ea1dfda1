// Package totp implements the time-based key primitives used by the mobile
// confirmation endpoints. Both functions are pure; the caller owns the clock.
package totp

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
)

// maxTagLen is the longest tag the remote hashes; longer tags are truncated.
const maxTagLen = 32

// ConfirmationKey derives the per-request key for a confirmation call.
// identitySecret is the account's base64-encoded shared secret. The key is
// the base64 HMAC-SHA1 of the big-endian 8-byte timestamp followed by the
// tag, keyed by the decoded secret. The remote buckets time at one-second
// granularity, so distinct calls within a second must vary t (see the
// confirmation engine's clock offset).
func ConfirmationKey(identitySecret string, t int64, tag string) (string, error) {
	secret, err := base64.StdEncoding.DecodeString(identitySecret)
	if err != nil {
		return "", fmt.Errorf("decode identity secret: %w", err)
	}
	if len(tag) > maxTagLen {
		tag = tag[:maxTagLen]
	}

	buf := make([]byte, 8+len(tag))
	binary.BigEndian.PutUint64(buf[:8], uint64(t))
	copy(buf[8:], tag)

	mac := hmac.New(sha1.New, secret)
	mac.Write(buf)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// DeviceID returns the deterministic device identifier the confirmation
// endpoints expect for an account: "android:" plus the dash-grouped hex of
// the SHA-1 of the decimal account id.
func DeviceID(accountID uint32) string {
	sum := sha1.Sum([]byte(strconv.FormatUint(uint64(accountID), 10)))
	h := hex.EncodeToString(sum[:])
	return fmt.Sprintf("android:%s-%s-%s-%s-%s", h[0:8], h[8:12], h[12:16], h[16:20], h[20:32])
}
