// Package codec implements the platform's wire format: JSON request
// envelopes addressed by lwp path, signed mtop calls, and the packed sync
// payloads pushed over the persistent connection.
package codec

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"math/rand"
	"strings"
	"time"
)

// NewMID produces a request id in the shape the platform's web client uses:
// a small random prefix, the millisecond timestamp, and a trailing " 0".
func NewMID() string {
	return fmt.Sprintf("%d%d 0", rand.Intn(1000), time.Now().UnixMilli())
}

// NewMessageUUID produces the client-side uuid attached to outbound chat
// messages.
func NewMessageUUID() string {
	return fmt.Sprintf("-%d1", time.Now().UnixMilli())
}

// DeviceID derives a stable device identifier for a platform user. The
// platform expects a uuid4-shaped prefix joined to the user id; the prefix
// is seeded from the user id so reconnects present the same device.
func DeviceID(userID string) string {
	seed := int64(0)
	for _, r := range userID {
		seed = seed*131 + int64(r)
	}
	rng := rand.New(rand.NewSource(seed))

	var b strings.Builder
	for _, c := range "xxxxxxxx-xxxx-4xxx-yxxx-xxxxxxxxxxxx" {
		switch c {
		case 'x':
			b.WriteString(fmt.Sprintf("%x", rng.Intn(16)))
		case 'y':
			b.WriteString(fmt.Sprintf("%x", rng.Intn(4)|8))
		default:
			b.WriteRune(c)
		}
	}
	return b.String() + "-" + userID
}

// Sign computes the mtop request signature: md5 over token, timestamp,
// app key and the request data joined with '&'.
func Sign(token, timestampMillis, appKey, data string) string {
	sum := md5.Sum([]byte(token + "&" + timestampMillis + "&" + appKey + "&" + data))
	return hex.EncodeToString(sum[:])
}

// H5Token extracts the signing token from the _m_h5_tk cookie (the part
// before the first underscore). Empty when the cookie is absent.
func H5Token(cookies map[string]string) string {
	tk := cookies["_m_h5_tk"]
	if tk == "" {
		return ""
	}
	return strings.SplitN(tk, "_", 2)[0]
}

// ParseCookies splits a raw Cookie header string into a map.
func ParseCookies(raw string) map[string]string {
	out := make(map[string]string)
	for _, part := range strings.Split(raw, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		if len(kv) == 2 {
			out[kv[0]] = kv[1]
		}
	}
	return out
}

// FormatCookies renders a cookie map back into a Cookie header string.
// Order follows the keys slice so refreshed cookie strings stay stable.
func FormatCookies(cookies map[string]string, keys []string) string {
	parts := make([]string, 0, len(cookies))
	seen := make(map[string]bool, len(cookies))
	for _, k := range keys {
		if v, ok := cookies[k]; ok {
			parts = append(parts, k+"="+v)
			seen[k] = true
		}
	}
	for k, v := range cookies {
		if !seen[k] {
			parts = append(parts, k+"="+v)
		}
	}
	return strings.Join(parts, "; ")
}
