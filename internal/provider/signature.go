package provider

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Webhook signature headers.
const (
	HeaderTimestamp = "x-omini-timestamp"
	HeaderSignature = "x-omini-signature"
)

var (
	ErrMissingSignature = errors.New("signature: missing headers")
	ErrStaleTimestamp   = errors.New("signature: timestamp outside tolerance")
	ErrBadSignature     = errors.New("signature: mismatch")
	ErrReplay           = errors.New("signature: replayed request")
)

// Verifier checks HMAC-SHA256 webhook signatures computed over
// "<timestamp>.<raw body>". A Redis set-if-absent on the signature
// rejects replays inside the freshness window; with no Redis the replay
// check is skipped and only freshness plus the MAC hold.
type Verifier struct {
	secret []byte
	ttl    time.Duration
	rdb    *redis.Client
}

// NewVerifier creates a verifier. ttl bounds both timestamp skew and
// replay retention.
func NewVerifier(secret string, ttl time.Duration, rdb *redis.Client) *Verifier {
	if ttl <= 0 {
		ttl = 300 * time.Second
	}
	return &Verifier{secret: []byte(secret), ttl: ttl, rdb: rdb}
}

// Sign computes the signature for a timestamp and body. Exposed for
// clients and tests.
func (v *Verifier) Sign(timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks freshness, the MAC, and replay for one request.
func (v *Verifier) Verify(ctx context.Context, timestamp, signature string, body []byte) error {
	if timestamp == "" || signature == "" {
		return ErrMissingSignature
	}
	sent, err := parseTimestamp(timestamp)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp", ErrMissingSignature)
	}
	age := time.Since(sent)
	if age > v.ttl || age < -v.ttl {
		return ErrStaleTimestamp
	}

	expected := v.Sign(timestamp, body)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrBadSignature
	}

	if v.rdb != nil {
		ok, err := v.rdb.SetNX(ctx, "sig:"+signature, "1", v.ttl).Result()
		if err != nil {
			// Redis being down must not drop provider traffic.
			return nil
		}
		if !ok {
			return ErrReplay
		}
	}
	return nil
}

// parseTimestamp accepts unix seconds, unix milliseconds, or RFC 3339.
// Millisecond values are told apart by magnitude; anything past the year
// 33658 in seconds is taken as milliseconds.
func parseTimestamp(raw string) (time.Time, error) {
	if ts, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if ts > 1e12 {
			return time.UnixMilli(ts), nil
		}
		return time.Unix(ts, 0), nil
	}
	return time.Parse(time.RFC3339, raw)
}
