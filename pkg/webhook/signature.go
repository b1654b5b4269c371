// Package webhook verifies, deduplicates, and applies provider event
// deliveries. Verification is HMAC-SHA256 over "<unix_ts>.<raw_body>" with
// a bounded timestamp window; delivery identity is (provider, event_id) and
// a replayed id with a different body is treated as suspicious, never
// applied.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SignatureHeader is the header carrying the delivery signature.
const SignatureHeader = "X-Signature"

// Tolerance bounds the clock skew accepted on deliveries, both directions.
const Tolerance = 5 * time.Minute

// Signature verification errors. All of them surface to the caller as a
// rejected delivery.
var (
	ErrMalformedSignature = errors.New("webhook: malformed signature header")
	ErrStaleTimestamp     = errors.New("webhook: timestamp outside tolerance")
	ErrBadSignature       = errors.New("webhook: signature mismatch")
)

type parsedSignature struct {
	timestamp int64
	v1        []byte
}

// parseSignature splits "t=<unix>,v1=<hex>". Unknown elements are ignored
// so providers can add schemes without breaking verification.
func parseSignature(header string) (*parsedSignature, error) {
	var sig parsedSignature
	var haveT, haveV1 bool
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: bad timestamp", ErrMalformedSignature)
			}
			sig.timestamp = ts
			haveT = true
		case "v1":
			raw, err := hex.DecodeString(v)
			if err != nil || len(raw) != sha256.Size {
				return nil, fmt.Errorf("%w: bad v1 digest", ErrMalformedSignature)
			}
			sig.v1 = raw
			haveV1 = true
		}
	}
	if !haveT || !haveV1 {
		return nil, ErrMalformedSignature
	}
	return &sig, nil
}

func computeMAC(secret []byte, timestamp int64, body []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte("."))
	mac.Write(body)
	return mac.Sum(nil)
}

// VerifySignature checks the header against the raw body using every
// candidate secret (current first, then previous during rotation). The
// comparison is constant time per candidate.
func VerifySignature(header string, body []byte, now time.Time, secrets ...[]byte) error {
	sig, err := parseSignature(header)
	if err != nil {
		return err
	}
	delta := now.Unix() - sig.timestamp
	if delta > int64(Tolerance.Seconds()) || delta < -int64(Tolerance.Seconds()) {
		return ErrStaleTimestamp
	}
	for _, secret := range secrets {
		if len(secret) == 0 {
			continue
		}
		if hmac.Equal(sig.v1, computeMAC(secret, sig.timestamp, body)) {
			return nil
		}
	}
	return ErrBadSignature
}

// Sign produces a header value for a body. Used by adapters' sandbox mode
// and by tests.
func Sign(secret []byte, timestamp int64, body []byte) string {
	return fmt.Sprintf("t=%d,v1=%s", timestamp, hex.EncodeToString(computeMAC(secret, timestamp, body)))
}
