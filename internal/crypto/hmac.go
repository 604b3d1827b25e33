package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

// HMACAuth holds the credentials required for signed requests against the
// exchange's V5 REST API.
type HMACAuth struct {
	Key          string // API key
	Secret       string // API secret
	RecvWindowMs int    // request validity window in milliseconds
}

// SignedHeaders returns the HTTP headers for a signed V5 request. The
// signature is HMAC-SHA256(secret, timestamp + apiKey + recvWindow + payload)
// hex-encoded, where payload is the query string for GET requests and the
// JSON body for POST requests.
//
// Returned header keys:
//   - X-BAPI-API-KEY
//   - X-BAPI-TIMESTAMP
//   - X-BAPI-RECV-WINDOW
//   - X-BAPI-SIGN
func (h *HMACAuth) SignedHeaders(payload string) map[string]string {
	ts := currentTimestampMs()
	recv := strconv.Itoa(h.RecvWindowMs)

	message := ts + h.Key + recv + payload
	sig := hmacSHA256Hex([]byte(h.Secret), message)

	return map[string]string{
		"X-BAPI-API-KEY":     h.Key,
		"X-BAPI-TIMESTAMP":   ts,
		"X-BAPI-RECV-WINDOW": recv,
		"X-BAPI-SIGN":        sig,
	}
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// hmacSHA256Hex computes HMAC-SHA256 of message using key and returns the
// result as a lowercase hex string.
func hmacSHA256Hex(key []byte, message string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

// currentTimestampMs returns the current Unix time in milliseconds as a
// decimal string.
func currentTimestampMs() string {
	return strconv.FormatInt(time.Now().UnixMilli(), 10)
}
