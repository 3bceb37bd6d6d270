package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
)

// canonicalBody re-marshals a JSON body so that object keys are sorted
// and insignificant whitespace is dropped. Two payloads that differ only
// in formatting produce the same signature. Non-JSON bodies are signed
// byte-for-byte.
func canonicalBody(body []byte) []byte {
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return body
	} else if out, err := json.Marshal(v); err == nil {
		return out
	}
	return body
}

// SignBody returns the lowercase hex HMAC-SHA256 of the canonical JSON
// form of |body| under |secret|.
func SignBody(body []byte, secret string) string {
	var mac = hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(canonicalBody(body))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether |signatureHex| is a valid signature of
// |body| under |secret|. Comparison is constant-time. A missing signature
// or missing secret never verifies.
func VerifySignature(body []byte, signatureHex, secret string) bool {
	if signatureHex == "" || secret == "" {
		return false
	}
	var want = SignBody(body, secret)
	return hmac.Equal([]byte(want), []byte(strings.ToLower(signatureHex)))
}
