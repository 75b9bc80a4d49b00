package venue

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// Sign computes the HMAC-SHA256 signature over the canonical serialization of
// params. Keys are sorted lexicographically before concatenation into
// key=value&key=value form; the venue reproduces the same ordering when
// verifying, so this is a correctness requirement rather than a convention.
func Sign(params map[string]string, secret string) string {
	return hmacHex(canonical(params), secret)
}

// SignedQuery returns the canonical query string with the signature appended
// as the final parameter, ready to be sent on the wire.
func SignedQuery(params map[string]string, secret string) string {
	payload := canonical(params)
	return payload + "&signature=" + hmacHex(payload, secret)
}

func canonical(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(params[k])
	}
	return sb.String()
}

func hmacHex(message, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(message))
	return hex.EncodeToString(h.Sum(nil))
}
