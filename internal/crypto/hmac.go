package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strconv"
	"time"
)

// SignQueryHex computes HMAC-SHA256 of a URL query string and returns it
// hex-encoded. This is the signature scheme Binance-style venues append as
// the "signature" query parameter.
func SignQueryHex(secret, query string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

// SignMessageBase64 computes HMAC-SHA256 of message and returns it base64
// standard-encoded. KuCoin-style venues sign timestamp+method+path+body this
// way and carry the result in a header.
func SignMessageBase64(secret, message string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// KucoinHeaders builds the KC-API-* authentication headers for one request.
// The passphrase itself is HMAC-signed with the secret (API key version 2).
// ts is the request timestamp in Unix milliseconds; pass 0 to use now.
func KucoinHeaders(key, secret, passphrase, method, path, body string, ts int64) map[string]string {
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}
	tsStr := strconv.FormatInt(ts, 10)
	return map[string]string{
		"KC-API-KEY":         key,
		"KC-API-SIGN":        SignMessageBase64(secret, tsStr+method+path+body),
		"KC-API-TIMESTAMP":   tsStr,
		"KC-API-PASSPHRASE":  SignMessageBase64(secret, passphrase),
		"KC-API-KEY-VERSION": "2",
	}
}
