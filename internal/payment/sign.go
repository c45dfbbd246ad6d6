package payment

import (
	"crypto/hmac"
	"encoding/hex"
	"hash"
	"strings"
)

func signHex(h func() hash.Hash, secret, data string) string {
	mac := hmac.New(h, []byte(secret))
	mac.Write([]byte(data))
	return hex.EncodeToString(mac.Sum(nil))
}

// equalSignature compares hex signatures in constant time, ignoring case.
func equalSignature(got, want string) bool {
	return hmac.Equal([]byte(strings.ToLower(got)), []byte(strings.ToLower(want)))
}
