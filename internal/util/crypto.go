package util

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
)

const tokenBytes = 32

// CodeCharset is the alphabet for device codes. Visually confusable
// characters (I, L, O, 0, 1) are excluded.
const CodeCharset = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

// GenerateToken returns a 256-bit random value as 64 hex characters.
func GenerateToken() (string, error) {
	bytes := make([]byte, tokenBytes)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

// GenerateDeviceCode returns a code in XXXX-XXXX format drawn from CodeCharset.
func GenerateDeviceCode() (string, error) {
	chars := []byte(CodeCharset)
	max := big.NewInt(int64(len(chars)))

	code := make([]byte, 9)
	for i := 0; i < 9; i++ {
		if i == 4 {
			code[i] = '-'
			continue
		}
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		code[i] = chars[n.Int64()]
	}
	return string(code), nil
}

// HashToken returns the salted SHA-256 hash of a token, hex-encoded.
// With an empty secret this degrades to a plain SHA-256.
func HashToken(secret, token string) string {
	if secret == "" {
		hash := sha256.Sum256([]byte(token))
		return hex.EncodeToString(hash[:])
	}
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(token))
	return hex.EncodeToString(h.Sum(nil))
}

// MaskCode hides the second half of a device code for log output.
func MaskCode(code string) string {
	if len(code) <= 4 {
		return "****"
	}
	return fmt.Sprintf("%s-****", code[:4])
}
