package service

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// SignaturePrefix may precede the hex digest in provider signature headers.
const SignaturePrefix = "sha256="

// HMACSignatureService implements ports.SignatureService with HMAC-SHA256.
// It verifies inbound provider webhooks and signs outbound rail requests.
type HMACSignatureService struct{}

func NewHMACSignatureService() *HMACSignatureService {
	return &HMACSignatureService{}
}

// Sign returns the lowercase hex HMAC-SHA256 of payload.
func (s *HMACSignatureService) Sign(secretKey string, payload string) string {
	mac := hmac.New(sha256.New, []byte(secretKey))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify compares in constant time. An empty secret never verifies.
func (s *HMACSignatureService) Verify(secretKey string, payload string, signature string) bool {
	if secretKey == "" {
		return false
	}
	got, err := hex.DecodeString(strings.ToLower(strings.TrimPrefix(signature, SignaturePrefix)))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secretKey))
	mac.Write([]byte(payload))
	return hmac.Equal(mac.Sum(nil), got)
}

// BuildCanonicalString joins the signed request parts with newlines. The body
// is represented by its hex SHA-256 so large payloads sign in constant size.
func (s *HMACSignatureService) BuildCanonicalString(method, path string, timestamp int64, nonce string, body string) string {
	sum := sha256.Sum256([]byte(body))
	return strings.Join([]string{
		strings.ToUpper(method),
		path,
		strconv.FormatInt(timestamp, 10),
		nonce,
		hex.EncodeToString(sum[:]),
	}, "\n")
}
