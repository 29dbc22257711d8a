package service

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHMACSignatureService_SignAndVerify(t *testing.T) {
	svc := NewHMACSignatureService()
	payload := svc.BuildCanonicalString("POST", "/webhooks/bank", 1708092000, "n-1", `{"event_type":"deposit.received"}`)

	signature := svc.Sign("bank-secret", payload)
	assert.Regexp(t, `^[0-9a-f]{64}$`, signature)

	assert.True(t, svc.Verify("bank-secret", payload, signature))
	assert.True(t, svc.Verify("bank-secret", payload, SignaturePrefix+signature))
	assert.False(t, svc.Verify("chain-secret", payload, signature))
	assert.False(t, svc.Verify("bank-secret", payload+" ", signature))
}

func TestHMACSignatureService_VerifyRejectsMalformed(t *testing.T) {
	svc := NewHMACSignatureService()
	sig := svc.Sign("key", "data")

	assert.False(t, svc.Verify("key", "data", "not-hex"))
	assert.False(t, svc.Verify("key", "data", ""))
	assert.False(t, svc.Verify("", "data", svc.Sign("", "data")))
	assert.True(t, svc.Verify("key", "data", strings.ToUpper(sig)))
}

func TestHMACSignatureService_BuildCanonicalString(t *testing.T) {
	svc := NewHMACSignatureService()

	got := svc.BuildCanonicalString("post", "/webhooks/chain", 1708092000, "abc", "")

	// sha256 of the empty string
	want := "POST\n/webhooks/chain\n1708092000\nabc\ne3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	assert.Equal(t, want, got)
	assert.NotEqual(t, got, svc.BuildCanonicalString("POST", "/webhooks/chain", 1708092000, "abc", "{}"))
}
