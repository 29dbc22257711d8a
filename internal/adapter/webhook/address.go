package webhook

import (
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/sha3"
)

// ValidAddress reports whether s is a 20-byte hex account address. Mixed-case
// addresses must carry a correct EIP-55 checksum; all-lower and all-upper
// forms carry none and are accepted.
func ValidAddress(s string) bool {
	if len(s) != 42 || !strings.HasPrefix(s, "0x") {
		return false
	}
	body := s[2:]
	if _, err := hex.DecodeString(body); err != nil {
		return false
	}
	lower := strings.ToLower(body)
	if body == lower || body == strings.ToUpper(body) {
		return true
	}
	return ChecksumAddress(lower) == s
}

// ChecksumAddress returns the EIP-55 form of a lowercase hex address without prefix.
func ChecksumAddress(lowerHex string) string {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(lowerHex))
	digest := hex.EncodeToString(h.Sum(nil))

	out := []byte(lowerHex)
	for i, c := range out {
		if c >= 'a' && c <= 'f' && digest[i] >= '8' {
			out[i] = c - 'a' + 'A'
		}
	}
	return "0x" + string(out)
}

// ValidTxHash reports whether s is a 32-byte 0x-prefixed hex hash.
func ValidTxHash(s string) bool {
	if len(s) != 66 || !strings.HasPrefix(s, "0x") {
		return false
	}
	_, err := hex.DecodeString(s[2:])
	return err == nil
}
