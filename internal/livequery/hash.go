package livequery

import (
	"encoding/hex"
	"encoding/json"

	"golang.org/x/crypto/blake2b"
)

// ResponseHash is a Blake2b-256 digest of the raw serialised payload bytes.
// It is the only thing a cohort retains between ticks: payloads themselves
// are never stored, which is what keeps memory flat however large the
// subscribed result sets get.
type ResponseHash [blake2b.Size256]byte

// HashResponse fingerprints a serialised payload. Deterministic and pure:
// the digest depends on nothing but the bytes.
func HashResponse(payload []byte) ResponseHash {
	return blake2b.Sum256(payload)
}

// String renders the digest as lowercase hex for diagnostics.
func (h ResponseHash) String() string {
	return hex.EncodeToString(h[:])
}

func (h ResponseHash) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.String())
}

// hashesEqual compares two optional hashes. Two nils are equal; a nil and a
// non-nil are not.
func hashesEqual(a, b *ResponseHash) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
