package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Sum returns the hex-encoded SHA-256 digest of data.
func Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// Short returns the first n bytes of the SHA-256 digest of the joined parts, hex encoded.
// Parts are separated by a NUL byte so ("ab","c") and ("a","bc") differ.
func Short(n int, parts ...string) string {
	h := sha256.New()
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte{0})
		}
		h.Write([]byte(p))
	}
	sum := h.Sum(nil)
	if n <= 0 || n > len(sum) {
		n = len(sum)
	}
	return hex.EncodeToString(sum[:n])
}

// Canonical re-encodes v as JSON with object keys sorted at every level and
// returns the encoding together with its digest.
func Canonical(v any) ([]byte, string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, "", fmt.Errorf("checksum: marshal: %w", err)
	}
	// Decoding into interface{} yields map[string]interface{}, which
	// encoding/json marshals with sorted keys.
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, "", fmt.Errorf("checksum: normalize: %w", err)
	}
	out, err := json.Marshal(generic)
	if err != nil {
		return nil, "", fmt.Errorf("checksum: marshal: %w", err)
	}
	return out, Sum(out), nil
}
