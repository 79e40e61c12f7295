package embed

import (
	"crypto/sha256"
	"encoding/hex"
)

// ContentHash digests preprocessed text into the embedding cache key. The
// model id is folded into the digest because different models yield different
// vectors for identical text; the same text under two models must never share
// a cache entry.
func ContentHash(text, modelID string) string {
	h := sha256.New()
	h.Write([]byte(modelID))
	h.Write([]byte{0})
	h.Write([]byte(text))
	return hex.EncodeToString(h.Sum(nil))
}
