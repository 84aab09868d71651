package hash

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

const contentPrefix = "b2-"

// Content returns the hex blake2b-256 digest of a document body.
func Content(text string) string {
	sum := blake2b.Sum256([]byte(text))
	return contentPrefix + hex.EncodeToString(sum[:])
}

func Matches(contentHash, text string) bool {
	return contentHash != "" && contentHash == Content(text)
}
