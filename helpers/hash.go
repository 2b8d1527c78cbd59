package helpers

import (
	"encoding/hex"

	"lukechampine.com/blake3"
)

// HashContent returns the BLAKE3 hash of the given content as a hex string.
// Used to fingerprint ingested messages for the audit trail.
func HashContent(content []byte) string {
	sum := blake3.Sum256(content)
	return hex.EncodeToString(sum[:])
}
