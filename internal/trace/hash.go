package trace

import (
	"crypto/sha256"
	"encoding/hex"
)

// ComputeReportHash hashes a canonical report encoding (sha256, hex).
// The input is expected to come from BuildReport.CanonicalJSON().
func ComputeReportHash(canonicalEncoding []byte) string {
	if len(canonicalEncoding) == 0 {
		return ""
	}
	sum := sha256.Sum256(canonicalEncoding)
	return hex.EncodeToString(sum[:])
}
