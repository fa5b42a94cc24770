// Package keyhash derives deterministic keys for document store records.
package keyhash

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// IndexEntryPK computes a hash-distributed partition key for one index entry.
// Every (index, values) tuple lands on its own partition, so lookups never
// fan out and hot partitions are avoided.
func IndexEntryPK(index string, values []string) string {
	data := index + "#" + strings.Join(values, "#")
	h := sha256.Sum256([]byte(data))
	return hex.EncodeToString(h[:16]) // 128-bit hash as hex
}

// Revision returns the revision token that follows prev for a document body.
// Tokens have the form "<seq>-<digest>"; an empty prev starts at sequence 1.
func Revision(prev string, body []byte) string {
	h := sha256.Sum256(body)
	return fmt.Sprintf("%d-%s", Sequence(prev)+1, hex.EncodeToString(h[:8]))
}

// Sequence extracts the numeric prefix of a revision token.
// Malformed or empty tokens report 0.
func Sequence(rev string) int {
	prefix, _, ok := strings.Cut(rev, "-")
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(prefix)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
