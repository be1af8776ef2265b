package core

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
)

// Hash represents a cryptographic hash
type Hash string

// NewHash creates a new hash from data
func NewHash(data []byte) Hash {
	sum := sha256.Sum256(data)
	return Hash(hex.EncodeToString(sum[:]))
}

// String returns the string representation
func (h Hash) String() string {
	return string(h)
}

// variantIDHexLen is the number of hex characters kept from the dimension hash
const variantIDHexLen = 16

// ComputeVariantID derives a stable variant identifier from dimension values.
// Keys are sorted before hashing so map iteration order never leaks into the id.
func ComputeVariantID(dimensions map[string]string) VariantID {
	keys := make([]string, 0, len(dimensions))
	for k := range dimensions {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var data strings.Builder
	for _, key := range keys {
		data.WriteString(strconv.Quote(key))
		data.WriteByte('=')
		data.WriteString(strconv.Quote(dimensions[key]))
		data.WriteByte('\n')
	}

	return VariantID("v_" + NewHash([]byte(data.String())).String()[:variantIDHexLen])
}
