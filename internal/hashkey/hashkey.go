// Package hashkey builds the partition keys of keystone's DynamoDB tables.
package hashkey

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// counterPrefix cannot start a key text form, whose first byte is a kind.
const counterPrefix = "#counter#"

// IndexPK computes the index partition key for one (kind, property, value) triple.
// Hashing spreads hot values over partitions and keeps arbitrary value tokens
// within DynamoDB key size limits.
func IndexPK(kind, property, token string) string {
	data := fmt.Sprintf("%d:%s#%d:%s#%s", len(kind), kind, len(property), property, token)
	h := sha256.Sum256([]byte(data))
	return hex.EncodeToString(h[:16]) // 128-bit hash as hex
}

// CounterPK returns the key of the item holding the next id allocated for kind.
func CounterPK(kind string) string {
	return counterPrefix + kind
}

// IsCounterPK reports whether pk is an id counter item.
func IsCounterPK(pk string) bool {
	return len(pk) > len(counterPrefix) && pk[:len(counterPrefix)] == counterPrefix
}
