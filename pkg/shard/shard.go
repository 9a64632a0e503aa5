// Package shard maps keys onto a fixed number of lock stripes.
package shard

import (
	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

// Count is the number of stripes used by every sharded map in the service.
// Tune 16/64/128 depending on load.
const Count = 64

// Of returns the stripe for a uuid key
func Of(id uuid.UUID) int {
	return int(xxhash.Sum64(id[:]) % Count)
}

// OfString returns the stripe for a string key
func OfString(key string) int {
	if key == "" {
		return 0
	}
	return int(xxhash.Sum64String(key) % Count)
}
