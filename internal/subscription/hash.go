package subscription

import (
	"encoding/json"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// ContentHash digests the JSON encoding of v. encoding/json writes map keys
// in sorted order, so equal values hash equally. Not a security primitive.
func ContentHash(v any) (uint64, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("content hash: %w", err)
	}
	return xxhash.Sum64(b), nil
}
