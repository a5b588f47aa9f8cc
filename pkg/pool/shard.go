package pool

import "github.com/cespare/xxhash/v2"

// ShardIndex maps a destination token onto [0, shards). It depends only on the token's
// bytes, so the same token always lands on the same shard of a pool of a given size.
// shards must be > 0.
func ShardIndex(token []byte, shards int) int {
	return int(xxhash.Sum64(token) % uint64(shards))
}
