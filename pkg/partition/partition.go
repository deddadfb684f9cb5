// Package partition implements the single stable-hash function shared by
// every broker adapter and by the ordered processor, so that partition
// assignment is a pure function of (partition key, partition count)
// regardless of which component computes it.
package partition

import (
	"crypto/md5"
	"encoding/binary"
)

// Assign hashes key with MD5, interprets the first four bytes of the
// digest as a big-endian unsigned integer, and reduces modulo n. The
// result is stable across languages and process restarts, which is
// required since both ends of a partitioned topic (producer and any
// consumer group member) must agree on assignment without coordination.
func Assign(key string, n int) int {
	if n <= 0 {
		return 0
	}
	sum := md5.Sum([]byte(key))
	h := binary.BigEndian.Uint32(sum[:4])
	return int(h % uint32(n))
}
