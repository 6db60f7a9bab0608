// Package bloom implements the leveldb-style bloom filter used for
// SSTable block index filters, adapted in structure from
// guycipher-k4/v2/bloomfilter and guycipher-k4/v2/murmur, but with the
// exact hash constants and probing scheme read off
// original_source/src/util/bloom.rs so on-disk filters built by this
// engine have the same false-positive behavior the original documents.
package bloom

// Hash is leveldb's bloom-filter hash, exported so callers (e.g. the
// sstable builder) can compute a key's hash once and reuse it for both
// filter construction and MayContain lookups.
func Hash(data []byte) uint32 {
	return hash(data)
}

// hash is leveldb's bloom-filter hash: a 32-bit Murmur-ish mix with a
// fixed seed, matching original_source/src/util/bloom.rs's hash().
func hash(data []byte) uint32 {
	const (
		seed uint32 = 0xbc9f1d34
		m    uint32 = 0xc6a4a793
	)

	h := seed ^ (uint32(len(data)) * m)
	n := len(data) - len(data)%4
	for i := 0; i < n; i += 4 {
		k := uint32(data[i]) | uint32(data[i+1])<<8 | uint32(data[i+2])<<16 | uint32(data[i+3])<<24
		h += k
		h *= m
		h ^= h >> 16
	}

	switch len(data) - n {
	case 3:
		h += uint32(data[n+2]) << 16
		fallthrough
	case 2:
		h += uint32(data[n+1]) << 8
		fallthrough
	case 1:
		h += uint32(data[n])
		h *= m
		h ^= h >> 24
	}
	return h
}
