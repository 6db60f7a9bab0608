package bloom

import "math"

// Filter is an immutable bloom filter, bit-compatible with leveldb's:
// delta-spaced probe positions over a single bit array with a trailing
// byte recording k.
type Filter []byte

// BitsPerKey returns the bits-per-key value that achieves the given false
// positive rate, for use when sizing a new filter.
func BitsPerKey(falsePositiveRate float64) int {
	if falsePositiveRate <= 0 {
		falsePositiveRate = 0.01
	}
	bitsPerKey := -1 * math.Log(falsePositiveRate) / (math.Ln2 * math.Ln2)
	return int(math.Ceil(bitsPerKey))
}

// NewFilter builds a filter over keys, sized for bitsPerKey.
func NewFilter(keys [][]byte, bitsPerKey int) Filter {
	hashes := make([]uint32, len(keys))
	for i, key := range keys {
		hashes[i] = hash(key)
	}
	return NewFilterFromHashes(hashes, bitsPerKey)
}

// NewFilterFromHashes builds a filter from already-computed key hashes, for
// callers (like the sstable builder) that hash each key once on insert and
// want to avoid a second pass over raw keys when the table is finished.
func NewFilterFromHashes(hashes []uint32, bitsPerKey int) Filter {
	if bitsPerKey < 0 {
		bitsPerKey = 0
	}

	k := uint32(float64(bitsPerKey) * 0.69) // ln(2)
	if k < 1 {
		k = 1
	}
	if k > 30 {
		k = 30
	}

	nBits := len(hashes) * bitsPerKey
	if nBits < 64 {
		nBits = 64
	}
	nBytes := (nBits + 7) / 8
	nBits = nBytes * 8

	filter := make([]byte, nBytes+1)
	for _, h := range hashes {
		delta := h>>17 | h<<15
		for j := uint32(0); j < k; j++ {
			bitPos := h % uint32(nBits)
			filter[bitPos/8] |= 1 << (bitPos % 8)
			h += delta
		}
	}
	filter[nBytes] = byte(k)

	return filter
}

// MayContain reports whether key might be present in f. False positives
// are possible; false negatives are not.
func (f Filter) MayContain(key []byte) bool {
	return f.MayContainHash(hash(key))
}

// MayContainHash is the same probe as MayContain, but over an
// already-computed key hash (as returned by Hash). Builders that hash each
// key once on insert (NewFilterFromHashes) and readers that cache a key's
// hash for other purposes should call this instead of MayContain, so the
// hash function is never applied twice to the same key.
func (f Filter) MayContainHash(h uint32) bool {
	if len(f) < 2 {
		return false
	}
	k := f[len(f)-1]
	if k > 30 {
		// Filters encoded by a newer, unrecognized scheme are treated as
		// "might contain" so callers fall back to a real lookup.
		return true
	}

	nBits := uint32((len(f) - 1) * 8)
	if nBits == 0 {
		return false
	}

	delta := h>>17 | h<<15
	for j := byte(0); j < k; j++ {
		bitPos := h % nBits
		if f[bitPos/8]&(1<<(bitPos%8)) == 0 {
			return false
		}
		h += delta
	}
	return true
}
