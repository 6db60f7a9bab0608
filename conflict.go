package wisckv

import "github.com/cespare/xxhash/v2"

const conflictSetInitialCapacity = 32
const conflictSetLoadFactor = 0.7

// conflictSet is a uint64-keyed hash set used to track a transaction's read
// and write conflict-key fingerprints, adapted from
// guycipher-k4/v2/hashset/hashset.go's bucket-array HashSet: same
// bucket-of-slice-plus-load-factor-doubling shape, specialized to uint64
// keys (xxhash fingerprints of user keys) instead of []byte values so the
// oracle's hot commit path avoids both the murmur hash call and the
// per-insert byte comparison/copy hashset.go does for arbitrary values.
type conflictSet struct {
	buckets  [][]uint64
	size     int
	capacity int
}

func newConflictSet() *conflictSet {
	return &conflictSet{
		buckets:  make([][]uint64, conflictSetInitialCapacity),
		capacity: conflictSetInitialCapacity,
	}
}

func conflictKey(key []byte) uint64 {
	return xxhash.Sum64(key)
}

func (s *conflictSet) index(fp uint64, capacity int) int {
	return int(fp % uint64(capacity))
}

func (s *conflictSet) Add(fp uint64) {
	idx := s.index(fp, s.capacity)
	for _, v := range s.buckets[idx] {
		if v == fp {
			return
		}
	}
	s.buckets[idx] = append(s.buckets[idx], fp)
	s.size++
	if float64(s.size)/float64(s.capacity) > conflictSetLoadFactor {
		s.resize()
	}
}

func (s *conflictSet) resize() {
	newCap := s.capacity * 2
	newBuckets := make([][]uint64, newCap)
	for _, bucket := range s.buckets {
		for _, fp := range bucket {
			idx := s.index(fp, newCap)
			newBuckets[idx] = append(newBuckets[idx], fp)
		}
	}
	s.buckets = newBuckets
	s.capacity = newCap
}

func (s *conflictSet) Has(fp uint64) bool {
	idx := s.index(fp, s.capacity)
	for _, v := range s.buckets[idx] {
		if v == fp {
			return true
		}
	}
	return false
}

// Intersects reports whether any fingerprint in other is also present in s,
// used by the oracle's commit-time conflict check: a read txn conflicts
// with a committed txn that wrote a key the reader also read.
func (s *conflictSet) Intersects(other *conflictSet) bool {
	small, big := s, other
	if small.size > big.size {
		small, big = big, small
	}
	for _, bucket := range small.buckets {
		for _, fp := range bucket {
			if big.Has(fp) {
				return true
			}
		}
	}
	return false
}

func (s *conflictSet) Range(fn func(fp uint64)) {
	for _, bucket := range s.buckets {
		for _, fp := range bucket {
			fn(fp)
		}
	}
}
