package wisckv

import "encoding/binary"

// ReservedPrefix marks internal bookkeeping keys. User keys
// may not begin with it.
var ReservedPrefix = []byte("!wisckv!")

const (
	// MaxKeySize bounds a user key.
	MaxKeySize = 65000
	// maxKeyLenOnDisk is the decode-time sanity bound on a stored key_len:
	// a corrupt/oversized header signals truncation rather than a hard
	// error.
	maxKeyLenOnDisk = 65536
)

// keyWithTs appends the 8-byte big-endian encoding of (MaxUint64 - version)
// to userKey, so that for a fixed user key, larger versions sort before
// smaller ones.
func keyWithTs(userKey []byte, version uint64) []byte {
	out := make([]byte, len(userKey)+8)
	n := copy(out, userKey)
	binary.BigEndian.PutUint64(out[n:], ^version)
	return out
}

// appendTs is the in-place variant used by hot paths that already own a
// big-enough buffer (memtable/sstable internal-key construction).
func appendTs(dst, userKey []byte, version uint64) []byte {
	dst = append(dst, userKey...)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], ^version)
	return append(dst, buf[:]...)
}

// parseKey strips the trailing version suffix, returning the user key.
func parseKey(key []byte) []byte {
	if len(key) < 8 {
		return key
	}
	return key[:len(key)-8]
}

// parseTs extracts the version encoded in an internal key.
func parseTs(key []byte) uint64 {
	if len(key) < 8 {
		return 0
	}
	return ^binary.BigEndian.Uint64(key[len(key)-8:])
}

// compareKeys orders internal keys by (user key ascending, version
// descending): user keys are compared first, and only when they are equal
// are the decoded versions compared, newest first.
func compareKeys(a, b []byte) int {
	ua, ub := parseKey(a), parseKey(b)
	if c := compareBytes(ua, ub); c != 0 {
		return c
	}
	ta, tb := parseTs(a), parseTs(b)
	switch {
	case ta == tb:
		return 0
	case ta > tb:
		return -1 // newer version sorts first
	default:
		return 1
	}
}

func compareBytes(a, b []byte) int {
	switch {
	case len(a) < len(b):
		if c := compareBytesRaw(a, b[:len(a)]); c != 0 {
			return c
		}
		return -1
	case len(a) > len(b):
		if c := compareBytesRaw(a[:len(b)], b); c != 0 {
			return c
		}
		return 1
	default:
		return compareBytesRaw(a, b)
	}
}

func compareBytesRaw(a, b []byte) int {
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// isReservedKey reports whether key carries the internal bookkeeping prefix.
func isReservedKey(key []byte) bool {
	if len(key) < len(ReservedPrefix) {
		return false
	}
	for i, b := range ReservedPrefix {
		if key[i] != b {
			return false
		}
	}
	return true
}

// samePrefix returns the length of the shared byte prefix of a and b.
func samePrefix(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}
