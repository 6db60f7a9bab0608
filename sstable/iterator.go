package sstable

import (
	"encoding/binary"
	"sort"

	"github.com/guycipher/wisckv/pb"
	"github.com/pkg/errors"
)

// blockReader exposes random access over one verified, decompressed block:
// entries are stored as (overlap, diff) headers plus a
// diff-key and value, each diffed against the block's single base key --
// unlike a restart-chained block, any entry can be decoded independently
// given the base key, since overlap always refers back to it.
type blockReader struct {
	entries []byte // raw entry region, offsets [0, entriesLen)
	offsets []uint32
}

func newBlockReader(raw []byte) (*blockReader, error) {
	// finishBlock's append order is entries | offsets(4*n) | count(4) |
	// checksum | checksum_len(4); walk it back to front.
	if len(raw) < 8 {
		return nil, errors.New("sstable: block truncated")
	}
	checksumLen := int(binary.BigEndian.Uint32(raw[len(raw)-4:]))
	if checksumLen <= 0 || len(raw) < 4+checksumLen+4 {
		return nil, errors.New("sstable: invalid block checksum length")
	}
	checksumOff := len(raw) - 4 - checksumLen
	countOff := checksumOff - 4
	if countOff < 0 {
		return nil, errors.New("sstable: invalid block layout")
	}
	n := int(binary.BigEndian.Uint32(raw[countOff:]))
	offsetsOff := countOff - 4*n
	if offsetsOff < 0 {
		return nil, errors.New("sstable: invalid block entry count")
	}

	cs, err := pb.UnmarshalChecksum(raw[checksumOff : checksumOff+checksumLen])
	if err != nil {
		return nil, errors.Wrap(err, "sstable: bad block checksum message")
	}
	if err := verifyChecksum(raw[:offsetsOff], cs); err != nil {
		return nil, errors.Wrap(err, "sstable: block checksum mismatch")
	}

	offsets := make([]uint32, n)
	for i := 0; i < n; i++ {
		offsets[i] = binary.BigEndian.Uint32(raw[offsetsOff+4*i:])
	}

	return &blockReader{entries: raw[:offsetsOff], offsets: offsets}, nil
}

// entryAt decodes the i'th entry given baseKey (the block's first key).
func (br *blockReader) entryAt(i int, baseKey []byte) (key, value []byte, err error) {
	if i < 0 || i >= len(br.offsets) {
		return nil, nil, errors.Errorf("sstable: entry index %d out of range", i)
	}
	off := br.offsets[i]
	if int(off)+entryHeaderSize > len(br.entries) {
		return nil, nil, errors.New("sstable: corrupt entry offset")
	}
	overlap, diff := decodeEntryHeader(br.entries[off : off+entryHeaderSize])
	pos := int(off) + entryHeaderSize
	if pos+int(diff) > len(br.entries) {
		return nil, nil, errors.New("sstable: corrupt entry diff length")
	}
	diffKey := br.entries[pos : pos+int(diff)]
	pos += int(diff)

	key = make([]byte, int(overlap)+int(diff))
	copy(key, baseKey[:overlap])
	copy(key[overlap:], diffKey)

	var valEnd int
	if i+1 < len(br.offsets) {
		valEnd = int(br.offsets[i+1])
	} else {
		valEnd = len(br.entries)
	}
	if pos > valEnd || valEnd > len(br.entries) {
		return nil, nil, errors.New("sstable: corrupt entry value bounds")
	}
	return key, br.entries[pos:valEnd], nil
}

// seek returns the index of the first entry whose key is >= target, or
// len(offsets) if none is.
func (br *blockReader) seek(target []byte, baseKey []byte, cmp func(a, b []byte) int) int {
	return sort.Search(len(br.offsets), func(i int) bool {
		k, _, err := br.entryAt(i, baseKey)
		if err != nil {
			return true
		}
		return cmp(k, target) >= 0
	})
}

// Iterator walks a table's entries in key order. It is a forward-only
// cursor; callers needing reverse iteration open a new one seeked past the
// target and step block-by-block (tables are small enough in this engine
// that a dedicated reverse cursor is not worth the added complexity).
type Iterator struct {
	t    *Table
	cmp  func(a, b []byte) int
	bIdx int
	br   *blockReader
	eIdx int

	key   []byte
	value []byte
	err   error
}

// NewIterator returns a positioned-before-first iterator over t.
func NewIterator(t *Table, cmp func(a, b []byte) int) *Iterator {
	return &Iterator{t: t, cmp: cmp, bIdx: -1}
}

// SeekToFirst positions the iterator at the smallest key.
func (it *Iterator) SeekToFirst() bool {
	if len(it.t.index.Offsets) == 0 {
		return false
	}
	return it.loadBlock(0) && it.loadEntry(0)
}

// Seek positions the iterator at the first entry with key >= target.
func (it *Iterator) Seek(target []byte) bool {
	idx := it.t.blockIndex(target, it.cmp)
	if !it.loadBlock(idx) {
		return false
	}
	baseKey := it.t.index.Offsets[idx].Key
	e := it.br.seek(target, baseKey, it.cmp)
	if e == len(it.br.offsets) {
		return it.Next2(idx + 1)
	}
	return it.loadEntry(e)
}

// Next2 advances to block bIdx (used internally when a seek overflows a
// block's entries).
func (it *Iterator) Next2(bIdx int) bool {
	if bIdx >= len(it.t.index.Offsets) {
		it.key, it.value = nil, nil
		return false
	}
	if !it.loadBlock(bIdx) {
		return false
	}
	return it.loadEntry(0)
}

// Next advances to the next entry.
func (it *Iterator) Next() bool {
	if it.br == nil {
		return false
	}
	if it.eIdx+1 < len(it.br.offsets) {
		return it.loadEntry(it.eIdx + 1)
	}
	return it.Next2(it.bIdx + 1)
}

func (it *Iterator) loadBlock(idx int) bool {
	br, err := it.t.readBlock(idx)
	if err != nil {
		it.err = err
		return false
	}
	it.bIdx = idx
	it.br = br
	return true
}

func (it *Iterator) loadEntry(idx int) bool {
	baseKey := it.t.index.Offsets[it.bIdx].Key
	k, v, err := it.br.entryAt(idx, baseKey)
	if err != nil {
		it.err = err
		return false
	}
	it.eIdx = idx
	it.key = k
	it.value = v
	return true
}

// Key returns the current internal key.
func (it *Iterator) Key() []byte { return it.key }

// Value returns the current raw ValueStruct encoding.
func (it *Iterator) Value() []byte { return it.value }

// Valid reports whether the iterator is positioned on an entry.
func (it *Iterator) Valid() bool { return it.err == nil && it.key != nil }

// Err returns the first error encountered.
func (it *Iterator) Err() error { return it.err }
