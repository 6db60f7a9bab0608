package sstable

import (
	"encoding/binary"
	"os"
	"sort"

	"github.com/guycipher/wisckv/bloom"
	"github.com/guycipher/wisckv/mmapfile"
	"github.com/guycipher/wisckv/pb"
	"github.com/pkg/errors"
)

// Table is an opened, memory-mapped sstable file. It
// owns no write path; tables are immutable once built by a Builder.
type Table struct {
	mf     *mmapfile.File
	id     uint64
	index  *pb.TableIndex
	filter bloom.Filter

	dataSize int
}

// OpenTable maps path (already written by a Builder) and parses its
// footer.
func OpenTable(path string, id uint64) (*Table, error) {
	mf, err := mmapfile.Open(path, os.O_RDWR, 0)
	if err != nil && err != mmapfile.ErrNewFile {
		return nil, err
	}
	t := &Table{mf: mf, id: id}
	if err := t.readIndex(); err != nil {
		mf.Close()
		return nil, err
	}
	return t, nil
}

// readIndex parses the trailing index|index_len|checksum|checksum_len
// footer.
func (t *Table) readIndex() error {
	size := t.mf.Size()
	if size < 8 {
		return errors.Errorf("sstable: file too small (%d bytes)", size)
	}

	csLenBuf, err := t.mf.Read(size-4, 4)
	if err != nil {
		return err
	}
	csLen := int(binary.BigEndian.Uint32(csLenBuf))
	if csLen <= 0 || size-4-csLen < 4 {
		return errors.New("sstable: invalid checksum length in footer")
	}

	csBytes, err := t.mf.Read(size-4-csLen, csLen)
	if err != nil {
		return err
	}
	cs, err := pb.UnmarshalChecksum(csBytes)
	if err != nil {
		return errors.Wrap(err, "sstable: bad footer checksum message")
	}

	idxLenOffset := size - 4 - csLen - 4
	idxLenBuf, err := t.mf.Read(idxLenOffset, 4)
	if err != nil {
		return err
	}
	idxLen := int(binary.BigEndian.Uint32(idxLenBuf))
	if idxLen <= 0 || idxLenOffset-idxLen < 0 {
		return errors.New("sstable: invalid index length in footer")
	}

	idxOffset := idxLenOffset - idxLen
	idxBytes, err := t.mf.Read(idxOffset, idxLen)
	if err != nil {
		return err
	}
	if err := verifyChecksum(idxBytes, cs); err != nil {
		return errors.Wrap(err, "sstable: index checksum mismatch")
	}

	idx, err := pb.UnmarshalTableIndex(idxBytes)
	if err != nil {
		return errors.Wrap(err, "sstable: bad table index message")
	}
	t.index = idx
	t.dataSize = idxOffset
	if len(idx.BloomFilter) > 0 {
		t.filter = bloom.Filter(idx.BloomFilter)
	}
	return nil
}

// ID returns the table's file id.
func (t *Table) ID() uint64 { return t.id }

// MaxVersion returns the highest MVCC version stored in the table.
func (t *Table) MaxVersion() uint64 { return t.index.MaxVersion }

// KeyCount returns the number of entries the builder recorded.
func (t *Table) KeyCount() uint32 { return t.index.KeyCount }

// Smallest returns the first block's base key, the smallest internal key
// in the table.
func (t *Table) Smallest() []byte {
	if len(t.index.Offsets) == 0 {
		return nil
	}
	return t.index.Offsets[0].Key
}

// Biggest returns the largest internal key in the table: the last entry of
// the last block.
func (t *Table) Biggest() []byte {
	n := len(t.index.Offsets)
	if n == 0 {
		return nil
	}
	br, err := t.readBlock(n - 1)
	if err != nil {
		return t.index.Offsets[n-1].Key
	}
	key, _, err := br.entryAt(len(br.offsets)-1, t.index.Offsets[n-1].Key)
	if err != nil {
		return t.index.Offsets[n-1].Key
	}
	return key
}

// DoesNotHave reports whether hash is definitely absent from the table's
// bloom filter, allowing callers to skip a block read entirely.
func (t *Table) DoesNotHave(hash uint32) bool {
	if len(t.filter) == 0 {
		return false
	}
	return !t.filter.MayContainHash(hash)
}

// blockIndex finds the index of the block whose key range may contain
// key, via binary search over block base keys.
func (t *Table) blockIndex(key []byte, cmp func(a, b []byte) int) int {
	idx := sort.Search(len(t.index.Offsets), func(i int) bool {
		return cmp(t.index.Offsets[i].Key, key) > 0
	})
	if idx == 0 {
		return 0
	}
	return idx - 1
}

// readBlock loads and verifies block i, returning its entry-region bytes
// (stripped of the trailing offsets/checksum footer) and entry offsets.
func (t *Table) readBlock(i int) (*blockReader, error) {
	if i < 0 || i >= len(t.index.Offsets) {
		return nil, errors.Errorf("sstable: block index %d out of range", i)
	}
	bo := t.index.Offsets[i]
	raw, err := t.mf.Read(int(bo.Offset), int(bo.Len))
	if err != nil {
		return nil, err
	}
	return newBlockReader(raw)
}

// Close unmaps the table file.
func (t *Table) Close() error {
	return t.mf.Close()
}

// Delete removes the table file from disk.
func (t *Table) Delete() error {
	return t.mf.Delete()
}
