// Package pb holds the wire messages shared by the manifest and the
// sstable index/block footers. Real badger generates this package from a
// .proto file with protoc; the retrieval pack available to this build has
// no protobuf compiler or generated-code example to crib from, so the
// messages below are hand-encoded against google.golang.org/protobuf's
// low-level protowire helpers instead -- the same wire format a generated
// message would produce, built by hand.
package pb

import (
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// ChecksumAlgorithm is a tagged enum for dynamic dispatch over the
// checksum algorithm used to guard a table block or table index. CRC32C
// is the only algorithm this engine ever writes; XXHash64 is accepted on
// decode so the format stays extensible.
type ChecksumAlgorithm int32

const (
	ChecksumCRC32C   ChecksumAlgorithm = 0
	ChecksumXXHash64 ChecksumAlgorithm = 1
)

// Checksum is the (algorithm, sum) pair stamped after every block and
// every sstable index.
type Checksum struct {
	Algo ChecksumAlgorithm
	Sum  uint64
}

func (c *Checksum) Marshal() []byte {
	var b []byte
	if c.Algo != ChecksumCRC32C {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(c.Algo))
	}
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, c.Sum)
	return b
}

func UnmarshalChecksum(b []byte) (*Checksum, error) {
	c := &Checksum{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, errors.New("pb: bad checksum tag")
		}
		b = b[n:]
		switch num {
		case 1:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, errors.New("pb: bad checksum algo")
			}
			c.Algo = ChecksumAlgorithm(v)
			b = b[n:]
		case 2:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, errors.New("pb: bad checksum sum")
			}
			c.Sum = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, errors.New("pb: bad checksum field")
			}
			b = b[n:]
		}
	}
	return c, nil
}

// ManifestChangeOp mirrors the Create/Delete operations a manifest change
// set carries.
type ManifestChangeOp int32

const (
	ManifestCreate ManifestChangeOp = 0
	ManifestDelete ManifestChangeOp = 1
)

// ManifestChange describes a single table creation or deletion.
type ManifestChange struct {
	ID          uint64
	Op          ManifestChangeOp
	Level       uint32
	KeyID       uint64
	Compression uint32
}

func NewCreateChange(id uint64, level uint32, keyID uint64) *ManifestChange {
	return &ManifestChange{ID: id, Op: ManifestCreate, Level: level, KeyID: keyID}
}

func NewDeleteChange(id uint64) *ManifestChange {
	return &ManifestChange{ID: id, Op: ManifestDelete}
}

func (m *ManifestChange) marshalInto(b []byte) []byte {
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, m.ID)
	if m.Op != ManifestCreate {
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.Op))
	}
	if m.Level != 0 {
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.Level))
	}
	if m.KeyID != 0 {
		b = protowire.AppendTag(b, 4, protowire.VarintType)
		b = protowire.AppendVarint(b, m.KeyID)
	}
	if m.Compression != 0 {
		b = protowire.AppendTag(b, 5, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.Compression))
	}
	return b
}

func unmarshalChange(b []byte) (*ManifestChange, error) {
	m := &ManifestChange{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, errors.New("pb: bad change tag")
		}
		b = b[n:]
		switch num {
		case 1:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, errors.New("pb: bad change id")
			}
			m.ID = v
			b = b[n:]
		case 2:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, errors.New("pb: bad change op")
			}
			m.Op = ManifestChangeOp(v)
			b = b[n:]
		case 3:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, errors.New("pb: bad change level")
			}
			m.Level = uint32(v)
			b = b[n:]
		case 4:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, errors.New("pb: bad change key id")
			}
			m.KeyID = v
			b = b[n:]
		case 5:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, errors.New("pb: bad change compression")
			}
			m.Compression = uint32(v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, errors.New("pb: bad change field")
			}
			b = b[n:]
		}
	}
	return m, nil
}

// ManifestChangeSet is the atomicity unit of a manifest append: a batch of
// changes applied all-or-nothing on replay.
type ManifestChangeSet struct {
	Changes []*ManifestChange
}

func (s *ManifestChangeSet) Marshal() []byte {
	var b []byte
	for _, c := range s.Changes {
		inner := c.marshalInto(nil)
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, inner)
	}
	return b
}

func UnmarshalChangeSet(b []byte) (*ManifestChangeSet, error) {
	s := &ManifestChangeSet{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, errors.New("pb: bad change set tag")
		}
		b = b[n:]
		if num != 1 || typ != protowire.BytesType {
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, errors.New("pb: bad change set field")
			}
			b = b[n:]
			continue
		}
		inner, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, errors.New("pb: bad change set entry")
		}
		b = b[n:]
		ch, err := unmarshalChange(inner)
		if err != nil {
			return nil, err
		}
		s.Changes = append(s.Changes, ch)
	}
	return s, nil
}

// TableIndex is the per-table footer: block offsets plus the table-level
// metadata consulted by the levels controller.
type TableIndex struct {
	Offsets          []*BlockOffset
	BloomFilter      []byte
	MaxVersion       uint64
	KeyCount         uint32
	UncompressedSize uint32
	OnDiskSize       uint32
	StaleDataSize    uint32
}

// BlockOffset records where a block's base key lands in the file.
type BlockOffset struct {
	Key    []byte
	Offset uint32
	Len    uint32
}

func (idx *TableIndex) Marshal() []byte {
	var b []byte
	for _, o := range idx.Offsets {
		var inner []byte
		inner = protowire.AppendTag(inner, 1, protowire.BytesType)
		inner = protowire.AppendBytes(inner, o.Key)
		inner = protowire.AppendTag(inner, 2, protowire.VarintType)
		inner = protowire.AppendVarint(inner, uint64(o.Offset))
		inner = protowire.AppendTag(inner, 3, protowire.VarintType)
		inner = protowire.AppendVarint(inner, uint64(o.Len))
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, inner)
	}
	if len(idx.BloomFilter) > 0 {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, idx.BloomFilter)
	}
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, idx.MaxVersion)
	b = protowire.AppendTag(b, 4, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(idx.KeyCount))
	b = protowire.AppendTag(b, 5, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(idx.UncompressedSize))
	b = protowire.AppendTag(b, 6, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(idx.OnDiskSize))
	b = protowire.AppendTag(b, 7, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(idx.StaleDataSize))
	return b
}

func UnmarshalTableIndex(b []byte) (*TableIndex, error) {
	idx := &TableIndex{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, errors.New("pb: bad index tag")
		}
		b = b[n:]
		switch num {
		case 1:
			inner, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, errors.New("pb: bad index block offset")
			}
			b = b[n:]
			bo, err := unmarshalBlockOffset(inner)
			if err != nil {
				return nil, err
			}
			idx.Offsets = append(idx.Offsets, bo)
		case 2:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, errors.New("pb: bad index bloom filter")
			}
			idx.BloomFilter = append([]byte(nil), v...)
			b = b[n:]
		case 3:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, errors.New("pb: bad index max version")
			}
			idx.MaxVersion = v
			b = b[n:]
		case 4:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, errors.New("pb: bad index key count")
			}
			idx.KeyCount = uint32(v)
			b = b[n:]
		case 5:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, errors.New("pb: bad index uncompressed size")
			}
			idx.UncompressedSize = uint32(v)
			b = b[n:]
		case 6:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, errors.New("pb: bad index on-disk size")
			}
			idx.OnDiskSize = uint32(v)
			b = b[n:]
		case 7:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, errors.New("pb: bad index stale data size")
			}
			idx.StaleDataSize = uint32(v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, errors.New("pb: bad index field")
			}
			b = b[n:]
		}
	}
	return idx, nil
}

func unmarshalBlockOffset(b []byte) (*BlockOffset, error) {
	bo := &BlockOffset{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, errors.New("pb: bad block offset tag")
		}
		b = b[n:]
		switch num {
		case 1:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, errors.New("pb: bad block offset key")
			}
			bo.Key = append([]byte(nil), v...)
			b = b[n:]
		case 2:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, errors.New("pb: bad block offset value")
			}
			bo.Offset = uint32(v)
			b = b[n:]
		case 3:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, errors.New("pb: bad block offset len")
			}
			bo.Len = uint32(v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, errors.New("pb: bad block offset field")
			}
			b = b[n:]
		}
	}
	return bo, nil
}
