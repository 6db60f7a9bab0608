// Package sstable implements the immutable, block-framed on-disk table
// format: a Builder assembles blocks of
// prefix-compressed entries and appends a checksummed index footer; a
// Table memory-maps a finished file and a block/table Iterator walks it.
//
// The block and footer layout are grounded directly on
// original_source/src/table/builder.rs's Header/Bblock/BuildData types;
// the restart-free, fully-shared-prefix-per-block scheme and the
// iterator's binary-search-over-entry-offsets style come from
// dialtr-pebble/sstable/block.go. The footer index itself uses
// github.com/guycipher/wisckv/pb.TableIndex (protowire-encoded) in place
// of the original's flatbuffers schema, since the retrieval pack carries
// no flatbuffer compiler or generated-code example.
package sstable

import (
	"encoding/binary"

	"github.com/guycipher/wisckv/bloom"
	"github.com/guycipher/wisckv/pb"
	"github.com/pkg/errors"
)

// blockPadding is slack reserved per block so should_finish_block's size
// estimate never needs a second pass (original_source/src/table/builder.rs).
const blockPadding = 256

// Options configures a Builder.
type Options struct {
	BlockSize          int
	BloomFalsePositive float64
}

type block struct {
	data         []byte
	baseKey      []byte
	entryOffsets []uint32
	end          int
}

func newBlock(size int) *block {
	return &block{data: make([]byte, 0, size)}
}

// Builder accumulates entries into blocks and produces a finished table.
type Builder struct {
	opts Options

	curBlock  *block
	blockList []*block

	keyHashes  []uint32
	maxVersion uint64
	onDiskSize uint32
}

// NewBuilder returns a Builder configured by opts.
func NewBuilder(opts Options) *Builder {
	return &Builder{
		opts:     opts,
		curBlock: newBlock(opts.BlockSize + blockPadding),
	}
}

// entryHeaderSize is the size of the per-entry (overlap, diff) prefix-compression header:
// two big-endian uint16s, matching original_source/src/table/builder.rs's
// #[repr(C)] Header (overlap, diff), re-expressed portably.
const entryHeaderSize = 4

func encodeEntryHeader(overlap, diff uint16) [entryHeaderSize]byte {
	var b [entryHeaderSize]byte
	binary.BigEndian.PutUint16(b[0:2], overlap)
	binary.BigEndian.PutUint16(b[2:4], diff)
	return b
}

func decodeEntryHeader(b []byte) (overlap, diff uint16) {
	return binary.BigEndian.Uint16(b[0:2]), binary.BigEndian.Uint16(b[2:4])
}

// Add appends one internal-key/value pair. key must already carry its
// version suffix; value is the already-built ValueStruct
// encoding.
func (b *Builder) Add(key []byte, value []byte, parsedKeyHash uint32, version uint64) {
	if b.shouldFinishBlock(key, value) {
		b.finishBlock()
		b.curBlock = newBlock(b.opts.BlockSize + blockPadding)
	}
	b.addHelper(key, value, parsedKeyHash, version)
}

func (b *Builder) addHelper(key []byte, value []byte, parsedKeyHash uint32, version uint64) {
	b.keyHashes = append(b.keyHashes, parsedKeyHash)
	if version > b.maxVersion {
		b.maxVersion = version
	}

	var diffKey []byte
	if len(b.curBlock.baseKey) == 0 {
		b.curBlock.baseKey = append([]byte(nil), key...)
		diffKey = key
	} else {
		diffKey = b.keyDiff(key)
	}

	overlap := len(key) - len(diffKey)
	b.curBlock.entryOffsets = append(b.curBlock.entryOffsets, uint32(b.curBlock.end))

	hdr := encodeEntryHeader(uint16(overlap), uint16(len(diffKey)))
	b.append(hdr[:])
	b.append(diffKey)
	b.append(value)

	b.onDiskSize += uint32(len(value))
}

func (b *Builder) keyDiff(key []byte) []byte {
	base := b.curBlock.baseKey
	n := len(key)
	if len(base) < n {
		n = len(base)
	}
	i := 0
	for i < n && key[i] == base[i] {
		i++
	}
	return key[i:]
}

// shouldFinishBlock estimates whether adding (key, value) would overflow
// the configured block size, including the trailing offsets/checksum
// footer (original_source/src/table/builder.rs's should_finish_block).
func (b *Builder) shouldFinishBlock(key, value []byte) bool {
	n := len(b.curBlock.entryOffsets)
	if n == 0 {
		return false
	}
	footer := uint32(n+1)*4 + (4 + 8 + 4)
	estimated := uint32(b.curBlock.end) + entryHeaderSize + uint32(len(key)) + uint32(len(value)) + footer
	return estimated > uint32(b.opts.BlockSize)
}

func (b *Builder) append(data []byte) {
	b.curBlock.data = append(b.curBlock.data, data...)
	b.curBlock.end += len(data)
}

// finishBlock appends the entry-offsets table and a checksum trailer to
// the current block, then archives it.
func (b *Builder) finishBlock() {
	if len(b.curBlock.entryOffsets) == 0 {
		return
	}

	for _, off := range b.curBlock.entryOffsets {
		var buf [4]byte
		binary.BigEndian.PutUint32(buf[:], off)
		b.append(buf[:])
	}
	var countBuf [4]byte
	binary.BigEndian.PutUint32(countBuf[:], uint32(len(b.curBlock.entryOffsets)))
	b.append(countBuf[:])

	cs := calculateBlockChecksum(b.curBlock.data[:b.curBlock.end])
	csBytes := cs.Marshal()
	b.append(csBytes)
	var csLen [4]byte
	binary.BigEndian.PutUint32(csLen[:], uint32(len(csBytes)))
	b.append(csLen[:])

	b.blockList = append(b.blockList, b.curBlock)
}

// Empty reports whether any entry has been added.
func (b *Builder) Empty() bool {
	return len(b.blockList) == 0 && len(b.curBlock.entryOffsets) == 0
}

// Finish completes the table: flushes the open block, builds the bloom
// filter and index, and returns the fully assembled file contents laid out
// as block-list | index | index_len | checksum | checksum_len.
func (b *Builder) Finish() ([]byte, error) {
	b.finishBlock()
	if len(b.blockList) == 0 {
		return nil, nil
	}

	var filter bloom.Filter
	if b.opts.BloomFalsePositive > 0 {
		bits := bloom.BitsPerKey(b.opts.BloomFalsePositive)
		filter = bloom.NewFilterFromHashes(b.keyHashes, bits)
	}

	idx, dataSize := b.buildIndex(filter)
	idxBytes := idx.Marshal()
	cs := calculateBlockChecksum(idxBytes)
	csBytes := cs.Marshal()

	total := dataSize + uint32(len(idxBytes)) + 4 + uint32(len(csBytes)) + 4
	out := make([]byte, total)
	var written uint32
	for _, blk := range b.blockList {
		written += uint32(copy(out[written:], blk.data[:blk.end]))
	}
	written += uint32(copy(out[written:], idxBytes))
	binary.BigEndian.PutUint32(out[written:], uint32(len(idxBytes)))
	written += 4
	written += uint32(copy(out[written:], csBytes))
	binary.BigEndian.PutUint32(out[written:], uint32(len(csBytes)))
	written += 4

	if written != total {
		return nil, errors.Errorf("sstable: built %d bytes, expected %d", written, total)
	}
	return out, nil
}

func (b *Builder) buildIndex(filter bloom.Filter) (*pb.TableIndex, uint32) {
	var offsets []*pb.BlockOffset
	var dataSize uint32
	for _, blk := range b.blockList {
		offsets = append(offsets, &pb.BlockOffset{
			Key:    append([]byte(nil), blk.baseKey...),
			Offset: dataSize,
			Len:    uint32(blk.end),
		})
		dataSize += uint32(blk.end)
	}
	b.onDiskSize += dataSize
	return &pb.TableIndex{
		Offsets:          offsets,
		BloomFilter:      filter,
		MaxVersion:       b.maxVersion,
		KeyCount:         uint32(len(b.keyHashes)),
		UncompressedSize: dataSize,
		OnDiskSize:       b.onDiskSize,
	}, dataSize
}

func calculateBlockChecksum(data []byte) *pb.Checksum {
	return &pb.Checksum{Algo: pb.ChecksumCRC32C, Sum: crc32cOf(data)}
}
