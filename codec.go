package wisckv

import (
	"encoding/binary"
	"hash/crc32"
	"io"

	"github.com/cespare/xxhash/v2"
	"github.com/guycipher/wisckv/pb"
	"github.com/pkg/errors"
)

// castagnoliTable is the CRC32C (Castagnoli) polynomial table used for every
// on-disk checksum (blocks, table index, manifest change sets, log entries).
var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

func crc32cOf(data []byte) uint64 {
	return uint64(crc32.Checksum(data, castagnoliTable))
}

// calculateChecksum returns a pb.Checksum covering data, tagged with the
// CRC32C algorithm this engine always writes.
func calculateChecksum(data []byte) *pb.Checksum {
	return &pb.Checksum{Algo: pb.ChecksumCRC32C, Sum: crc32cOf(data)}
}

// verifyChecksum recomputes data's checksum under whichever algorithm cs
// names and compares it to cs.Sum. An unknown algorithm is a fatal decode
// error.
func verifyChecksum(data []byte, cs *pb.Checksum) error {
	var got uint64
	switch cs.Algo {
	case pb.ChecksumCRC32C:
		got = crc32cOf(data)
	case pb.ChecksumXXHash64:
		got = xxhash.Sum64(data)
	default:
		return errors.Errorf("unknown checksum algorithm %d", cs.Algo)
	}
	if got != cs.Sum {
		return errors.Errorf("checksum mismatch: got %d, want %d", got, cs.Sum)
	}
	return nil
}

// hashReader wraps an io.Reader, accumulating a CRC32C hash over every byte
// read through it so an entry's header+key+value can be hashed while being
// streamed, without a second pass over the bytes.
type hashReader struct {
	r         io.Reader
	h         uint32
	bytesRead int
}

func newHashReader(r io.Reader) *hashReader {
	return &hashReader{r: r, h: crc32.Checksum(nil, castagnoliTable)}
}

func (h *hashReader) Read(p []byte) (int, error) {
	n, err := h.r.Read(p)
	if n > 0 {
		h.h = crc32.Update(h.h, castagnoliTable, p[:n])
		h.bytesRead += n
	}
	return n, err
}

// ReadByte satisfies io.ByteReader so hashReader can back a bufio.Reader
// efficiently when decoding varints.
func (h *hashReader) ReadByte() (byte, error) {
	var b [1]byte
	_, err := io.ReadFull(h, b[:])
	return b[0], err
}

func (h *hashReader) Sum32() uint32 {
	return h.h
}

// putUvarint is a thin wrapper kept for call-site symmetry with the rest
// of the header codec, which uses protobuf varints throughout the entry
// header.
func putUvarint(buf []byte, v uint64) int {
	return binary.PutUvarint(buf, v)
}
