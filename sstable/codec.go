package sstable

import (
	"hash/crc32"

	"github.com/cespare/xxhash/v2"
	"github.com/guycipher/wisckv/pb"
	"github.com/pkg/errors"
)

var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

func crc32cOf(data []byte) uint64 {
	return uint64(crc32.Checksum(data, castagnoliTable))
}

// verifyChecksum recomputes data's checksum under whichever algorithm cs
// names and compares it to cs.Sum.
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
