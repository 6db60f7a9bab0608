package wisckv

import (
	"bytes"
	"testing"

	"github.com/guycipher/wisckv/pb"
)

func TestCalculateAndVerifyChecksum(t *testing.T) {
	data := []byte("some block contents to checksum")
	cs := calculateChecksum(data)
	if cs.Algo != pb.ChecksumCRC32C {
		t.Fatalf("calculateChecksum used algo %v, want ChecksumCRC32C", cs.Algo)
	}
	if err := verifyChecksum(data, cs); err != nil {
		t.Fatalf("verifyChecksum on unmodified data: %v", err)
	}
}

func TestVerifyChecksumDetectsCorruption(t *testing.T) {
	data := []byte("some block contents to checksum")
	cs := calculateChecksum(data)

	corrupted := append([]byte(nil), data...)
	corrupted[0] ^= 0xff
	if err := verifyChecksum(corrupted, cs); err == nil {
		t.Fatalf("expected verifyChecksum to reject corrupted data")
	}
}

func TestVerifyChecksumRejectsUnknownAlgorithm(t *testing.T) {
	cs := &pb.Checksum{Algo: 99, Sum: 0}
	if err := verifyChecksum([]byte("x"), cs); err == nil {
		t.Fatalf("expected an error for an unknown checksum algorithm")
	}
}

func TestHashReaderAccumulatesCRC32COverReads(t *testing.T) {
	data := []byte("streamed through a hash reader in multiple small reads")
	hr := newHashReader(bytes.NewReader(data))

	buf := make([]byte, 7)
	for {
		n, err := hr.Read(buf)
		_ = n
		if err != nil {
			break
		}
	}

	want := crc32cOf(data)
	if uint64(hr.Sum32()) != want {
		t.Fatalf("hashReader.Sum32() = %d, want %d", hr.Sum32(), want)
	}
}
