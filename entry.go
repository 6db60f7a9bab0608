package wisckv

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// Meta flags.
const (
	bitDelete                 byte = 1 << 0 // 1
	bitValuePointer           byte = 1 << 1 // 2
	bitDiscardEarlierVersions byte = 1 << 2 // 4
	bitMergeEntry             byte = 1 << 3 // 8
	bitTxn                    byte = 1 << 6 // 64
	bitFinTxn                 byte = 1 << 7 // 128
)

// maxHeaderSize bounds the encoded header: meta(1) +
// user_meta(1) + three varints of at most 10 bytes each.
const maxHeaderSize = 2 + binary.MaxVarintLen64*3

// Entry is a single user-visible record: a key/value pair plus its
// lifecycle metadata.
type Entry struct {
	Key       []byte
	Value     []byte
	ExpiresAt uint64
	version   uint64
	UserMeta  byte
	meta      byte

	// offset is filled in by the log reader during iteration; it is the
	// byte offset of this entry's header within its log file.
	offset uint32
}

func (e *Entry) isDeleted() bool { return e.meta&bitDelete > 0 }
func (e *Entry) isZero() bool    { return len(e.Key) == 0 && e.meta == 0 }

// Version reports the MVCC commit timestamp this entry was read at, valid
// only on Entry values returned from Txn.Get.
func (e *Entry) Version() uint64 { return e.version }

// header is the fixed-shape prefix of every WAL/vlog record.
type header struct {
	klen      uint32
	vlen      uint32
	expiresAt uint64
	meta      byte
	userMeta  byte
}

// Encode writes h into out (which must be at least maxHeaderSize long) and
// returns the number of bytes written.
func (h header) Encode(out []byte) int {
	out[0] = h.meta
	out[1] = h.userMeta
	n := 2
	n += binary.PutUvarint(out[n:], uint64(h.klen))
	n += binary.PutUvarint(out[n:], uint64(h.vlen))
	n += binary.PutUvarint(out[n:], h.expiresAt)
	return n
}

// Decode parses a header from the front of buf, returning its encoded
// length.
func (h *header) Decode(buf []byte) int {
	h.meta = buf[0]
	h.userMeta = buf[1]
	index := 2
	klen, cnt := binary.Uvarint(buf[index:])
	h.klen = uint32(klen)
	index += cnt
	vlen, cnt := binary.Uvarint(buf[index:])
	h.vlen = uint32(vlen)
	index += cnt
	expiresAt, cnt := binary.Uvarint(buf[index:])
	h.expiresAt = expiresAt
	index += cnt
	return index
}

// decodeFrom reads a header from r (a *hashReader wrapping a *bufio.Reader),
// for the entry-framing decoder below.
// byteAndReader is the minimal surface decodeFrom needs: raw Read for the
// fixed-size meta/user_meta prefix, ReadByte for the varint fields. Both
// *bufio.Reader and *hashReader satisfy it.
type byteAndReader interface {
	io.Reader
	io.ByteReader
}

func (h *header) decodeFrom(r byteAndReader) (int, error) {
	var buf [maxHeaderSize]byte
	if _, err := io.ReadFull(r, buf[:2]); err != nil {
		return 0, err
	}
	h.meta = buf[0]
	h.userMeta = buf[1]
	read := 2
	klen, n, err := readUvarint(r)
	if err != nil {
		return 0, err
	}
	h.klen = uint32(klen)
	read += n
	vlen, n, err := readUvarint(r)
	if err != nil {
		return 0, err
	}
	h.vlen = uint32(vlen)
	read += n
	expiresAt, n, err := readUvarint(r)
	if err != nil {
		return 0, err
	}
	h.expiresAt = expiresAt
	read += n
	return read, nil
}

func readUvarint(r byteAndReader) (uint64, int, error) {
	v, err := binary.ReadUvarint(r)
	if err != nil {
		return 0, 0, err
	}
	// binary.ReadUvarint doesn't report the number of bytes consumed
	// directly; reconstruct it since we need exact offsets for valid_end
	// bookkeeping during log iteration.
	n := uvarintSize(v)
	return v, n, nil
}

func uvarintSize(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}

// ValuePointer locates an entry's value inside a vlog file:
// fixed 12-byte encoding (fid, len, offset), each a big-endian uint32.
type ValuePointer struct {
	Fid    uint32
	Len    uint32
	Offset uint32
}

const valuePointerEncodedSize = 12

func (p ValuePointer) Encode() []byte {
	var b [valuePointerEncodedSize]byte
	binary.BigEndian.PutUint32(b[0:4], p.Fid)
	binary.BigEndian.PutUint32(b[4:8], p.Len)
	binary.BigEndian.PutUint32(b[8:12], p.Offset)
	return b[:]
}

func (p *ValuePointer) Decode(b []byte) {
	p.Fid = binary.BigEndian.Uint32(b[0:4])
	p.Len = binary.BigEndian.Uint32(b[4:8])
	p.Offset = binary.BigEndian.Uint32(b[8:12])
}

func (p ValuePointer) IsZero() bool {
	return p.Fid == 0 && p.Len == 0 && p.Offset == 0
}

func (p ValuePointer) Less(o ValuePointer) bool {
	if p.Fid != o.Fid {
		return p.Fid < o.Fid
	}
	if p.Offset != o.Offset {
		return p.Offset < o.Offset
	}
	return p.Len < o.Len
}

// ValueStruct is the value as stored in a memtable/table entry:
// meta(1) | user_meta(1) | varint(expires_at) | value bytes.
type ValueStruct struct {
	Meta      byte
	UserMeta  byte
	ExpiresAt uint64
	Value     []byte
	Version   uint64 // not encoded; carried alongside for in-memory use
}

func (vs ValueStruct) EncodedSize() int {
	sz := len(vs.Value) + 2
	enc := binary.PutUvarint(make([]byte, binary.MaxVarintLen64), vs.ExpiresAt)
	return sz + enc
}

func (vs ValueStruct) Encode() []byte {
	out := make([]byte, vs.EncodedSize())
	vs.encodeInto(out)
	return out
}

func (vs ValueStruct) encodeInto(out []byte) int {
	out[0] = vs.Meta
	out[1] = vs.UserMeta
	n := 2 + binary.PutUvarint(out[2:], vs.ExpiresAt)
	n += copy(out[n:], vs.Value)
	return n
}

func (vs *ValueStruct) Decode(buf []byte) {
	vs.Meta = buf[0]
	vs.UserMeta = buf[1]
	var n int
	vs.ExpiresAt, n = binary.Uvarint(buf[2:])
	vs.Value = buf[2+n:]
}

// encodeEntry frames e as header|key|value|crc32c(header+key+value) into
// buf, returning the number of bytes written.
func encodeEntry(buf []byte, e *Entry) int {
	h := header{
		klen:      uint32(len(e.Key)),
		vlen:      uint32(len(e.Value)),
		expiresAt: e.ExpiresAt,
		meta:      e.meta,
		userMeta:  e.UserMeta,
	}
	var hdr [maxHeaderSize]byte
	hlen := h.Encode(hdr[:])

	n := copy(buf, hdr[:hlen])
	n += copy(buf[n:], e.Key)
	n += copy(buf[n:], e.Value)

	crc := crc32cOf(buf[:n])
	binary.BigEndian.PutUint32(buf[n:], crc)
	n += 4
	return n
}

func encodedEntrySize(e *Entry) int {
	h := header{klen: uint32(len(e.Key)), vlen: uint32(len(e.Value)), expiresAt: e.ExpiresAt}
	var hdr [maxHeaderSize]byte
	hlen := h.Encode(hdr[:])
	return hlen + len(e.Key) + len(e.Value) + 4
}

// decodeEntry streams one entry from r, verifying its trailing CRC32C.
// io.EOF / io.ErrUnexpectedEOF, an all-zero header, or an oversized key
// length are all reported as errTruncate so the caller can stop reading and
// truncate the log at the last good offset.
func decodeEntry(br *bufio.Reader, offset uint32) (*Entry, uint32, error) {
	hr := newHashReader(br)

	var h header
	hlen, err := h.decodeFrom(hr)
	if err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, 0, errTruncate
		}
		return nil, 0, err
	}
	if h.klen == 0 && h.vlen == 0 && h.meta == 0 && h.userMeta == 0 && h.expiresAt == 0 {
		return nil, 0, errTruncate
	}
	if h.klen > maxKeyLenOnDisk {
		return nil, 0, errTruncate
	}

	kv := make([]byte, int(h.klen)+int(h.vlen))
	if _, err := io.ReadFull(hr, kv); err != nil {
		return nil, 0, errTruncate
	}

	var crcBuf [4]byte
	if _, err := io.ReadFull(br, crcBuf[:]); err != nil {
		return nil, 0, errTruncate
	}

	want := binary.BigEndian.Uint32(crcBuf[:])
	got := hr.Sum32()
	if got != want {
		return nil, 0, errTruncate
	}

	e := &Entry{
		meta:      h.meta,
		UserMeta:  h.userMeta,
		ExpiresAt: h.expiresAt,
		Key:       kv[:h.klen],
		Value:     kv[h.klen:],
		offset:    offset,
	}
	recLen := uint32(hlen) + h.klen + h.vlen + 4
	return e, recLen, nil
}
