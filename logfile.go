package wisckv

import (
	"bufio"
	"bytes"
	cryptorand "crypto/rand"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/guycipher/wisckv/mmapfile"
)

// vlogHeaderSize is the fixed prefix every WAL/vlog file carries before its
// first entry: an 8-byte key id (always zero -- encryption is out of
// scope here) and a 12-byte base IV kept for format compatibility with the
// layout this engine is modeled on (AlexanderChiuluvB-badger/memtable.go's
// logFile.bootstrap).
const vlogHeaderSize = 20

// logEntry is the callback signature for logFile.iterate.
type logEntry func(e Entry, vp ValuePointer) error

// errStop lets a logEntry callback end iteration early without signaling
// an error to the caller.
var errStop = errors.New("wisckv: iteration stopped")

// logFile is the unified WAL/vlog abstraction: an
// append-only, mmap-backed sequence of framed entries, grounded on
// AlexanderChiuluvB-badger/memtable.go's logFile type but rebuilt on top
// of this module's own mmapfile package instead of badger's z.MmapFile,
// and with the encryption path removed (the keyID/baseIV header fields
// are retained only for on-disk shape compatibility).
type logFile struct {
	*mmapfile.File
	path string

	// lock guards fd/mmap identity during doneWriting's unmap-truncate-
	// remap sequence; ordinary reads/writes only need the File's own
	// locking.
	lock sync.RWMutex

	fid     uint32
	size    uint32
	baseIV  []byte
	writeAt uint32
}

func openLogFile(path string, fid uint32, maxSize int) (*logFile, error) {
	mf, ferr := mmapfile.Open(path, os.O_RDWR|os.O_CREATE, 2*maxSize)
	lf := &logFile{File: mf, path: path, fid: fid, writeAt: vlogHeaderSize}
	if ferr == mmapfile.ErrNewFile {
		if err := lf.bootstrap(); err != nil {
			os.Remove(path)
			return nil, err
		}
	} else if ferr != nil {
		return nil, errors.Wrapf(ferr, "while opening log file %s", path)
	}

	buf := make([]byte, vlogHeaderSize)
	copy(buf, lf.Data[:vlogHeaderSize])
	lf.baseIV = append([]byte(nil), buf[8:]...)
	if len(lf.baseIV) != 12 {
		return nil, errors.Errorf("wisckv: corrupt log file header in %s", path)
	}
	atomic.StoreUint32(&lf.size, uint32(len(lf.Data)))

	if ferr == mmapfile.ErrNewFile {
		return lf, mmapfile.ErrNewFile
	}
	return lf, nil
}

// bootstrap lays down the fixed header of a brand-new log file: keyID(8,
// always zero) | baseIV(12) (AlexanderChiuluvB-badger/memtable.go's
// logFile.bootstrap, minus the encryption key lookup).
func (lf *logFile) bootstrap() error {
	buf := make([]byte, vlogHeaderSize)
	if _, err := cryptorand.Read(buf[8:]); err != nil {
		return errors.Wrap(err, "while generating log file base IV")
	}
	lf.baseIV = append([]byte(nil), buf[8:]...)
	lf.WriteSlice(0, buf)
	return nil
}

func (lf *logFile) keyID() uint64 { return 0 }

// encodeEntryInto frames e and appends it to buf, returning the number of
// bytes written.
func (lf *logFile) encodeEntryInto(buf *bytes.Buffer, e *Entry) (int, error) {
	scratch := make([]byte, maxHeaderSize+len(e.Key)+len(e.Value)+4)
	n := encodeEntry(scratch, e)
	buf.Write(scratch[:n])
	return n, nil
}

// writeEntry appends e to the log at the current write cursor.
func (lf *logFile) writeEntry(buf *bytes.Buffer, e *Entry) error {
	buf.Reset()
	plen, err := lf.encodeEntryInto(buf, e)
	if err != nil {
		return err
	}
	lf.WriteSlice(int(lf.writeAt), buf.Bytes())
	lf.writeAt += uint32(plen)
	return nil
}

// read returns the value bytes a ValuePointer locates.
func (lf *logFile) read(p ValuePointer) ([]byte, error) {
	lf.lock.RLock()
	defer lf.lock.RUnlock()

	size := int64(len(lf.Data))
	lfsz := int64(atomic.LoadUint32(&lf.size))
	offset, valsz := int64(p.Offset), int64(p.Len)
	if offset >= size || offset+valsz > size || offset+valsz > lfsz {
		return nil, errors.Errorf("wisckv: value pointer %+v out of bounds (size=%d)", p, size)
	}
	return lf.Data[offset : offset+valsz], nil
}

func (lf *logFile) sync() error {
	return lf.Sync()
}

// doneWriting flushes, truncates to offset, and remaps the file -- called
// when a memtable/vlog file is sealed.
func (lf *logFile) doneWriting(offset uint32) error {
	if err := lf.Sync(); err != nil {
		return errors.Wrapf(err, "while syncing log file %s before truncation", lf.path)
	}

	lf.lock.Lock()
	defer lf.lock.Unlock()

	if err := lf.Truncate(int64(offset)); err != nil {
		return errors.Wrapf(err, "while truncating log file %s to %d", lf.path, offset)
	}
	atomic.StoreUint32(&lf.size, offset)
	return nil
}

// safeRead decodes one entry at a time from a buffered reader positioned
// inside a log file, tolerating truncation mid-record.
type safeRead struct {
	recordOffset uint32
}

func (r *safeRead) Entry(br *bufio.Reader) (*Entry, error) {
	e, recLen, err := decodeEntry(br, r.recordOffset)
	if err != nil {
		return nil, err
	}
	r.recordOffset += recLen
	return e, nil
}

// iterate replays every committed entry in the log starting at offset,
// invoking fn for each one. It returns the offset of the last fully
// verified record, so the caller can truncate away any torn tail left by
// a crash mid-write.
//
// Transactions are framed by bitTxn entries followed by a bitFinTxn
// marker carrying the commit timestamp as its value; entries are only
// delivered to fn once their closing marker is seen, so a torn
// transaction never becomes partially visible
// (AlexanderChiuluvB-badger/memtable.go's iterate).
func (lf *logFile) iterate(offset uint32, fn logEntry) (uint32, error) {
	if offset == 0 {
		offset = vlogHeaderSize
	}

	reader := bufio.NewReader(&fileSectionReader{lf: lf, pos: int(offset)})
	read := &safeRead{recordOffset: offset}

	var lastCommit uint64
	validEndOffset := offset

	var entries []*Entry
	var vptrs []ValuePointer

loop:
	for {
		prevOffset := read.recordOffset
		e, err := read.Entry(reader)
		switch {
		case err == io.EOF || (e != nil && e.isZero()):
			break loop
		case err == io.ErrUnexpectedEOF || err == errTruncate:
			break loop
		case err != nil:
			return 0, err
		case e == nil:
			continue
		}

		var vp ValuePointer
		vp.Len = read.recordOffset - prevOffset
		vp.Offset = e.offset
		vp.Fid = lf.fid

		switch {
		case e.meta&bitTxn > 0:
			txnTs := parseTs(e.Key)
			if lastCommit == 0 {
				lastCommit = txnTs
			}
			if lastCommit != txnTs {
				break loop
			}
			entries = append(entries, e)
			vptrs = append(vptrs, vp)

		case e.meta&bitFinTxn > 0:
			txnTs, err := strconv.ParseUint(string(e.Value), 10, 64)
			if err != nil || lastCommit != txnTs {
				break loop
			}
			lastCommit = 0
			validEndOffset = read.recordOffset

			for i, ent := range entries {
				if err := fn(*ent, vptrs[i]); err != nil {
					if err == errStop {
						break loop
					}
					return 0, errors.Wrapf(err, "while replaying %s", lf.path)
				}
			}
			entries = entries[:0]
			vptrs = vptrs[:0]

		default:
			if lastCommit != 0 {
				break loop
			}
			validEndOffset = read.recordOffset
			if err := fn(*e, vp); err != nil {
				if err == errStop {
					break loop
				}
				return 0, errors.Wrapf(err, "while replaying %s", lf.path)
			}
		}
	}
	return validEndOffset, nil
}

// fileSectionReader adapts a logFile's mmap'd Data into an io.Reader
// starting at pos, for bufio.Reader to stream over during replay.
type fileSectionReader struct {
	lf  *logFile
	pos int
}

func (r *fileSectionReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.lf.Data) {
		return 0, io.EOF
	}
	n := copy(p, r.lf.Data[r.pos:])
	r.pos += n
	return n, nil
}

func logFilePath(dir string, fid uint32, ext string) string {
	return filepath.Join(dir, fidName(fid, ext))
}

func fidName(fid uint32, ext string) string {
	return strconv.FormatUint(uint64(fid), 10) + ext
}

func parseFidFromName(name, ext string) (uint32, bool) {
	if len(name) <= len(ext) || name[len(name)-len(ext):] != ext {
		return 0, false
	}
	v, err := strconv.ParseUint(name[:len(name)-len(ext)], 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(v), true
}
