package wisckv

import (
	"bufio"
	"bytes"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/guycipher/wisckv/mmapfile"
)

const vlogFileExt = ".vlog"

// maxVlogFileSize is the hard ceiling a single vlog file's cumulative
// offset may never cross: value pointers encode offset
// and length as 32-bit fields.
const maxVlogFileSize = uint32(1<<32 - 1)

// request is one caller's batch of entries to persist, handed to the
// write pipeline.
type request struct {
	Entries []*Entry
	Ptrs    []ValuePointer
	err     error
	wg      sync.WaitGroup
}

func (r *request) Wait() error {
	r.wg.Wait()
	return r.err
}

// valueLog manages the rotating set of append-only vlog files that back
// WiscKey value separation, grounded on
// AlexanderChiuluvB-badger/memtable.go's logFile plumbing, generalized
// from a single WAL to a fid-indexed rotating set of value-log files.
type valueLog struct {
	mu  sync.RWMutex
	dir string
	opt Options

	filesMap map[uint32]*logFile
	maxFid   uint32

	writableOffset uint32
	numEntries     uint32

	discard *discardStats
}

func (db *DB) openValueLog() error {
	vlog := &valueLog{
		dir:      db.opt.Dir,
		opt:      db.opt,
		filesMap: make(map[uint32]*logFile),
	}

	files, err := os.ReadDir(db.opt.Dir)
	if err != nil {
		return errors.Wrapf(err, "while listing %s", db.opt.Dir)
	}

	var fids []uint32
	seen := make(map[uint32]bool)
	for _, f := range files {
		if !strings.HasSuffix(f.Name(), vlogFileExt) {
			continue
		}
		fid, ok := parseFidFromName(f.Name(), vlogFileExt)
		if !ok {
			return errors.Errorf("wisckv: unable to parse vlog file id from %s", f.Name())
		}
		if seen[fid] {
			return errors.Errorf("wisckv: duplicate vlog file id %d", fid)
		}
		seen[fid] = true
		fids = append(fids, fid)
	}
	sort.Slice(fids, func(i, j int) bool { return fids[i] < fids[j] })

	for _, fid := range fids {
		lf, err := openLogFile(vlogFilePath(db.opt.Dir, fid), fid, int(db.opt.ValueLogFileSize))
		if err != nil && err != mmapfile.ErrNewFile {
			return errors.Wrapf(err, "while opening vlog file %d", fid)
		}
		vlog.filesMap[fid] = lf
		if fid > vlog.maxFid {
			vlog.maxFid = fid
		}
	}

	// Drop header-only files that aren't the max fid; they carry no
	// entries and would otherwise linger as empty rotation artifacts.
	for fid, lf := range vlog.filesMap {
		if fid == vlog.maxFid {
			continue
		}
		if len(lf.Data) <= vlogHeaderSize {
			delete(vlog.filesMap, fid)
			lf.Delete()
		}
	}

	if len(vlog.filesMap) == 0 {
		if _, err := vlog.createVlogFile(); err != nil {
			return err
		}
	} else {
		cur := vlog.filesMap[vlog.maxFid]
		endOffset, err := cur.iterate(0, func(Entry, ValuePointer) error { return nil })
		if err != nil {
			return errors.Wrapf(err, "while replaying vlog file %d", vlog.maxFid)
		}
		if err := cur.doneWriting(endOffset); err != nil {
			return err
		}
		if _, err := vlog.createVlogFile(); err != nil {
			return err
		}
	}

	ds, err := openDiscardStats(db.opt.Dir)
	if err != nil {
		return err
	}
	vlog.discard = ds

	db.vlog = vlog
	return nil
}

func vlogFilePath(dir string, fid uint32) string {
	return logFilePath(dir, fid, vlogFileExt)
}

func (vlog *valueLog) createVlogFile() (*logFile, error) {
	fid := vlog.maxFid + 1
	lf, err := openLogFile(vlogFilePath(vlog.dir, fid), fid, int(vlog.opt.ValueLogFileSize))
	if err != nil && err != mmapfile.ErrNewFile {
		return nil, errors.Wrapf(err, "while creating vlog file %d", fid)
	}
	vlog.filesMap[fid] = lf
	vlog.maxFid = fid
	vlog.writableOffset = vlogHeaderSize
	vlog.numEntries = 0
	return lf, nil
}

func (vlog *valueLog) current() *logFile {
	return vlog.filesMap[vlog.maxFid]
}

// write appends every value-log-bound entry across reqs to the current
// file, filling in each entry's ValuePointer, rotating to a new file when
// size or count thresholds are crossed.
func (vlog *valueLog) write(reqs []*request) error {
	vlog.mu.Lock()
	defer vlog.mu.Unlock()

	buf := new(bytes.Buffer)
	write := func(e *Entry) (ValuePointer, error) {
		if len(e.Value) < int(vlog.opt.ValueThreshold) {
			return ValuePointer{}, nil
		}

		cur := vlog.current()
		size := encodedEntrySize(e)
		if uint64(vlog.writableOffset)+uint64(size) > uint64(maxVlogFileSize) {
			return ValuePointer{}, errors.New("wisckv: value log entry would exceed max file size")
		}

		stripped := *e
		stripped.meta &^= bitTxn | bitFinTxn

		buf.Reset()
		if _, err := cur.encodeEntryInto(buf, &stripped); err != nil {
			return ValuePointer{}, err
		}
		cur.WriteSlice(int(vlog.writableOffset), buf.Bytes())

		vp := ValuePointer{Fid: cur.fid, Len: uint32(buf.Len()), Offset: vlog.writableOffset}
		vlog.writableOffset += uint32(buf.Len())
		vlog.numEntries++

		if vlog.writableOffset > uint32(vlog.opt.ValueLogFileSize) ||
			vlog.numEntries > uint32(vlog.opt.ValueLogMaxEntries) {
			if err := cur.doneWriting(vlog.writableOffset); err != nil {
				return vp, err
			}
			if _, err := vlog.createVlogFile(); err != nil {
				return vp, err
			}
		}
		return vp, nil
	}

	for _, req := range reqs {
		req.Ptrs = req.Ptrs[:0]
		for _, e := range req.Entries {
			vp, err := write(e)
			if err != nil {
				return err
			}
			req.Ptrs = append(req.Ptrs, vp)
		}
	}
	return nil
}

// read returns the value bytes a ValuePointer locates.
func (vlog *valueLog) read(vp ValuePointer) ([]byte, error) {
	vlog.mu.RLock()
	lf, ok := vlog.filesMap[vp.Fid]
	vlog.mu.RUnlock()
	if !ok {
		return nil, errors.Errorf("wisckv: vlog file %d not found for value pointer %+v", vp.Fid, vp)
	}

	buf, err := lf.read(vp)
	if err != nil {
		return nil, err
	}
	e, _, err := decodeEntry(bufio.NewReader(bytes.NewReader(buf)), vp.Offset)
	if err != nil {
		return nil, errors.Wrapf(err, "wisckv: corrupt vlog record at %+v", vp)
	}
	return e.Value, nil
}

func (vlog *valueLog) close() error {
	vlog.mu.Lock()
	defer vlog.mu.Unlock()

	var firstErr error
	for _, lf := range vlog.filesMap {
		if err := lf.Sync(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := lf.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := vlog.discard.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
