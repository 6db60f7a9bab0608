package wisckv

import (
	"bytes"
	"os"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/guycipher/wisckv/mmapfile"
	"github.com/guycipher/wisckv/skl"
)

const memFileExt = ".mem"

// memTable is the active (or a sealed-but-not-yet-flushed) in-memory
// index plus its backing WAL, grounded on
// AlexanderChiuluvB-badger/memtable.go's memTable type. skl.Skiplist
// replaces badger's arena-backed skl.Skiplist (see skl/skl.go for why).
type memTable struct {
	sl        *skl.Skiplist
	wal       *logFile
	ref       int32
	nextTxnTs uint64
	opt       Options
	buf       *bytes.Buffer
}

func (db *DB) memtableFilePath(fid uint32) string {
	return logFilePath(db.opt.Dir, fid, memFileExt)
}

// openMemTables discovers every sealed memtable WAL left over from a
// prior run, replays each into a fresh skiplist, and appends it to the
// immutable queue in fid order. A WAL that replays to no entries is
// deleted instead of queued.
func (db *DB) openMemTables() error {
	files, err := os.ReadDir(db.opt.Dir)
	if err != nil {
		return errors.Wrapf(err, "while listing %s", db.opt.Dir)
	}

	var fids []uint32
	for _, f := range files {
		if !strings.HasSuffix(f.Name(), memFileExt) {
			continue
		}
		fid, ok := parseFidFromName(f.Name(), memFileExt)
		if !ok {
			return errors.Errorf("wisckv: unable to parse memtable file id from %s", f.Name())
		}
		fids = append(fids, fid)
	}
	sort.Slice(fids, func(i, j int) bool { return fids[i] < fids[j] })

	for _, fid := range fids {
		mt, err := db.openMemTable(fid)
		if err != nil {
			return err
		}
		if mt.sl.Empty() {
			mt.wal.Delete()
			continue
		}
		db.imm = append(db.imm, mt)
	}
	if len(fids) != 0 {
		db.nextMemFid = fids[len(fids)-1]
	}
	db.nextMemFid++
	return nil
}

func (db *DB) openMemTable(fid uint32) (*memTable, error) {
	path := db.memtableFilePath(fid)
	lf, lerr := openLogFile(path, fid, int(db.opt.MemTableSize))
	if lerr != nil && lerr != mmapfile.ErrNewFile {
		return nil, errors.Wrapf(lerr, "while opening memtable %s", path)
	}

	mt := &memTable{
		wal: lf,
		sl:  skl.NewSkiplist(compareKeys, int64(db.opt.MemTableSize)),
		ref: 1,
		opt: db.opt,
		buf: new(bytes.Buffer),
	}
	if lerr == mmapfile.ErrNewFile {
		return mt, nil
	}
	if err := mt.updateSkipList(); err != nil {
		return nil, err
	}
	return mt, nil
}

func (db *DB) newMemTable() (*memTable, error) {
	mt, err := db.openMemTable(db.nextMemFid)
	db.nextMemFid++
	return mt, err
}

// put writes e to the WAL and then to the skiplist. WAL-then-memtable
// ordering is what makes replay safe after a crash.
func (mt *memTable) put(key []byte, vs ValueStruct) error {
	e := &Entry{
		Key:       key,
		Value:     vs.Value,
		UserMeta:  vs.UserMeta,
		meta:      vs.Meta,
		ExpiresAt: vs.ExpiresAt,
	}
	if err := mt.wal.writeEntry(mt.buf, e); err != nil {
		return errors.Wrap(err, "wisckv: cannot write entry to WAL")
	}
	mt.sl.Put(key, vs.Encode())
	return nil
}

// get resolves key (a user key with a version suffix already applied by
// the caller's snapshot read, or a bare seek key for "most recent")
// against the skiplist.
func (mt *memTable) get(key []byte) (ValueStruct, bool) {
	it := mt.sl.NewIterator()
	it.Seek(key)
	if !it.Valid() {
		return ValueStruct{}, false
	}
	if compareBytes(parseKey(it.Key()), parseKey(key)) != 0 {
		return ValueStruct{}, false
	}
	var vs ValueStruct
	vs.Decode(it.Value())
	vs.Version = parseTs(it.Key())
	return vs, true
}

func (mt *memTable) updateSkipList() error {
	if mt.wal == nil || mt.sl == nil {
		return nil
	}
	endOff, err := mt.wal.iterate(0, mt.replayFunction())
	if err != nil {
		return errors.Wrapf(err, "while iterating memtable wal %s", mt.wal.path)
	}
	return mt.wal.doneWriting(endOff)
}

func (mt *memTable) replayFunction() logEntry {
	return func(e Entry, _ ValuePointer) error {
		if ts := parseTs(e.Key); ts > mt.nextTxnTs {
			mt.nextTxnTs = ts
		}
		vs := ValueStruct{
			Value:     e.Value,
			Meta:      e.meta,
			UserMeta:  e.UserMeta,
			ExpiresAt: e.ExpiresAt,
		}
		mt.sl.Put(e.Key, vs.Encode())
		return nil
	}
}

func (mt *memTable) incrRef() { atomic.AddInt32(&mt.ref, 1) }

func (mt *memTable) decrRef() {
	if atomic.AddInt32(&mt.ref, -1) > 0 {
		return
	}
	mt.sl.DecrRef()
	mt.wal.Delete()
}

// sizeOnDisk approximates the WAL's live byte range, used to decide when
// the active memtable should be sealed.
func (mt *memTable) sizeOnDisk() int64 {
	return int64(mt.wal.writeAt)
}
