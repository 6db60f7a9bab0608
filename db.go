package wisckv

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// DB is the embeddable key-value store facade. It owns the
// active/immutable memtable chain, the value log, the manifest, the levels
// controller, the SSI oracle, and the single-writer pipeline that
// serializes every mutation across them.
type DB struct {
	opt Options

	writeLock sync.Mutex
	mt        *memTable
	imm       []*memTable
	nextMemFid uint32

	vlog *valueLog
	mf   *manifestFile
	lc   *levelsController
	oc   *oracle

	writeCh     chan *request
	closeCh     chan struct{}
	writeDoneCh chan struct{}

	flushCh     chan *memTable
	flushDoneCh chan struct{}

	blockWrites int32
	gcRunning   int32
	closeOnce   sync.Once
}

// Open validates opt, recovers or creates every on-disk component, and
// starts the write and flush pipelines.
func Open(opt Options) (*DB, error) {
	if opt.Logger == nil {
		opt.Logger = defaultLogger()
	}
	if opt.writeChCapacity == 0 {
		opt.writeChCapacity = defaultWriteChCap
	}
	if err := opt.Validate(); err != nil {
		return nil, errors.Wrap(err, "wisckv: invalid options")
	}

	db := &DB{
		opt:         opt,
		writeCh:     make(chan *request, opt.writeChCapacity),
		closeCh:     make(chan struct{}),
		writeDoneCh: make(chan struct{}),
		flushCh:     make(chan *memTable, 1),
		flushDoneCh: make(chan struct{}),
	}

	mf, err := openOrCreateManifest(opt.Dir, opt.ExternalMagicVersion)
	if err != nil {
		return nil, errors.Wrap(err, "while opening manifest")
	}
	db.mf = mf

	lc, err := newLevelsController(opt.Dir, opt, mf)
	if err != nil {
		return nil, errors.Wrap(err, "while reconciling levels controller")
	}
	db.lc = lc

	if err := db.openMemTables(); err != nil {
		return nil, errors.Wrap(err, "while recovering memtables")
	}
	mt, err := db.newMemTable()
	if err != nil {
		return nil, errors.Wrap(err, "while opening active memtable")
	}
	db.mt = mt

	if err := db.openValueLog(); err != nil {
		return nil, errors.Wrap(err, "while opening value log")
	}

	db.oc = newOracle(opt.DetectConflicts)
	db.oc.setNextTs(db.maxVersion() + 1)

	go db.doWrites()
	go db.doFlushes()

	return db, nil
}

// maxVersion scans every memtable (active and immutable) for the highest
// MVCC version recorded, so the oracle resumes issuing timestamps above
// anything already durable.
func (db *DB) maxVersion() uint64 {
	var max uint64
	scan := func(mt *memTable) {
		if mt.nextTxnTs > max {
			max = mt.nextTxnTs
		}
	}
	scan(db.mt)
	for _, mt := range db.imm {
		scan(mt)
	}
	for _, lvl := range db.lc.levels {
		for _, t := range lvl {
			if t.MaxVersion() > max {
				max = t.MaxVersion()
			}
		}
	}
	return max
}

// isBanned reports whether key falls under a namespace this DB was opened
// with a ban list for.
func (db *DB) isBanned(key []byte) bool {
	if db.opt.NamespaceOffset < 0 || db.opt.BannedNamespaces == nil {
		return false
	}
	off := db.opt.NamespaceOffset
	if off+8 > len(key) {
		return false
	}
	ns := namespaceOf(key[off : off+8])
	_, banned := db.opt.BannedNamespaces[ns]
	return banned
}

func namespaceOf(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}

// get resolves key (a bare user key) to its most recent visible value at
// readTs, checking the active memtable, then immutables newest-first, then
// the levels controller, following a value pointer into the vlog when the
// stored value was separated out (WiscKey-style value separation).
func (db *DB) get(userKey []byte, readTs uint64) (ValueStruct, error) {
	ikey := keyWithTs(userKey, readTs)

	lookup := func(vs ValueStruct, ok bool) (ValueStruct, bool) {
		return vs, ok
	}

	if vs, ok := lookup(db.mt.get(ikey)); ok {
		return db.resolveValue(vs)
	}
	for i := len(db.imm) - 1; i >= 0; i-- {
		if vs, ok := lookup(db.imm[i].get(ikey)); ok {
			return db.resolveValue(vs)
		}
	}
	if vs, ok := db.lc.get(ikey); ok {
		return db.resolveValue(vs)
	}
	return ValueStruct{}, ErrKeyNotFound
}

func (db *DB) resolveValue(vs ValueStruct) (ValueStruct, error) {
	if vs.Meta&bitDelete > 0 {
		return ValueStruct{}, ErrKeyNotFound
	}
	if vs.Meta&bitValuePointer == 0 {
		return vs, nil
	}
	var vp ValuePointer
	vp.Decode(vs.Value)
	val, err := db.vlog.read(vp)
	if err != nil {
		return ValueStruct{}, errors.Wrap(err, "while resolving value pointer")
	}
	vs.Value = val
	return vs, nil
}

// Close blocks new writes, drains the write pipeline, flushes every
// outstanding memtable, and releases every on-disk resource.
func (db *DB) Close() error {
	var closeErr error
	db.closeOnce.Do(func() {
		atomic.StoreInt32(&db.blockWrites, 1)
		close(db.closeCh)
		<-db.writeDoneCh

		db.writeLock.Lock()
		pending := append(append([]*memTable{}, db.imm...), db.mt)
		db.writeLock.Unlock()

		for _, mt := range pending {
			if mt.sl.Empty() {
				mt.decrRef()
				continue
			}
			if err := db.lc.flush(mt); err != nil {
				closeErr = errors.Wrap(err, "while flushing on close")
				return
			}
			mt.decrRef()
		}
		close(db.flushCh)
		<-db.flushDoneCh

		db.oc.stop()

		// The value log, levels controller, and manifest are independent
		// on-disk resources by this point; close them concurrently instead
		// of serially.
		var eg errgroup.Group
		eg.Go(func() error { return errors.Wrap(db.vlog.close(), "while closing value log") })
		eg.Go(func() error { return errors.Wrap(db.lc.close(), "while closing levels controller") })
		eg.Go(func() error { return errors.Wrap(db.mf.close(), "while closing manifest") })
		if err := eg.Wait(); err != nil && closeErr == nil {
			closeErr = err
		}
	})
	return closeErr
}
