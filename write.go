package wisckv

import (
	"sync/atomic"

	"github.com/pkg/errors"
)

// writeChBacklogMultiplier caps how many queued requests doWrites gathers
// into one batch: at most this many times the write channel's capacity.
const writeChBacklogMultiplier = 3

// sendToWriteCh queues entries as one request for the single-writer
// pipeline and returns that request; the caller waits on it for the
// result. It refuses new work once writes have been blocked (DB closing)
// or when the entries exceed MaxBatchCount or MaxBatchSize.
func (db *DB) sendToWriteCh(entries []*Entry) (*request, error) {
	if atomic.LoadInt32(&db.blockWrites) == 1 {
		return nil, ErrBlockedWrites
	}

	var count, size int64
	for _, e := range entries {
		size += int64(len(e.Key) + len(e.Value) + 2)
		count++
	}
	if count > db.opt.MaxBatchCount || size > db.opt.MaxBatchSize {
		return nil, ErrTxnTooBig
	}

	req := &request{Entries: entries}
	req.wg.Add(1)

	select {
	case db.writeCh <- req:
		return req, nil
	case <-db.closeCh:
		return nil, ErrBlockedWrites
	}
}

// doWrites is the single consumer that serializes every mutation across
// vlog append, memtable insert, and flush handoff,
// grounded on AlexanderChiuluvB-badger/memtable.go's single-writer
// ordering: vlog is always appended to before the memtable is updated, so
// a crash between the two steps can only lose an entry the memtable never
// promised to have, never corrupt one it did.
func (db *DB) doWrites() {
	defer close(db.writeDoneCh)

	pending := make([]*request, 0, db.opt.writeChCapacity)
	writeRequests := func(reqs []*request) {
		if err := db.writeRequests(reqs); err != nil {
			db.opt.Logger.Errorf("wisckv: write pipeline batch failed: %v", err)
			for _, r := range reqs {
				r.err = err
				r.wg.Done()
			}
			return
		}
		for _, r := range reqs {
			r.wg.Done()
		}
	}

	for {
		select {
		case r := <-db.writeCh:
			pending = append(pending, r)
		drain:
			for len(pending) < writeChBacklogMultiplier*db.opt.writeChCapacity {
				select {
				case r := <-db.writeCh:
					pending = append(pending, r)
				default:
					break drain
				}
			}
			writeRequests(pending)
			pending = pending[:0]

		case <-db.closeCh:
			// Drain whatever is still queued before exiting so no caller's
			// Wait() blocks forever.
			for {
				select {
				case r := <-db.writeCh:
					pending = append(pending, r)
				default:
					if len(pending) > 0 {
						writeRequests(pending)
					}
					return
				}
			}
		}
	}
}

// writeRequests appends every entry in reqs to the vlog, then to the
// active memtable, rotating to a fresh memtable when the active one fills.
// vlog append happens first, then memtable insert, with a full-memtable
// check interleaved per entry.
func (db *DB) writeRequests(reqs []*request) error {
	if err := db.vlog.write(reqs); err != nil {
		return errors.Wrap(err, "while writing to value log")
	}

	for _, req := range reqs {
		for i, e := range req.Entries {
			if err := db.writeToMemtable(e, req.Ptrs[i]); err != nil {
				return err
			}
		}
	}

	if db.opt.SyncWrites {
		if db.mt.wal != nil {
			if err := db.mt.wal.sync(); err != nil {
				return errors.Wrap(err, "while syncing WAL")
			}
		}
	}
	return nil
}

func (db *DB) writeToMemtable(e *Entry, vp ValuePointer) error {
	db.writeLock.Lock()
	defer db.writeLock.Unlock()

	if err := db.ensureRoomForWrite(); err != nil {
		return err
	}

	vs := ValueStruct{UserMeta: e.UserMeta, ExpiresAt: e.ExpiresAt, Meta: e.meta}
	if vp.IsZero() {
		vs.Value = e.Value
	} else {
		vs.Meta |= bitValuePointer
		vs.Value = vp.Encode()
	}
	return db.mt.put(e.Key, vs)
}

// ensureRoomForWrite seals the active memtable and opens a fresh one once
// the active WAL crosses MemTableSize, queuing the sealed one for flush.
func (db *DB) ensureRoomForWrite() error {
	if db.mt.sizeOnDisk() < db.opt.MemTableSize {
		return nil
	}

	if err := db.mt.wal.doneWriting(db.mt.wal.writeAt); err != nil {
		return err
	}

	sealed := db.mt
	db.imm = append(db.imm, sealed)

	newMt, err := db.newMemTable()
	if err != nil {
		return err
	}
	db.mt = newMt

	select {
	case db.flushCh <- sealed:
	default:
		// Flush pipeline's one in-flight slot is occupied; the memtable
		// stays on db.imm and will be picked up once the running flush
		// drains it.
		go func() { db.flushCh <- sealed }()
	}
	return nil
}

// doFlushes is the flush pipeline: one goroutine that pulls sealed
// memtables off flushCh, persists each as an L0 table via the levels
// controller, then drops it from db.imm.
func (db *DB) doFlushes() {
	defer close(db.flushDoneCh)
	for mt := range db.flushCh {
		if err := db.lc.flush(mt); err != nil {
			db.opt.Logger.Errorf("wisckv: flush of memtable failed: %v", err)
			continue
		}
		db.writeLock.Lock()
		for i, im := range db.imm {
			if im == mt {
				db.imm = append(db.imm[:i], db.imm[i+1:]...)
				break
			}
		}
		db.writeLock.Unlock()
		mt.decrRef()
	}
}
