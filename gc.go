package wisckv

import (
	"sync/atomic"

	"github.com/pkg/errors"
)

// RunValueLogGC rewrites the vlog file with the worst discard ratio, if it
// crosses discardRatio, into the live data set by resubmitting every entry
// still reachable from the current memtable/level chain, then deletes the
// old file. It never touches the file currently being
// written to.
//
// Validity is checked the way badger's own GC does: a vlog record is still
// live only if the exact (user key, version) it carries is still the value
// the DB would return for that version, and that value is still a pointer
// into this same file at this same offset -- anything else means a newer
// write or delete has already shadowed it.
func (db *DB) RunValueLogGC(discardRatio float64) error {
	if discardRatio <= 0 || discardRatio >= 1 {
		return ErrInvalidRequest
	}
	if !atomic.CompareAndSwapInt32(&db.gcRunning, 0, 1) {
		return ErrRejected
	}
	defer atomic.StoreInt32(&db.gcRunning, 0)

	fid, discard := db.vlog.discard.MaxDiscard()

	db.vlog.mu.RLock()
	lf, ok := db.vlog.filesMap[fid]
	maxFid := db.vlog.maxFid
	db.vlog.mu.RUnlock()

	if !ok || fid == maxFid {
		return ErrNoRewrite
	}

	size := int64(len(lf.Data))
	if size <= vlogHeaderSize || float64(discard)/float64(size) < discardRatio {
		return ErrNoRewrite
	}

	var live []*Entry
	_, err := lf.iterate(0, func(e Entry, vp ValuePointer) error {
		version := parseTs(e.Key)

		// Look the key up without resolving its value pointer, so the
		// stored pointer itself can be compared below.
		cur, found := db.mt.get(e.Key)
		for i := len(db.imm) - 1; !found && i >= 0; i-- {
			cur, found = db.imm[i].get(e.Key)
		}
		if !found {
			cur, found = db.lc.get(e.Key)
		}
		if !found {
			return nil
		}
		if cur.Version != version || cur.Meta&bitValuePointer == 0 {
			return nil
		}
		var curVp ValuePointer
		curVp.Decode(cur.Value)
		if curVp.Fid != fid || curVp.Offset != vp.Offset {
			return nil
		}

		cp := e
		live = append(live, &cp)
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "wisckv: while scanning value log file for GC")
	}

	if len(live) > 0 {
		req, err := db.sendToWriteCh(live)
		if err != nil {
			return errors.Wrap(err, "wisckv: while rewriting live value log entries")
		}
		if err := req.Wait(); err != nil {
			return errors.Wrap(err, "wisckv: value log GC rewrite failed")
		}
	}

	db.vlog.mu.Lock()
	delete(db.vlog.filesMap, fid)
	db.vlog.mu.Unlock()
	db.vlog.discard.Update(fid, -1)

	return lf.Delete()
}
