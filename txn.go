package wisckv

import (
	"github.com/pkg/errors"
)

const maxKeySize = MaxKeySize

// maxValueSize bounds a single value: large values should
// flow through the vlog rather than bloat a block, but the engine itself
// only rejects values too large to ever fit a batch.
const maxValueSize = 1 << 30

// Txn is a read or read-write transaction under snapshot isolation with
// optimistic read-write conflict detection, grounded on
// original_source/src/txn/txn.rs's Txn type (read_ts/size/count pre-charge,
// conflict_keys/pending_writes fields, new/modify/commit/discard shape).
type Txn struct {
	db       *DB
	readTs   uint64
	commitTs uint64

	update bool

	pendingWrites map[string]*Entry

	reads        *conflictSet
	conflictKeys *conflictSet

	size  int64
	count int64

	discarded bool
}

// NewTransaction starts a transaction. Read-only transactions never
// acquire a commit timestamp or participate in conflict detection; they
// simply pin a snapshot until Discard is called.
func (db *DB) NewTransaction(update bool) *Txn {
	txn := &Txn{
		db:     db,
		update: update,
		readTs: db.oc.readTs(),
		size:   int64(len(ReservedPrefix) + 10),
		count:  1,
	}
	if update {
		txn.pendingWrites = make(map[string]*Entry)
		txn.reads = newConflictSet()
		txn.conflictKeys = newConflictSet()
	}
	return txn
}

// View runs fn against a fresh read-only transaction, discarding it
// afterward regardless of fn's outcome.
func (db *DB) View(fn func(txn *Txn) error) error {
	txn := db.NewTransaction(false)
	defer txn.Discard()
	return fn(txn)
}

// Update runs fn against a fresh read-write transaction and commits it if
// fn returns nil.
func (db *DB) Update(fn func(txn *Txn) error) error {
	txn := db.NewTransaction(true)
	defer txn.Discard()
	if err := fn(txn); err != nil {
		return err
	}
	return txn.Commit()
}

func validateKey(key []byte) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}
	if len(key) > maxKeySize {
		return errors.Errorf("wisckv: key of size %d exceeds limit of %d", len(key), maxKeySize)
	}
	if isReservedKey(key) {
		return ErrInvalidKey
	}
	return nil
}

// modify validates and records e in the transaction's pending-writes map,
// enforcing the same size limits the write pipeline would otherwise reject
// a whole batch for.
func (txn *Txn) modify(e *Entry) error {
	if txn.discarded {
		return ErrDiscardedTxn
	}
	if !txn.update {
		return ErrReadOnlyTxn
	}
	if err := validateKey(e.Key); err != nil {
		return err
	}
	if len(e.Value) > maxValueSize {
		return errors.Errorf("wisckv: value of size %d exceeds limit of %d", len(e.Value), maxValueSize)
	}
	if txn.db.isBanned(e.Key) {
		return ErrBannedKey
	}

	entrySize := int64(len(e.Key) + len(e.Value) + 2)
	if _, exists := txn.pendingWrites[string(e.Key)]; !exists {
		txn.count++
		txn.size += entrySize
	} else {
		txn.size += entrySize
	}
	if txn.count > txn.db.opt.MaxBatchCount || txn.size > txn.db.opt.MaxBatchSize {
		return ErrTxnTooBig
	}

	txn.pendingWrites[string(e.Key)] = e
	if txn.db.opt.DetectConflicts {
		txn.conflictKeys.Add(conflictKey(e.Key))
	}
	return nil
}

// Set stores value under key, visible to this transaction immediately and
// to others only after a successful Commit.
func (txn *Txn) Set(key, value []byte) error {
	return txn.modify(&Entry{Key: append([]byte(nil), key...), Value: append([]byte(nil), value...)})
}

// SetEntry is Set generalized to carry user metadata and a TTL.
func (txn *Txn) SetEntry(e *Entry) error {
	cp := *e
	cp.Key = append([]byte(nil), e.Key...)
	cp.Value = append([]byte(nil), e.Value...)
	return txn.modify(&cp)
}

// Delete records a tombstone for key.
func (txn *Txn) Delete(key []byte) error {
	return txn.modify(&Entry{Key: append([]byte(nil), key...), meta: bitDelete})
}

// Get resolves key against this transaction's pending writes first, then
// the database's snapshot at readTs.
func (txn *Txn) Get(key []byte) (*Entry, error) {
	if txn.discarded {
		return nil, ErrDiscardedTxn
	}
	if err := validateKey(key); err != nil {
		return nil, err
	}

	if txn.update {
		if txn.db.opt.DetectConflicts {
			txn.reads.Add(conflictKey(key))
		}
		if e, ok := txn.pendingWrites[string(key)]; ok {
			if e.meta&bitDelete > 0 {
				return nil, ErrKeyNotFound
			}
			return e, nil
		}
	}

	vs, err := txn.db.get(key, txn.readTs)
	if err != nil {
		return nil, err
	}
	return &Entry{
		Key:       key,
		Value:     vs.Value,
		UserMeta:  vs.UserMeta,
		ExpiresAt: vs.ExpiresAt,
		meta:      vs.Meta &^ (bitTxn | bitFinTxn),
		version:   vs.Version,
	}, nil
}

// Commit validates the transaction against the oracle's conflict set,
// assigns it a commit timestamp, submits its writes (framed as a single
// TXN/FIN_TXN unit) to the write pipeline, and waits for them to become
// durable and visible.
func (txn *Txn) Commit() error {
	if txn.discarded {
		return ErrDiscardedTxn
	}
	if !txn.update {
		return nil
	}
	if len(txn.pendingWrites) == 0 {
		txn.Discard()
		return nil
	}
	defer txn.Discard()

	commitTs, err := txn.db.oc.newCommitTs(txn.readTs, txn.reads, txn.conflictKeys)
	if err != nil {
		return err
	}
	txn.commitTs = commitTs

	entries := make([]*Entry, 0, len(txn.pendingWrites)+1)
	for _, e := range txn.pendingWrites {
		cp := *e
		cp.Key = keyWithTs(e.Key, commitTs)
		cp.meta |= bitTxn
		entries = append(entries, &cp)
	}
	fin := &Entry{
		Key:   keyWithTs(ReservedPrefix, commitTs),
		Value: []byte(formatUint(commitTs)),
		meta:  bitFinTxn,
	}
	entries = append(entries, fin)

	req, err := txn.db.sendToWriteCh(entries)
	if err != nil {
		txn.db.oc.doneCommit(commitTs)
		return err
	}
	if err := req.Wait(); err != nil {
		txn.db.oc.doneCommit(commitTs)
		return err
	}
	txn.db.oc.doneCommit(commitTs)
	return nil
}

func formatUint(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

// Discard releases the transaction's snapshot. It is safe to call multiple
// times and is a no-op on an already-committed transaction.
func (txn *Txn) Discard() {
	if txn.discarded {
		return
	}
	txn.discarded = true
	// A successful Commit already released this snapshot's read mark as
	// part of assigning a commit timestamp (oracle.newCommitTs); only a
	// read-only or never-committed transaction still owes that release.
	if txn.commitTs == 0 {
		txn.db.oc.doneRead(txn.readTs)
	}
}
