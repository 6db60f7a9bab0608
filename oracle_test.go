package wisckv

import (
	"testing"
	"time"
)

func TestOracleReadTsAndIncrementingCommitTs(t *testing.T) {
	o := newOracle(true)
	defer o.stop()

	r1 := o.readTs()
	ts1, err := o.newCommitTs(r1, nil, nil)
	if err != nil {
		t.Fatalf("newCommitTs: %v", err)
	}
	o.doneCommit(ts1)

	r2 := o.readTs()
	if r2 < r1 {
		t.Fatalf("readTs went backwards: r1=%d r2=%d", r1, r2)
	}
	ts2, err := o.newCommitTs(r2, nil, nil)
	if err != nil {
		t.Fatalf("newCommitTs: %v", err)
	}
	o.doneCommit(ts2)

	if ts2 <= ts1 {
		t.Fatalf("expected commit timestamps to strictly increase, got ts1=%d ts2=%d", ts1, ts2)
	}
}

func TestOracleDetectsWriteConflict(t *testing.T) {
	o := newOracle(true)
	defer o.stop()

	readTs := o.readTs()

	// A second transaction starts after the first's read snapshot, writes
	// "k", and commits first.
	otherReadTs := o.readTs()
	writes := newConflictSet()
	writes.Add(conflictKey([]byte("k")))
	commitTs, err := o.newCommitTs(otherReadTs, nil, writes)
	if err != nil {
		t.Fatalf("other txn commit: %v", err)
	}
	o.doneCommit(commitTs)

	// The first transaction read "k" and now tries to commit; it must be
	// rejected since a conflicting write landed after its snapshot.
	reads := newConflictSet()
	reads.Add(conflictKey([]byte("k")))
	if _, err := o.newCommitTs(readTs, reads, newConflictSet()); err != ErrConflict {
		t.Fatalf("expected ErrConflict for an overlapping read/write, got %v", err)
	}
}

func TestOracleNoConflictOnDisjointKeys(t *testing.T) {
	o := newOracle(true)
	defer o.stop()

	readTs := o.readTs()

	otherReadTs := o.readTs()
	writes := newConflictSet()
	writes.Add(conflictKey([]byte("other-key")))
	commitTs, err := o.newCommitTs(otherReadTs, nil, writes)
	if err != nil {
		t.Fatalf("other txn commit: %v", err)
	}
	o.doneCommit(commitTs)

	reads := newConflictSet()
	reads.Add(conflictKey([]byte("my-key")))
	if _, err := o.newCommitTs(readTs, reads, newConflictSet()); err != nil {
		t.Fatalf("expected disjoint read/write sets to commit cleanly, got %v", err)
	}
}

func TestOracleConflictDetectionDisabledWhenOff(t *testing.T) {
	o := newOracle(false)
	defer o.stop()

	readTs := o.readTs()

	otherReadTs := o.readTs()
	writes := newConflictSet()
	writes.Add(conflictKey([]byte("k")))
	commitTs, err := o.newCommitTs(otherReadTs, nil, writes)
	if err != nil {
		t.Fatalf("other txn commit: %v", err)
	}
	o.doneCommit(commitTs)

	reads := newConflictSet()
	reads.Add(conflictKey([]byte("k")))
	if _, err := o.newCommitTs(readTs, reads, newConflictSet()); err != nil {
		t.Fatalf("expected conflict detection to be bypassed when disabled, got %v", err)
	}
}

func TestOracleCleansCommittedTransactionsPastReadMark(t *testing.T) {
	o := newOracle(true)
	defer o.stop()

	readTs := o.readTs()
	o.doneRead(readTs)
	waitForCondition(t, time.Second, func() bool { return o.readMark.DoneUntil() == readTs })

	writes := newConflictSet()
	writes.Add(conflictKey([]byte("k")))
	commitTs, err := o.newCommitTs(readTs, nil, writes)
	if err != nil {
		t.Fatalf("newCommitTs: %v", err)
	}
	o.doneCommit(commitTs)

	// No active reader's snapshot sits below commitTs anymore once the
	// reader that started at commitTs (the next readTs issued) is also
	// marked done, so a cleanup pass should drop this entry.
	readTs2 := o.readTs()
	if readTs2 != commitTs {
		t.Fatalf("expected the next readTs (%d) to equal the prior commitTs (%d) with no writes in between", readTs2, commitTs)
	}
	o.doneRead(readTs2)
	waitForCondition(t, time.Second, func() bool { return o.readMark.DoneUntil() >= commitTs })

	o.mu.Lock()
	o.cleanCommittedTransactions()
	o.mu.Unlock()

	if len(o.committedTxns) != 0 {
		t.Fatalf("expected the committed-transaction entry at or below the read mark to be pruned, got %d entries", len(o.committedTxns))
	}
}
