package concurrency

import (
	"testing"
	"time"

	testingpkg "github.com/medaka-db/medaka/testing/testing_assert"

	"github.com/medaka-db/medaka/storage/access"
	"github.com/medaka-db/medaka/types"
)

func newTxn(txn_id types.TxnID) *access.Transaction {
	return access.NewTransaction(txn_id)
}

// asyncOp runs op in a goroutine and reports completion on the returned
// channel
func asyncOp(op func()) chan struct{} {
	done := make(chan struct{})
	go func() {
		op()
		close(done)
	}()
	return done
}

func assertBlocked(t *testing.T, done chan struct{}, msg string) {
	t.Helper()
	select {
	case <-done:
		t.Fatal(msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func assertUnblocked(t *testing.T, done chan struct{}, msg string) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal(msg)
	}
}

func TestCompatibilityMatrix(t *testing.T) {
	compatiblePairs := [][2]LockType{
		{IS, IS}, {IS, IX}, {IS, S}, {IS, SIX},
		{IX, IX}, {S, S},
	}
	incompatiblePairs := [][2]LockType{
		{IS, X}, {IX, S}, {IX, SIX}, {IX, X},
		{S, SIX}, {S, X}, {SIX, SIX}, {SIX, X}, {X, X},
	}
	for _, pair := range compatiblePairs {
		testingpkg.Assert(t, Compatible(pair[0], pair[1]), pair[0].String()+" should be compatible with "+pair[1].String())
		testingpkg.Assert(t, Compatible(pair[1], pair[0]), "compatibility must be symmetric")
	}
	for _, pair := range incompatiblePairs {
		testingpkg.AssertFalse(t, Compatible(pair[0], pair[1]), pair[0].String()+" should conflict with "+pair[1].String())
		testingpkg.AssertFalse(t, Compatible(pair[1], pair[0]), "compatibility must be symmetric")
	}
	for _, mode := range []LockType{NL, IS, IX, S, SIX, X} {
		testingpkg.Assert(t, Compatible(NL, mode), "NL conflicts with nothing")
	}
}

func TestSubstitutability(t *testing.T) {
	testingpkg.Assert(t, Substitutable(X, S), "X substitutes for S")
	testingpkg.Assert(t, Substitutable(SIX, IX), "SIX substitutes for IX")
	testingpkg.Assert(t, Substitutable(SIX, S), "SIX substitutes for S")
	testingpkg.Assert(t, Substitutable(IX, IS), "IX substitutes for IS")
	testingpkg.Assert(t, Substitutable(S, S), "a type substitutes for itself")
	testingpkg.AssertFalse(t, Substitutable(S, X), "S does not substitute for X")
	testingpkg.AssertFalse(t, Substitutable(IS, IX), "IS does not substitute for IX")
	testingpkg.AssertFalse(t, Substitutable(IX, S), "IX does not substitute for S")
	testingpkg.AssertFalse(t, Substitutable(S, IX), "S does not substitute for IX")
	for _, mode := range []LockType{NL, IS, IX, S, SIX, X} {
		testingpkg.Assert(t, Substitutable(mode, NL), "everything substitutes for NL")
	}
}

func TestAcquireAndRelease_Basic(t *testing.T) {
	lm := NewLockManager()
	t1 := newTxn(1)
	resA := NewDatabaseResourceName().Child("A")

	testingpkg.NoError(t, lm.Acquire(t1, resA, S))
	testingpkg.Equals(t, S, lm.GetLockType(t1, resA))

	locks := lm.GetLocks(resA)
	testingpkg.Equals(t, 1, len(locks))
	testingpkg.Equals(t, types.TxnID(1), locks[0].Txn_id)

	testingpkg.IsError(t, ErrDuplicateLockRequest, lm.Acquire(t1, resA, X))

	testingpkg.NoError(t, lm.Release(t1, resA))
	testingpkg.Equals(t, NL, lm.GetLockType(t1, resA))
	testingpkg.IsError(t, ErrNoLockHeld, lm.Release(t1, resA))
}

func TestSharedLocksCoexist(t *testing.T) {
	lm := NewLockManager()
	t1 := newTxn(1)
	t2 := newTxn(2)
	resA := NewDatabaseResourceName().Child("A")

	testingpkg.NoError(t, lm.Acquire(t1, resA, S))
	testingpkg.NoError(t, lm.Acquire(t2, resA, S))
	testingpkg.Equals(t, 2, len(lm.GetLocks(resA)))
}

// S5: a compatible request behind an incompatible one still waits (FIFO)
func TestLockFIFO(t *testing.T) {
	lm := NewLockManager()
	t1 := newTxn(1)
	t2 := newTxn(2)
	t3 := newTxn(3)
	resA := NewDatabaseResourceName().Child("A")

	testingpkg.NoError(t, lm.Acquire(t1, resA, S))

	t2done := asyncOp(func() { lm.Acquire(t2, resA, X) })
	assertBlocked(t, t2done, "X(A) must block behind S(A)")

	t3done := asyncOp(func() { lm.Acquire(t3, resA, S) })
	assertBlocked(t, t3done, "S(A) must block behind a non-empty queue")

	testingpkg.NoError(t, lm.Release(t1, resA))
	assertUnblocked(t, t2done, "head of queue not granted on release")
	testingpkg.Equals(t, X, lm.GetLockType(t2, resA))

	assertBlocked(t, t3done, "S(A) must stay blocked behind granted X(A)")

	testingpkg.NoError(t, lm.Release(t2, resA))
	assertUnblocked(t, t3done, "S(A) not granted after X released")
	testingpkg.Equals(t, S, lm.GetLockType(t3, resA))
}

// S6: acquire-and-release keeps the acquisition order and does not wake
// incompatible waiters
func TestAcquireAndReleaseAtomicity(t *testing.T) {
	lm := NewLockManager()
	t1 := newTxn(1)
	t2 := newTxn(2)
	resA := NewDatabaseResourceName().Child("A")
	resB := NewDatabaseResourceName().Child("B")

	t3 := newTxn(3)

	testingpkg.NoError(t, lm.Acquire(t1, resA, S))
	testingpkg.NoError(t, lm.Acquire(t1, resB, X))

	t3done := asyncOp(func() { lm.Acquire(t3, resA, X) })
	assertBlocked(t, t3done, "X(A) must block behind S(A)")
	t2done := asyncOp(func() { lm.Acquire(t2, resA, S) })
	assertBlocked(t, t2done, "S(A) must block behind a non-empty queue")

	testingpkg.NoError(t, lm.AcquireAndRelease(t1, resA, X, []*ResourceName{resA}))

	testingpkg.Equals(t, X, lm.GetLockType(t1, resA))
	testingpkg.Equals(t, X, lm.GetLockType(t1, resB))

	held := lm.GetTransactionLocks(t1)
	testingpkg.Equals(t, 2, len(held))
	testingpkg.Assert(t, held[0].Name.Equals(resA), "A must keep its original acquisition slot")
	testingpkg.Assert(t, held[1].Name.Equals(resB), "B must stay second")

	assertBlocked(t, t3done, "queued X(A) must stay blocked: X is incompatible")
	assertBlocked(t, t2done, "queued S(A) must stay blocked: X is incompatible")

	testingpkg.NoError(t, lm.Release(t1, resA))
	assertUnblocked(t, t3done, "head waiter granted after X released")
	assertBlocked(t, t2done, "S(A) stays behind T3's X(A)")
	testingpkg.NoError(t, lm.Release(t3, resA))
	assertUnblocked(t, t2done, "S(A) granted at last")
}

func TestAcquireAndReleaseValidation(t *testing.T) {
	lm := NewLockManager()
	t1 := newTxn(1)
	resA := NewDatabaseResourceName().Child("A")
	resB := NewDatabaseResourceName().Child("B")

	testingpkg.NoError(t, lm.Acquire(t1, resA, S))

	// A held and not in the release list
	testingpkg.IsError(t, ErrDuplicateLockRequest, lm.AcquireAndRelease(t1, resA, X, nil))
	// B is not held
	testingpkg.IsError(t, ErrNoLockHeld, lm.AcquireAndRelease(t1, resA, X, []*ResourceName{resA, resB}))

	// failed operations leave the manager untouched
	testingpkg.Equals(t, S, lm.GetLockType(t1, resA))
	testingpkg.Equals(t, 1, len(lm.GetTransactionLocks(t1)))
	testingpkg.Equals(t, 0, len(lm.GetLocks(resB)))
}

// a blocked acquire-and-release waits at the front and performs its bundled
// releases when granted, cascading into the released resource's queue
func TestQueuedAcquireAndReleaseCascade(t *testing.T) {
	lm := NewLockManager()
	t1 := newTxn(1)
	t2 := newTxn(2)
	t3 := newTxn(3)
	resA := NewDatabaseResourceName().Child("A")
	resB := NewDatabaseResourceName().Child("B")

	testingpkg.NoError(t, lm.Acquire(t1, resA, X))
	testingpkg.NoError(t, lm.Acquire(t2, resB, X))

	t2done := asyncOp(func() { lm.AcquireAndRelease(t2, resA, X, []*ResourceName{resB}) })
	assertBlocked(t, t2done, "X(A) must block behind T1's X(A)")

	t3done := asyncOp(func() { lm.Acquire(t3, resB, S) })
	assertBlocked(t, t3done, "S(B) must block behind T2's X(B)")

	testingpkg.NoError(t, lm.Release(t1, resA))
	assertUnblocked(t, t2done, "front request not granted on release")
	testingpkg.Equals(t, X, lm.GetLockType(t2, resA))
	testingpkg.Equals(t, NL, lm.GetLockType(t2, resB))
	assertUnblocked(t, t3done, "bundled release of B must wake its queue")
	testingpkg.Equals(t, S, lm.GetLockType(t3, resB))
}

// a blocked acquire-and-release outranks earlier plain acquires on the
// same resource
func TestAcquireAndReleaseQueuedAtFront(t *testing.T) {
	lm := NewLockManager()
	t1 := newTxn(1)
	t2 := newTxn(2)
	t3 := newTxn(3)
	resA := NewDatabaseResourceName().Child("A")
	resB := NewDatabaseResourceName().Child("B")

	testingpkg.NoError(t, lm.Acquire(t1, resA, X))
	testingpkg.NoError(t, lm.Acquire(t3, resB, S))

	t2done := asyncOp(func() { lm.Acquire(t2, resA, X) })
	assertBlocked(t, t2done, "T2 X(A) must block")

	t3done := asyncOp(func() { lm.AcquireAndRelease(t3, resA, X, []*ResourceName{resB}) })
	assertBlocked(t, t3done, "T3 X(A) must block")

	testingpkg.NoError(t, lm.Release(t1, resA))
	assertUnblocked(t, t3done, "the acquire-and-release waits at the front")
	testingpkg.Equals(t, X, lm.GetLockType(t3, resA))
	assertBlocked(t, t2done, "T2 must stay behind T3's grant")

	testingpkg.NoError(t, lm.Release(t3, resA))
	assertUnblocked(t, t2done, "T2 granted after T3 released")
}

// P7: promotion keeps the transaction's lock list order
func TestPromote(t *testing.T) {
	lm := NewLockManager()
	t1 := newTxn(1)
	resA := NewDatabaseResourceName().Child("A")
	resB := NewDatabaseResourceName().Child("B")

	testingpkg.NoError(t, lm.Acquire(t1, resA, S))
	testingpkg.NoError(t, lm.Acquire(t1, resB, X))

	testingpkg.NoError(t, lm.Promote(t1, resA, X))
	testingpkg.Equals(t, X, lm.GetLockType(t1, resA))

	held := lm.GetTransactionLocks(t1)
	testingpkg.Equals(t, 2, len(held))
	testingpkg.Assert(t, held[0].Name.Equals(resA), "promotion must not move A")
	testingpkg.Assert(t, held[1].Name.Equals(resB), "promotion must not move B")

	granted := lm.GetLocks(resA)
	testingpkg.Equals(t, 1, len(granted))
	testingpkg.Equals(t, X, granted[0].Lock_type)
}

func TestPromoteValidation(t *testing.T) {
	lm := NewLockManager()
	t1 := newTxn(1)
	resA := NewDatabaseResourceName().Child("A")

	testingpkg.IsError(t, ErrNoLockHeld, lm.Promote(t1, resA, X))

	testingpkg.NoError(t, lm.Acquire(t1, resA, S))
	testingpkg.IsError(t, ErrInvalidLock, lm.Promote(t1, resA, S))
	testingpkg.IsError(t, ErrInvalidLock, lm.Promote(t1, resA, IX))

	testingpkg.Equals(t, S, lm.GetLockType(t1, resA))
}

func TestBlockedPromote(t *testing.T) {
	lm := NewLockManager()
	t1 := newTxn(1)
	t2 := newTxn(2)
	resA := NewDatabaseResourceName().Child("A")

	testingpkg.NoError(t, lm.Acquire(t1, resA, S))
	testingpkg.NoError(t, lm.Acquire(t2, resA, S))

	t1done := asyncOp(func() { lm.Promote(t1, resA, X) })
	assertBlocked(t, t1done, "promotion must block behind T2's S(A)")

	testingpkg.NoError(t, lm.Release(t2, resA))
	assertUnblocked(t, t1done, "promotion not granted after conflicting lock left")
	testingpkg.Equals(t, X, lm.GetLockType(t1, resA))
}

func TestReleaseAll(t *testing.T) {
	lm := NewLockManager()
	t1 := newTxn(1)
	t2 := newTxn(2)
	resA := NewDatabaseResourceName().Child("A")
	resB := NewDatabaseResourceName().Child("B")

	testingpkg.NoError(t, lm.Acquire(t1, resA, X))
	testingpkg.NoError(t, lm.Acquire(t1, resB, S))

	t2done := asyncOp(func() { lm.Acquire(t2, resA, S) })
	assertBlocked(t, t2done, "S(A) must block behind X(A)")

	lm.ReleaseAll(t1)
	testingpkg.Equals(t, 0, len(lm.GetTransactionLocks(t1)))
	assertUnblocked(t, t2done, "waiter must be granted once the holder ends")
}
