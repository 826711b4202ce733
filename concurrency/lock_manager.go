package concurrency

import (
	"github.com/sasha-s/go-deadlock"

	"github.com/medaka-db/medaka/errors"
	"github.com/medaka-db/medaka/storage/access"
	"github.com/medaka-db/medaka/types"
)

const (
	ErrDuplicateLockRequest = errors.Error("transaction already holds a lock on the resource")
	ErrNoLockHeld           = errors.Error("transaction holds no lock on the resource")
	ErrInvalidLock          = errors.Error("requested lock type is not a valid promotion")
)

// LockRequest is one queued request: the lock to grant plus the locks to
// release in the same step once it is granted.
type LockRequest struct {
	transaction *access.Transaction
	lock        *Lock
	releasing   []*ResourceName
}

// resourceEntry is the per-resource state: granted locks in acquisition
// order and the FIFO queue of requests that could not be granted yet.
type resourceEntry struct {
	locks        []*Lock
	waitingQueue []*LockRequest
}

/**
 * LockManager maintains which transactions hold which locks on which
 * resources, and the queuing logic for requests that cannot be granted yet.
 *
 * Every public mutator runs its whole lookup-decide-mutate sequence inside
 * one monitor. Blocking happens outside it, after PrepareBlock inside it, so
 * a release that lands before the requester parks is never lost.
 *
 * A resource's queue is processed front to back on every release, stopping
 * at the first request that cannot be granted: a compatible request behind
 * an incompatible one waits its turn (FIFO prevents starvation).
 */
type LockManager struct {
	mutex deadlock.Mutex
	// transaction id -> locks held, in acquisition order
	transactionLocks map[types.TxnID][]*Lock
	// resource hash -> granted locks + waiting queue
	resourceEntries map[uint64]*resourceEntry
}

func NewLockManager() *LockManager {
	return &LockManager{
		transactionLocks: make(map[types.TxnID][]*Lock),
		resourceEntries:  make(map[uint64]*resourceEntry),
	}
}

// getResourceEntry returns the entry for name, creating an empty one on
// first use. Must hold the monitor.
func (lm *LockManager) getResourceEntry(name *ResourceName) *resourceEntry {
	entry, ok := lm.resourceEntries[name.Hash()]
	if !ok {
		entry = new(resourceEntry)
		lm.resourceEntries[name.Hash()] = entry
	}
	return entry
}

// checkCompatible reports whether lock_type coexists with every granted lock
// on the entry, ignoring locks held by except (pass -1 for no exception).
func (lm *LockManager) checkCompatible(entry *resourceEntry, lock_type LockType, except types.TxnID) bool {
	for _, lock := range entry.locks {
		if lock.Txn_id != except && !Compatible(lock.Lock_type, lock_type) {
			return false
		}
	}
	return true
}

// getLockLocked returns the lock txn_id holds on name, or nil
func (lm *LockManager) getLockLocked(txn_id types.TxnID, name *ResourceName) *Lock {
	for _, lock := range lm.transactionLocks[txn_id] {
		if lock.Name.Equals(name) {
			return lock
		}
	}
	return nil
}

// getLockTypeLocked returns the lock type txn_id holds on name, or NL
func (lm *LockManager) getLockTypeLocked(txn_id types.TxnID, name *ResourceName) LockType {
	if lock := lm.getLockLocked(txn_id, name); lock != nil {
		return lock.Lock_type
	}
	return NL
}

// grantOrUpdateLock gives the transaction the lock, assuming compatibility
// was already checked. A lock the transaction already holds on the resource
// is retyped in place, which keeps its acquisition order.
func (lm *LockManager) grantOrUpdateLock(entry *resourceEntry, lock *Lock) {
	if held := lm.getLockLocked(lock.Txn_id, lock.Name); held != nil {
		// both indices share the *Lock, one write updates them together
		held.Lock_type = lock.Lock_type
		return
	}
	lm.transactionLocks[lock.Txn_id] = append(lm.transactionLocks[lock.Txn_id], lock)
	entry.locks = append(entry.locks, lock)
}

// releaseLockLocked removes the transaction's lock on name from both
// indices and processes the resource's queue.
func (lm *LockManager) releaseLockLocked(txn_id types.TxnID, name *ResourceName) {
	entry := lm.getResourceEntry(name)
	for i, lock := range entry.locks {
		if lock.Txn_id == txn_id {
			entry.locks = append(entry.locks[:i], entry.locks[i+1:]...)
			break
		}
	}
	held := lm.transactionLocks[txn_id]
	for i, lock := range held {
		if lock.Name.Equals(name) {
			lm.transactionLocks[txn_id] = append(held[:i], held[i+1:]...)
			break
		}
	}
	lm.processQueue(entry, name)
}

// processQueue grants queued requests front to back until one conflicts.
// A granted request performs its bundled releases, which may cascade into
// other resources' queues, and unblocks its transaction.
func (lm *LockManager) processQueue(entry *resourceEntry, name *ResourceName) {
	for len(entry.waitingQueue) > 0 {
		request := entry.waitingQueue[0]
		if !lm.checkCompatible(entry, request.lock.Lock_type, request.lock.Txn_id) {
			break
		}
		entry.waitingQueue = entry.waitingQueue[1:]
		lm.grantOrUpdateLock(entry, request.lock)
		for _, release := range request.releasing {
			if release.Equals(name) {
				continue
			}
			lm.releaseLockLocked(request.lock.Txn_id, release)
		}
		request.transaction.Unblock()
	}
}

/**
 * Acquire takes a lock_type lock on name for txn. The request blocks when it
 * conflicts with a granted lock or when the resource already has waiters
 * (joining at the back of the queue either way).
 *
 * Returns ErrDuplicateLockRequest if txn already holds any lock on name.
 */
func (lm *LockManager) Acquire(txn *access.Transaction, name *ResourceName, lock_type LockType) error {
	should_block := false
	err := func() error {
		lm.mutex.Lock()
		defer lm.mutex.Unlock()

		txn_id := txn.GetTransactionId()
		entry := lm.getResourceEntry(name)
		if lm.getLockTypeLocked(txn_id, name) != NL {
			return ErrDuplicateLockRequest
		}

		should_block = !lm.checkCompatible(entry, lock_type, -1) || len(entry.waitingQueue) > 0
		lock := NewLock(name, lock_type, txn_id)
		if !should_block {
			lm.grantOrUpdateLock(entry, lock)
			return nil
		}
		entry.waitingQueue = append(entry.waitingQueue, &LockRequest{transaction: txn, lock: lock})
		txn.PrepareBlock()
		return nil
	}()
	if err != nil {
		return err
	}
	if should_block {
		txn.Block()
	}
	return nil
}

/**
 * AcquireAndRelease atomically takes a lock_type lock on name and releases
 * every lock in release_names. The grant happens before the releases and a
 * lock being replaced on name itself is retyped in place, so its acquisition
 * time is unchanged. On conflict the request goes to the FRONT of name's
 * queue (it outranks plain acquires when the resource frees up) and the
 * releases happen together with the deferred grant.
 *
 * Returns ErrDuplicateLockRequest if txn holds a lock on name that is not
 * being released, ErrNoLockHeld if any release_names entry is not held.
 */
func (lm *LockManager) AcquireAndRelease(txn *access.Transaction, name *ResourceName,
	lock_type LockType, release_names []*ResourceName) error {
	should_block := false
	err := func() error {
		lm.mutex.Lock()
		defer lm.mutex.Unlock()

		txn_id := txn.GetTransactionId()
		entry := lm.getResourceEntry(name)

		if lm.getLockTypeLocked(txn_id, name) != NL {
			releasing_self := false
			for _, release := range release_names {
				if release.Equals(name) {
					releasing_self = true
				}
			}
			if !releasing_self {
				return ErrDuplicateLockRequest
			}
		}
		for _, release := range release_names {
			if lm.getLockTypeLocked(txn_id, release) == NL {
				return ErrNoLockHeld
			}
		}

		should_block = !lm.checkCompatible(entry, lock_type, txn_id)
		lock := NewLock(name, lock_type, txn_id)
		if !should_block {
			lm.grantOrUpdateLock(entry, lock)
			for _, release := range release_names {
				if release.Equals(name) {
					continue
				}
				lm.releaseLockLocked(txn_id, release)
			}
			return nil
		}
		request := &LockRequest{transaction: txn, lock: lock, releasing: release_names}
		entry.waitingQueue = append([]*LockRequest{request}, entry.waitingQueue...)
		txn.PrepareBlock()
		return nil
	}()
	if err != nil {
		return err
	}
	if should_block {
		txn.Block()
	}
	return nil
}

/**
 * Release drops txn's lock on name and processes the queue. Queued requests
 * granted along the way perform their own bundled releases, cascading into
 * other queues.
 *
 * Returns ErrNoLockHeld if txn holds no lock on name.
 */
func (lm *LockManager) Release(txn *access.Transaction, name *ResourceName) error {
	lm.mutex.Lock()
	defer lm.mutex.Unlock()

	txn_id := txn.GetTransactionId()
	if lm.getLockTypeLocked(txn_id, name) == NL {
		return ErrNoLockHeld
	}
	lm.releaseLockLocked(txn_id, name)
	return nil
}

// ReleaseAll drops every lock txn still holds, newest first. Used when a
// transaction ends.
func (lm *LockManager) ReleaseAll(txn *access.Transaction) {
	lm.mutex.Lock()
	defer lm.mutex.Unlock()

	txn_id := txn.GetTransactionId()
	for len(lm.transactionLocks[txn_id]) > 0 {
		held := lm.transactionLocks[txn_id]
		lm.releaseLockLocked(txn_id, held[len(held)-1].Name)
	}
	delete(lm.transactionLocks, txn_id)
}

/**
 * Promote retypes txn's lock on name to new_lock_type in place, keeping its
 * acquisition order. On conflict the request goes to the FRONT of the queue.
 *
 * Returns ErrNoLockHeld if txn holds no lock on name, ErrInvalidLock when
 * new_lock_type equals the held type or does not substitute for it.
 */
func (lm *LockManager) Promote(txn *access.Transaction, name *ResourceName, new_lock_type LockType) error {
	should_block := false
	err := func() error {
		lm.mutex.Lock()
		defer lm.mutex.Unlock()

		txn_id := txn.GetTransactionId()
		entry := lm.getResourceEntry(name)
		old_lock_type := lm.getLockTypeLocked(txn_id, name)

		if old_lock_type == NL {
			return ErrNoLockHeld
		}
		if new_lock_type == old_lock_type || !Substitutable(new_lock_type, old_lock_type) {
			return ErrInvalidLock
		}

		should_block = !lm.checkCompatible(entry, new_lock_type, txn_id)
		lock := NewLock(name, new_lock_type, txn_id)
		if !should_block {
			lm.grantOrUpdateLock(entry, lock)
			return nil
		}
		request := &LockRequest{transaction: txn, lock: lock}
		entry.waitingQueue = append([]*LockRequest{request}, entry.waitingQueue...)
		txn.PrepareBlock()
		return nil
	}()
	if err != nil {
		return err
	}
	if should_block {
		txn.Block()
	}
	return nil
}

// GetLockType returns the type of lock txn holds on name, or NL
func (lm *LockManager) GetLockType(txn *access.Transaction, name *ResourceName) LockType {
	lm.mutex.Lock()
	defer lm.mutex.Unlock()
	return lm.getLockTypeLocked(txn.GetTransactionId(), name)
}

// GetLocks returns the locks granted on name, in acquisition order
func (lm *LockManager) GetLocks(name *ResourceName) []Lock {
	lm.mutex.Lock()
	defer lm.mutex.Unlock()

	entry, ok := lm.resourceEntries[name.Hash()]
	if !ok {
		return nil
	}
	ret := make([]Lock, 0, len(entry.locks))
	for _, lock := range entry.locks {
		ret = append(ret, *lock)
	}
	return ret
}

// GetTransactionLocks returns the locks txn holds, in acquisition order
func (lm *LockManager) GetTransactionLocks(txn *access.Transaction) []Lock {
	lm.mutex.Lock()
	defer lm.mutex.Unlock()

	held := lm.transactionLocks[txn.GetTransactionId()]
	ret := make([]Lock, 0, len(held))
	for _, lock := range held {
		ret = append(ret, *lock)
	}
	return ret
}

// DatabaseContext returns the root resource of the lock hierarchy
func (lm *LockManager) DatabaseContext() *ResourceName {
	return NewDatabaseResourceName()
}
