package concurrency

import (
	"github.com/sasha-s/go-deadlock"

	"github.com/medaka-db/medaka/recovery"
	"github.com/medaka-db/medaka/storage/access"
	"github.com/medaka-db/medaka/types"
)

/**
 * TransactionManager hands out transaction handles and drives their
 * lifecycle against the recovery manager. Lock release on end goes through
 * each handle's cleanup hook, so recovery can retire transactions the same
 * way the forward path does.
 */
type TransactionManager struct {
	next_txn_id      types.TxnID
	lock_manager     *LockManager
	recovery_manager *recovery.RecoveryManager
	mutex            deadlock.Mutex
}

func NewTransactionManager(lock_manager *LockManager, recovery_manager *recovery.RecoveryManager) *TransactionManager {
	return &TransactionManager{
		lock_manager:     lock_manager,
		recovery_manager: recovery_manager,
	}
}

// newHandle builds a handle whose cleanup releases its locks
func (tm *TransactionManager) newHandle(txn_id types.TxnID) *access.Transaction {
	txn := access.NewTransaction(txn_id)
	txn.SetCleanup(func() { tm.lock_manager.ReleaseAll(txn) })
	return txn
}

// NewTransactionForRecovery is the factory injected into the recovery
// manager for transactions met during restart analysis.
func (tm *TransactionManager) NewTransactionForRecovery(txn_id types.TxnID) *access.Transaction {
	tm.mutex.Lock()
	if txn_id > tm.next_txn_id {
		tm.next_txn_id = txn_id
	}
	tm.mutex.Unlock()
	return tm.newHandle(txn_id)
}

// Begin starts a fresh transaction and registers it with recovery
func (tm *TransactionManager) Begin() *access.Transaction {
	tm.mutex.Lock()
	tm.next_txn_id += 1
	txn := tm.newHandle(tm.next_txn_id)
	tm.mutex.Unlock()

	tm.recovery_manager.StartTransaction(txn)
	return txn
}

// Commit makes the transaction durable
func (tm *TransactionManager) Commit(txn *access.Transaction) types.LSN {
	return tm.recovery_manager.Commit(txn.GetTransactionId())
}

// Abort marks the transaction for rollback; End performs it
func (tm *TransactionManager) Abort(txn *access.Transaction) types.LSN {
	return tm.recovery_manager.Abort(txn.GetTransactionId())
}

// End finishes the transaction (rolling back first when aborting) and
// releases its locks
func (tm *TransactionManager) End(txn *access.Transaction) (types.LSN, error) {
	lsn, err := tm.recovery_manager.End(txn.GetTransactionId())
	if err != nil {
		return lsn, err
	}
	txn.Cleanup()
	return lsn, nil
}
