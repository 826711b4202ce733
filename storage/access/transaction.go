package access

import (
	"github.com/medaka-db/medaka/common"
	"github.com/medaka-db/medaka/types"
)

/**
 * Transaction states:
 *
 * RUNNING -> COMMITTING ---------> COMPLETE
 *    |                               ^  ^
 *    +-----> ABORTING ---------------+  |
 *    |                                  |
 *    +-----> RECOVERY_ABORTING ---------+   (restart only)
 **/

type TransactionStatus int32

const (
	RUNNING TransactionStatus = iota
	COMMITTING
	ABORTING
	RECOVERY_ABORTING
	COMPLETE
)

func (s TransactionStatus) String() string {
	switch s {
	case RUNNING:
		return "RUNNING"
	case COMMITTING:
		return "COMMITTING"
	case ABORTING:
		return "ABORTING"
	case RECOVERY_ABORTING:
		return "RECOVERY_ABORTING"
	case COMPLETE:
		return "COMPLETE"
	}
	return "INVALID"
}

/**
 * Transaction tracks information related to a transaction.
 *
 * Blocking protocol: the lock manager calls PrepareBlock while holding its
 * monitor, then Block after leaving it. An Unblock that lands in between is
 * not lost because the gate channel is armed by PrepareBlock.
 */
type Transaction struct {
	txn_id   types.TxnID
	status   TransactionStatus
	block_ch chan struct{}
	cleanup  func()
}

func NewTransaction(txn_id types.TxnID) *Transaction {
	return &Transaction{
		txn_id: txn_id,
		status: RUNNING,
	}
}

/** @return the id of this transaction */
func (txn *Transaction) GetTransactionId() types.TxnID { return txn.txn_id }

/** @return the current status of the transaction */
func (txn *Transaction) GetStatus() TransactionStatus { return txn.status }

func (txn *Transaction) SetStatus(status TransactionStatus) {
	if common.EnableDebug {
		common.MkPrintf(common.DEBUG_INFO, "Transaction::SetStatus txn_id:%d status:%s\n", txn.txn_id, status)
	}
	txn.status = status
}

// SetCleanup registers the teardown run when the transaction ends
// (normally, lock release).
func (txn *Transaction) SetCleanup(cleanup func()) { txn.cleanup = cleanup }

func (txn *Transaction) Cleanup() {
	if txn.cleanup != nil {
		txn.cleanup()
	}
}

// PrepareBlock arms the gate. Must precede Block.
func (txn *Transaction) PrepareBlock() {
	txn.block_ch = make(chan struct{}, 1)
}

// Block parks the calling goroutine until Unblock
func (txn *Transaction) Block() {
	common.MkAssert(txn.block_ch != nil, "Block without PrepareBlock")
	<-txn.block_ch
}

// Unblock releases a parked (or about-to-park) transaction
func (txn *Transaction) Unblock() {
	txn.block_ch <- struct{}{}
}
