package recovery

import (
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"
	pair "github.com/notEpsilon/go-pair"
	"github.com/sasha-s/go-deadlock"

	"github.com/medaka-db/medaka/common"
	"github.com/medaka-db/medaka/storage/access"
	"github.com/medaka-db/medaka/storage/disk"
	"github.com/medaka-db/medaka/storage/page"
	"github.com/medaka-db/medaka/types"
)

// BufferManager is the slice of the buffer pool the recovery manager consumes.
// The pool itself depends on this package for WAL hooks, so the linkage is
// established after construction via SetManagers.
type BufferManager interface {
	FetchPage(pageID types.PageID) (*page.Page, error)
	UnpinPage(pageID types.PageID, isDirty bool) error
	IterPageNums(f func(pageID types.PageID, isDirty bool))
}

// DiskSpaceManager is the slice of the disk manager the recovery manager
// consumes: allocation state, applied to disk immediately.
type DiskSpaceManager interface {
	AllocPage(types.PageID) error
	DeallocPage(types.PageID) error
	AllocPart(int32) error
	DeallocPart(int32) error
}

/**
 * TransactionTableEntry keeps the recovery manager's view of one live
 * transaction: its handle, the LSN of its most recent log record (0 until the
 * first record is appended), named savepoints, and the pages it wrote.
 */
type TransactionTableEntry struct {
	transaction   *access.Transaction
	last_lsn      types.LSN
	savepoints    map[string]types.LSN
	touched_pages mapset.Set[types.PageID]
}

func NewTransactionTableEntry(txn *access.Transaction) *TransactionTableEntry {
	return &TransactionTableEntry{
		transaction:   txn,
		last_lsn:      0,
		savepoints:    make(map[string]types.LSN),
		touched_pages: mapset.NewSet[types.PageID](),
	}
}

func (entry *TransactionTableEntry) GetTransaction() *access.Transaction { return entry.transaction }
func (entry *TransactionTableEntry) GetLastLSN() types.LSN               { return entry.last_lsn }
func (entry *TransactionTableEntry) GetTouchedPages() mapset.Set[types.PageID] {
	return entry.touched_pages
}

/**
 * RecoveryManager is the ARIES engine: forward-path logging during normal
 * operation, three-phase restart after a crash.
 *
 * Commit, End and Checkpoint serialize on one mutex; the transaction table
 * and DPT have their own latch because buffer-manager threads fire
 * PageFlushHook/DiskIOHook concurrently with forward logging.
 */
type RecoveryManager struct {
	disk_manager   DiskSpaceManager
	buffer_manager BufferManager
	log_manager    *LogManager

	// factory creating a handle for a transaction met during recovery
	new_transaction func(types.TxnID) *access.Transaction

	// page id -> recLSN: the earliest LSN that dirtied the page
	dirty_page_table map[types.PageID]types.LSN
	// transaction id -> entry
	transaction_table map[types.TxnID]*TransactionTableEntry
	// prevents DiskIOHook from shrinking the DPT while redo rebuilds it
	redo_complete bool

	mutex       deadlock.Mutex
	table_latch deadlock.RWMutex
}

func NewRecoveryManager(new_transaction func(types.TxnID) *access.Transaction) *RecoveryManager {
	return &RecoveryManager{
		new_transaction:   new_transaction,
		dirty_page_table:  make(map[types.PageID]types.LSN),
		transaction_table: make(map[types.TxnID]*TransactionTableEntry),
	}
}

// SetManagers finishes construction. The buffer manager must interface with
// the recovery manager to hold back page evictions until the log is flushed,
// while the recovery manager needs the buffer manager to redo changes, so
// neither can be a constructor argument of the other.
func (rm *RecoveryManager) SetManagers(disk_manager DiskSpaceManager, buffer_manager BufferManager, log_manager *LogManager) {
	rm.disk_manager = disk_manager
	rm.buffer_manager = buffer_manager
	rm.log_manager = log_manager
}

// Initialize seeds a fresh log: master record at LSN 0, then a checkpoint.
// Only called the first time the database is set up.
func (rm *RecoveryManager) Initialize() {
	rm.log_manager.AppendLogRecord(NewMasterLogRecord(0))
	rm.Checkpoint()
	// a fresh database has nothing to redo
	rm.redo_complete = true
}

// StartTransaction registers a new transaction with last_lsn = 0
func (rm *RecoveryManager) StartTransaction(txn *access.Transaction) {
	rm.table_latch.Lock()
	defer rm.table_latch.Unlock()
	rm.transaction_table[txn.GetTransactionId()] = NewTransactionTableEntry(txn)
}

func (rm *RecoveryManager) getEntry(txn_id types.TxnID) *TransactionTableEntry {
	rm.table_latch.RLock()
	defer rm.table_latch.RUnlock()
	entry, ok := rm.transaction_table[txn_id]
	common.MkAssert(ok, fmt.Sprintf("unknown transaction %d", txn_id))
	return entry
}

/**
 * Commit appends the commit record, flushes the log through it and moves the
 * transaction to COMMITTING. When Commit returns, the commit is durable.
 */
func (rm *RecoveryManager) Commit(txn_id types.TxnID) types.LSN {
	rm.mutex.Lock()
	defer rm.mutex.Unlock()

	entry := rm.getEntry(txn_id)
	record := NewTxnLogRecord(txn_id, entry.last_lsn, COMMIT_TXN)
	lsn := rm.log_manager.AppendLogRecord(record)
	rm.log_manager.FlushToLSN(lsn)
	entry.last_lsn = lsn
	entry.transaction.SetStatus(access.COMMITTING)
	return lsn
}

// Abort appends the abort record and moves the transaction to ABORTING.
// No rollback happens here; End performs it.
func (rm *RecoveryManager) Abort(txn_id types.TxnID) types.LSN {
	entry := rm.getEntry(txn_id)
	record := NewTxnLogRecord(txn_id, entry.last_lsn, ABORT_TXN)
	lsn := rm.log_manager.AppendLogRecord(record)
	entry.last_lsn = lsn
	entry.transaction.SetStatus(access.ABORTING)
	return lsn
}

/**
 * End finishes a transaction. An aborting transaction is first rolled back
 * all the way (target LSN 0), emitting CLRs. The entry leaves the table, the
 * status becomes COMPLETE and the end record is appended, chained to the
 * last CLR when a rollback ran and to the pre-existing last_lsn otherwise.
 */
func (rm *RecoveryManager) End(txn_id types.TxnID) (types.LSN, error) {
	rm.mutex.Lock()
	defer rm.mutex.Unlock()

	entry := rm.getEntry(txn_id)
	prev_lsn := entry.last_lsn
	if entry.transaction.GetStatus() == access.ABORTING {
		rolled_back, err := rm.rollbackToLSN(txn_id, 0)
		if err != nil {
			return common.InvalidLSN, err
		}
		prev_lsn = rolled_back
	}

	rm.table_latch.Lock()
	delete(rm.transaction_table, txn_id)
	rm.table_latch.Unlock()
	entry.transaction.SetStatus(access.COMPLETE)

	lsn := rm.log_manager.AppendLogRecord(NewTxnLogRecord(txn_id, prev_lsn, END_TXN))
	return lsn, nil
}

/**
 * rollbackToLSN undoes the transaction's records with LSN strictly greater
 * than target_lsn, newest first. Each undoable record yields a CLR that is
 * appended and replayed; CLRs met along the way are skipped through their
 * undo_next_lsn, which is what keeps an interrupted rollback from undoing
 * the same work twice. Returns the LSN to chain the next record to.
 */
func (rm *RecoveryManager) rollbackToLSN(txn_id types.TxnID, target_lsn types.LSN) (types.LSN, error) {
	entry := rm.getEntry(txn_id)
	last_record := rm.log_manager.FetchLogRecord(entry.last_lsn)
	clr_prev := last_record.GetLSN()
	current := clr_prev
	if undo_next, ok := last_record.GetUndoNextLSN(); ok {
		current = undo_next
	}

	for current > target_lsn {
		record := rm.log_manager.FetchLogRecord(current)
		if record.IsUndoable() {
			clr := record.Undo(clr_prev)
			clr_prev = rm.log_manager.AppendLogRecord(clr)
			entry.last_lsn = clr_prev
			if err := clr.Redo(rm, rm.disk_manager, rm.buffer_manager); err != nil {
				return common.InvalidLSN, err
			}
		}

		if undo_next, ok := record.GetUndoNextLSN(); ok {
			current = undo_next
		} else if prev, ok := record.GetPrevLSN(); ok {
			current = prev
		} else {
			break
		}
	}
	return clr_prev, nil
}

/**
 * LogPageWrite records a byte-range overwrite. before and after must be the
 * same length and at most half the effective page size (so an update record
 * always fits on a log page). The write is never on the log partition.
 */
func (rm *RecoveryManager) LogPageWrite(txn_id types.TxnID, page_id types.PageID, offset uint16, before []byte, after []byte) types.LSN {
	common.MkAssert(len(before) == len(after), "before and after images differ in length")
	common.MkAssert(len(before) <= common.EffectivePageSize/2, "update image larger than half a page")
	common.MkAssert(disk.GetPartNum(page_id) != common.LogPartition, "page write on the log partition")

	entry := rm.getEntry(txn_id)
	record := NewUpdatePageLogRecord(txn_id, page_id, entry.last_lsn, offset, before, after)
	lsn := rm.log_manager.AppendLogRecord(record)
	entry.last_lsn = lsn
	entry.touched_pages.Add(page_id)

	rm.table_latch.Lock()
	if _, ok := rm.dirty_page_table[page_id]; !ok {
		// recLSN is the first LSN that dirtied the page
		rm.dirty_page_table[page_id] = lsn
	}
	rm.table_latch.Unlock()
	return lsn
}

// LogAllocPage records a page allocation and flushes: the allocation hits
// disk as soon as the collaborator returns. Log-partition pages return -1.
func (rm *RecoveryManager) LogAllocPage(txn_id types.TxnID, page_id types.PageID) types.LSN {
	if disk.GetPartNum(page_id) == common.LogPartition {
		return -1
	}
	entry := rm.getEntry(txn_id)
	lsn := rm.log_manager.AppendLogRecord(NewPageLogRecord(txn_id, page_id, entry.last_lsn, ALLOC_PAGE))
	entry.last_lsn = lsn
	entry.touched_pages.Add(page_id)
	rm.log_manager.FlushToLSN(lsn)
	return lsn
}

// LogFreePage records a page free and flushes. The freed page no longer
// needs recovery, so it leaves the DPT.
func (rm *RecoveryManager) LogFreePage(txn_id types.TxnID, page_id types.PageID) types.LSN {
	if disk.GetPartNum(page_id) == common.LogPartition {
		return -1
	}
	entry := rm.getEntry(txn_id)
	lsn := rm.log_manager.AppendLogRecord(NewPageLogRecord(txn_id, page_id, entry.last_lsn, FREE_PAGE))
	entry.last_lsn = lsn
	entry.touched_pages.Add(page_id)
	rm.removeDirtyPage(page_id)
	rm.log_manager.FlushToLSN(lsn)
	return lsn
}

// LogAllocPart records a partition allocation and flushes
func (rm *RecoveryManager) LogAllocPart(txn_id types.TxnID, part_num int32) types.LSN {
	if part_num == common.LogPartition {
		return -1
	}
	entry := rm.getEntry(txn_id)
	lsn := rm.log_manager.AppendLogRecord(NewPartLogRecord(txn_id, part_num, entry.last_lsn, ALLOC_PART))
	entry.last_lsn = lsn
	rm.log_manager.FlushToLSN(lsn)
	return lsn
}

// LogFreePart records a partition free and flushes
func (rm *RecoveryManager) LogFreePart(txn_id types.TxnID, part_num int32) types.LSN {
	if part_num == common.LogPartition {
		return -1
	}
	entry := rm.getEntry(txn_id)
	lsn := rm.log_manager.AppendLogRecord(NewPartLogRecord(txn_id, part_num, entry.last_lsn, FREE_PART))
	entry.last_lsn = lsn
	rm.log_manager.FlushToLSN(lsn)
	return lsn
}

// Savepoint remembers the transaction's current last_lsn under name,
// replacing a previous savepoint of the same name.
func (rm *RecoveryManager) Savepoint(txn_id types.TxnID, name string) {
	entry := rm.getEntry(txn_id)
	entry.savepoints[name] = entry.last_lsn
}

// ReleaseSavepoint forgets a savepoint
func (rm *RecoveryManager) ReleaseSavepoint(txn_id types.TxnID, name string) {
	entry := rm.getEntry(txn_id)
	delete(entry.savepoints, name)
}

// RollbackToSavepoint undoes everything the transaction did strictly after
// the savepoint. The status does not change.
func (rm *RecoveryManager) RollbackToSavepoint(txn_id types.TxnID, name string) error {
	rm.mutex.Lock()
	defer rm.mutex.Unlock()

	entry := rm.getEntry(txn_id)
	savepoint_lsn, ok := entry.savepoints[name]
	common.MkAssert(ok, fmt.Sprintf("unknown savepoint %s of transaction %d", name, txn_id))
	_, err := rm.rollbackToLSN(txn_id, savepoint_lsn)
	return err
}

/**
 * Checkpoint takes a fuzzy checkpoint: a begin record, then the DPT and
 * transaction table streamed into as many end records as they need, a flush
 * through the last end record, and finally the master record rewritten to
 * the begin record's LSN.
 */
func (rm *RecoveryManager) Checkpoint() types.LSN {
	rm.mutex.Lock()
	defer rm.mutex.Unlock()
	return rm.checkpointLocked()
}

func (rm *RecoveryManager) checkpointLocked() types.LSN {
	begin_lsn := rm.log_manager.AppendLogRecord(NewBeginCheckpointLogRecord())

	type txnSnapshot struct {
		txn_id   types.TxnID
		status   access.TransactionStatus
		last_lsn types.LSN
	}
	rm.table_latch.RLock()
	dptSnapshot := make(map[types.PageID]types.LSN, len(rm.dirty_page_table))
	for page_id, rec_lsn := range rm.dirty_page_table {
		dptSnapshot[page_id] = rec_lsn
	}
	txnSnapshots := make([]txnSnapshot, 0, len(rm.transaction_table))
	for txn_id, entry := range rm.transaction_table {
		txnSnapshots = append(txnSnapshots, txnSnapshot{txn_id, entry.transaction.GetStatus(), entry.last_lsn})
	}
	rm.table_latch.RUnlock()

	chkptDPT := make(map[types.PageID]types.LSN)
	chkptTxnTable := make(map[types.TxnID]pair.Pair[access.TransactionStatus, types.LSN])
	emit := func() {
		rm.log_manager.AppendLogRecord(NewEndCheckpointLogRecord(chkptDPT, chkptTxnTable))
		chkptDPT = make(map[types.PageID]types.LSN)
		chkptTxnTable = make(map[types.TxnID]pair.Pair[access.TransactionStatus, types.LSN])
	}
	for page_id, rec_lsn := range dptSnapshot {
		if !EndCheckpointFitsInOneRecord(len(chkptDPT)+1, len(chkptTxnTable)) {
			emit()
		}
		chkptDPT[page_id] = rec_lsn
	}
	for _, snap := range txnSnapshots {
		if !EndCheckpointFitsInOneRecord(len(chkptDPT), len(chkptTxnTable)+1) {
			emit()
		}
		chkptTxnTable[snap.txn_id] = pair.Pair[access.TransactionStatus, types.LSN]{First: snap.status, Second: snap.last_lsn}
	}
	// the final end record goes out even when empty
	end_lsn := rm.log_manager.AppendLogRecord(NewEndCheckpointLogRecord(chkptDPT, chkptTxnTable))

	rm.log_manager.FlushToLSN(end_lsn)
	rm.log_manager.RewriteMasterRecord(NewMasterLogRecord(begin_lsn))
	return begin_lsn
}

const (
	endCheckpointBaseSize = 16
	endCheckpointDPTEntry = 16
	endCheckpointTxnEntry = 20
)

// EndCheckpointFitsInOneRecord bounds an end checkpoint record to one page
func EndCheckpointFitsInOneRecord(numDPTEntries int, numTxnEntries int) bool {
	size := endCheckpointBaseSize + numDPTEntries*endCheckpointDPTEntry + numTxnEntries*endCheckpointTxnEntry
	return size <= common.EffectivePageSize
}

// FlushToLSN flushes the log through at least the given record
func (rm *RecoveryManager) FlushToLSN(lsn types.LSN) {
	rm.log_manager.FlushToLSN(lsn)
}

// PageFlushHook runs before the buffer manager writes out a dirty page:
// WAL requires the log flushed through the page's LSN first.
func (rm *RecoveryManager) PageFlushHook(page_lsn types.LSN) {
	rm.log_manager.FlushToLSN(page_lsn)
}

// DiskIOHook runs after a page reached disk; it is clean now, so it leaves
// the DPT. Suppressed until redo finishes so the reconstructed DPT survives
// the redo phase's own page writes.
func (rm *RecoveryManager) DiskIOHook(page_id types.PageID) {
	if rm.redo_complete {
		rm.removeDirtyPage(page_id)
	}
}

// DirtyPage records that page_id was dirtied at lsn. Concurrent loggers may
// arrive out of order, so an existing entry keeps the minimum.
func (rm *RecoveryManager) DirtyPage(page_id types.PageID, lsn types.LSN) {
	rm.table_latch.Lock()
	defer rm.table_latch.Unlock()
	if rec_lsn, ok := rm.dirty_page_table[page_id]; !ok || lsn < rec_lsn {
		rm.dirty_page_table[page_id] = lsn
	}
}

func (rm *RecoveryManager) removeDirtyPage(page_id types.PageID) {
	rm.table_latch.Lock()
	defer rm.table_latch.Unlock()
	delete(rm.dirty_page_table, page_id)
}

// GetDirtyPageTable returns a snapshot of the DPT
func (rm *RecoveryManager) GetDirtyPageTable() map[types.PageID]types.LSN {
	rm.table_latch.RLock()
	defer rm.table_latch.RUnlock()
	ret := make(map[types.PageID]types.LSN, len(rm.dirty_page_table))
	for page_id, rec_lsn := range rm.dirty_page_table {
		ret[page_id] = rec_lsn
	}
	return ret
}

// GetTransactionTableEntry returns the live entry for a transaction, if any
func (rm *RecoveryManager) GetTransactionTableEntry(txn_id types.TxnID) (*TransactionTableEntry, bool) {
	rm.table_latch.RLock()
	defer rm.table_latch.RUnlock()
	entry, ok := rm.transaction_table[txn_id]
	return entry, ok
}

// GetLogManager exposes the log for collaborators and tests
func (rm *RecoveryManager) GetLogManager() *LogManager {
	return rm.log_manager
}

// Close takes a final checkpoint and closes the log
func (rm *RecoveryManager) Close() {
	rm.Checkpoint()
	rm.log_manager.Close()
}
