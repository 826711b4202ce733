package recovery

import (
	"container/heap"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/medaka-db/medaka/common"
	"github.com/medaka-db/medaka/storage/access"
	"github.com/medaka-db/medaka/types"
)

/**
 * Restart recovery. Runs once at startup, single-threaded; no transaction
 * may start until it returns.
 *
 *   analysis -> redo -> (clean DPT) -> undo -> checkpoint
 */
func (rm *RecoveryManager) Restart() error {
	rm.restartAnalysis()
	if err := rm.restartRedo(); err != nil {
		return err
	}
	rm.redo_complete = true
	rm.cleanDPT()
	if err := rm.restartUndo(); err != nil {
		return err
	}
	rm.Checkpoint()
	return nil
}

func (rm *RecoveryManager) ensureTransaction(txn_id types.TxnID) *TransactionTableEntry {
	rm.table_latch.Lock()
	defer rm.table_latch.Unlock()
	if entry, ok := rm.transaction_table[txn_id]; ok {
		return entry
	}
	entry := NewTransactionTableEntry(rm.new_transaction(txn_id))
	rm.transaction_table[txn_id] = entry
	return entry
}

/**
 * Analysis reconstructs the transaction table and DPT by scanning forward
 * from the last completed checkpoint named by the master record.
 *
 * Per record:
 *  - a transaction-owned record registers the transaction (fresh handle via
 *    the injected factory) and advances its last_lsn;
 *  - UPDATE/UNDO_UPDATE dirty their page (insert recLSN if absent);
 *    FREE/UNDO_ALLOC make disk authoritative (remove); ALLOC/UNDO_FREE are
 *    no-ops for the DPT;
 *  - status records move the transaction to COMMITTING / RECOVERY_ABORTING,
 *    and END records retire it into the ended set;
 *  - END_CHECKPOINT snapshots overwrite DPT entries, and merge transaction
 *    entries (max last_lsn, status upgraded only along legal transitions,
 *    ended transactions skipped).
 *
 * Afterwards every COMMITTING transaction is ended and every RUNNING one is
 * moved to RECOVERY_ABORTING with a fresh abort record.
 */
func (rm *RecoveryManager) restartAnalysis() {
	master := rm.log_manager.FetchLogRecord(0)
	common.MkAssert(master.GetType() == MASTER, "log does not start with a master record")

	ended := mapset.NewSet[types.TxnID]()
	iter := rm.log_manager.ScanFrom(master.Last_checkpoint_lsn)
	for {
		record, ok := iter.Next()
		if !ok {
			break
		}

		if txn_id, ok := record.GetTxnID(); ok {
			entry := rm.ensureTransaction(txn_id)
			if entry.last_lsn < record.GetLSN() {
				entry.last_lsn = record.GetLSN()
			}
		}

		if page_id, ok := record.GetPageID(); ok {
			switch record.GetType() {
			case UPDATE_PAGE, UNDO_UPDATE_PAGE:
				rm.table_latch.Lock()
				if _, ok := rm.dirty_page_table[page_id]; !ok {
					rm.dirty_page_table[page_id] = record.GetLSN()
				}
				rm.table_latch.Unlock()
			case FREE_PAGE, UNDO_ALLOC_PAGE:
				rm.removeDirtyPage(page_id)
			}
		}

		switch record.GetType() {
		case COMMIT_TXN:
			entry := rm.ensureTransaction(record.Txn_id)
			entry.transaction.SetStatus(access.COMMITTING)
		case ABORT_TXN:
			entry := rm.ensureTransaction(record.Txn_id)
			entry.transaction.SetStatus(access.RECOVERY_ABORTING)
		case END_TXN:
			entry := rm.ensureTransaction(record.Txn_id)
			entry.transaction.Cleanup()
			entry.transaction.SetStatus(access.COMPLETE)
			rm.table_latch.Lock()
			delete(rm.transaction_table, record.Txn_id)
			rm.table_latch.Unlock()
			ended.Add(record.Txn_id)
		case END_CHECKPOINT:
			rm.table_latch.Lock()
			for page_id, rec_lsn := range record.Dpt {
				// the checkpointed recLSN is authoritative
				rm.dirty_page_table[page_id] = rec_lsn
			}
			rm.table_latch.Unlock()
			for txn_id, snap := range record.Txn_table {
				if ended.Contains(txn_id) {
					continue
				}
				entry := rm.ensureTransaction(txn_id)
				if entry.last_lsn < snap.Second {
					entry.last_lsn = snap.Second
				}
				if entry.transaction.GetStatus() == access.RUNNING {
					switch snap.First {
					case access.ABORTING, access.RECOVERY_ABORTING:
						entry.transaction.SetStatus(access.RECOVERY_ABORTING)
					case access.COMMITTING:
						entry.transaction.SetStatus(access.COMMITTING)
					}
				}
			}
		}
	}

	rm.endingTransactions()
}

// endingTransactions retires COMMITTING transactions and turns RUNNING ones
// into RECOVERY_ABORTING with an abort record, after the analysis scan.
func (rm *RecoveryManager) endingTransactions() {
	rm.table_latch.Lock()
	entries := make([]*TransactionTableEntry, 0, len(rm.transaction_table))
	for _, entry := range rm.transaction_table {
		entries = append(entries, entry)
	}
	rm.table_latch.Unlock()

	for _, entry := range entries {
		txn := entry.transaction
		switch txn.GetStatus() {
		case access.COMMITTING:
			txn.Cleanup()
			txn.SetStatus(access.COMPLETE)
			rm.log_manager.AppendLogRecord(NewTxnLogRecord(txn.GetTransactionId(), entry.last_lsn, END_TXN))
			rm.table_latch.Lock()
			delete(rm.transaction_table, txn.GetTransactionId())
			rm.table_latch.Unlock()
		case access.RUNNING:
			txn.SetStatus(access.RECOVERY_ABORTING)
			lsn := rm.log_manager.AppendLogRecord(NewTxnLogRecord(txn.GetTransactionId(), entry.last_lsn, ABORT_TXN))
			entry.last_lsn = lsn
		}
	}
}

/**
 * Redo replays history from the smallest recLSN in the DPT. Partition
 * records and page allocations always replay; page-modifying records replay
 * only when the page is in the DPT, the record is at or past the page's
 * recLSN and the on-page LSN is older than the record. The page-LSN guard is
 * what makes redo idempotent.
 */
func (rm *RecoveryManager) restartRedo() error {
	rm.table_latch.RLock()
	redo_lsn := types.LSN(-1)
	for _, rec_lsn := range rm.dirty_page_table {
		if redo_lsn < 0 || rec_lsn < redo_lsn {
			redo_lsn = rec_lsn
		}
	}
	rm.table_latch.RUnlock()
	if redo_lsn < 0 {
		// empty DPT: nothing dirtied since the last flush
		return nil
	}

	iter := rm.log_manager.ScanFrom(redo_lsn)
	for {
		record, ok := iter.Next()
		if !ok {
			break
		}
		if !record.IsRedoable() {
			continue
		}

		if _, isPart := record.GetPartNum(); isPart {
			if err := record.Redo(rm, rm.disk_manager, rm.buffer_manager); err != nil {
				return err
			}
			continue
		}
		switch record.GetType() {
		case ALLOC_PAGE, UNDO_FREE_PAGE:
			if err := record.Redo(rm, rm.disk_manager, rm.buffer_manager); err != nil {
				return err
			}
		case UPDATE_PAGE, UNDO_UPDATE_PAGE, FREE_PAGE, UNDO_ALLOC_PAGE:
			page_id, _ := record.GetPageID()
			rm.table_latch.RLock()
			rec_lsn, inDPT := rm.dirty_page_table[page_id]
			rm.table_latch.RUnlock()
			if !inDPT || record.GetLSN() < rec_lsn {
				continue
			}
			pg, err := rm.buffer_manager.FetchPage(page_id)
			if err != nil {
				if record.GetType() == FREE_PAGE || record.GetType() == UNDO_ALLOC_PAGE {
					// the free already reached disk before the crash
					continue
				}
				return err
			}
			page_lsn := pg.GetPageLSN()
			if page_lsn < record.GetLSN() {
				if err := record.Redo(rm, rm.disk_manager, rm.buffer_manager); err != nil {
					rm.buffer_manager.UnpinPage(page_id, false)
					return err
				}
			}
			if err := rm.buffer_manager.UnpinPage(page_id, false); err != nil {
				return err
			}
		}
	}
	return nil
}

// cleanDPT keeps only pages the buffer manager still holds dirty, purging
// the phantom entries conservative analysis may have introduced.
func (rm *RecoveryManager) cleanDPT() {
	dirty := mapset.NewSet[types.PageID]()
	rm.buffer_manager.IterPageNums(func(page_id types.PageID, isDirty bool) {
		if isDirty {
			dirty.Add(page_id)
		}
	})

	rm.table_latch.Lock()
	defer rm.table_latch.Unlock()
	oldDPT := rm.dirty_page_table
	rm.dirty_page_table = make(map[types.PageID]types.LSN)
	for _, page_id := range dirty.ToSlice() {
		if rec_lsn, ok := oldDPT[page_id]; ok {
			rm.dirty_page_table[page_id] = rec_lsn
		}
	}
}

// lsnMaxHeap pops the largest LSN first
type lsnMaxHeap []types.LSN

func (h lsnMaxHeap) Len() int            { return len(h) }
func (h lsnMaxHeap) Less(i, j int) bool  { return h[i] > h[j] }
func (h lsnMaxHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *lsnMaxHeap) Push(x interface{}) { *h = append(*h, x.(types.LSN)) }
func (h *lsnMaxHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

/**
 * Undo rolls back every RECOVERY_ABORTING transaction, interleaved in
 * descending LSN order off a max-priority queue. Undoable records emit and
 * replay a CLR; the queue entry is replaced by the record's undo_next_lsn
 * (or prev_lsn), and a transaction whose next LSN is 0 is retired with an
 * end record.
 */
func (rm *RecoveryManager) restartUndo() error {
	pq := &lsnMaxHeap{}
	rm.table_latch.RLock()
	for _, entry := range rm.transaction_table {
		if entry.transaction.GetStatus() == access.RECOVERY_ABORTING {
			*pq = append(*pq, entry.last_lsn)
		}
	}
	rm.table_latch.RUnlock()
	heap.Init(pq)

	for pq.Len() > 0 {
		last_lsn := heap.Pop(pq).(types.LSN)
		record := rm.log_manager.FetchLogRecord(last_lsn)
		txn_id, ok := record.GetTxnID()
		common.MkAssert(ok, "undo met a record with no transaction")
		entry := rm.getEntry(txn_id)

		if record.IsUndoable() {
			clr := record.Undo(entry.last_lsn)
			clr_lsn := rm.log_manager.AppendLogRecord(clr)
			entry.last_lsn = clr_lsn
			if err := clr.Redo(rm, rm.disk_manager, rm.buffer_manager); err != nil {
				return err
			}
		}

		next := record.Prev_lsn
		if undo_next, ok := record.GetUndoNextLSN(); ok {
			next = undo_next
		}
		if next == 0 {
			entry.transaction.Cleanup()
			entry.transaction.SetStatus(access.COMPLETE)
			rm.log_manager.AppendLogRecord(NewTxnLogRecord(txn_id, entry.last_lsn, END_TXN))
			rm.table_latch.Lock()
			delete(rm.transaction_table, txn_id)
			rm.table_latch.Unlock()
		} else {
			heap.Push(pq, next)
		}
	}
	return nil
}
