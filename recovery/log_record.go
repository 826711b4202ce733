package recovery

import (
	pair "github.com/notEpsilon/go-pair"

	"github.com/medaka-db/medaka/storage/access"
	"github.com/medaka-db/medaka/types"
)

type LogRecordType int32

/** The type of the log record. */
const (
	INVALID LogRecordType = iota
	MASTER
	UPDATE_PAGE
	UNDO_UPDATE_PAGE
	ALLOC_PAGE
	UNDO_ALLOC_PAGE
	FREE_PAGE
	UNDO_FREE_PAGE
	ALLOC_PART
	UNDO_ALLOC_PART
	FREE_PART
	UNDO_FREE_PART
	COMMIT_TXN
	ABORT_TXN
	END_TXN
	BEGIN_CHECKPOINT
	END_CHECKPOINT
)

/**
 * LogRecord is the tagged union over every record kind the log can hold.
 * One struct carries the fields of all variants (the tag decides which are
 * meaningful), so records serialize as a single shape and the manager can
 * dispatch on Log_record_type.
 *
 * Chaining: Prev_lsn links a transaction's records back to its first one;
 * Undo_next_lsn (CLRs only) points at the next record that still needs
 * undoing, which is what makes crash-during-rollback idempotent.
 */
type LogRecord struct {
	Lsn             types.LSN
	Log_record_type LogRecordType

	// transaction-owned records
	Txn_id   types.TxnID
	Prev_lsn types.LSN

	// case1: for page update operation and its CLR
	Page_id types.PageID
	Offset  uint16
	Before  []byte
	After   []byte

	// case2: for partition lifecycle operation
	Part_num int32

	// case3: for CLRs (UNDO_*)
	Undo_next_lsn types.LSN

	// case4: for the master record
	Last_checkpoint_lsn types.LSN

	// case5: for end checkpoint operation
	Dpt       map[types.PageID]types.LSN
	Txn_table map[types.TxnID]pair.Pair[access.TransactionStatus, types.LSN]
}

// NewMasterLogRecord builds the record held at LSN 0
func NewMasterLogRecord(lastCheckpointLSN types.LSN) *LogRecord {
	return &LogRecord{Log_record_type: MASTER, Last_checkpoint_lsn: lastCheckpointLSN}
}

// NewUpdatePageLogRecord logs a byte-range overwrite on a page
func NewUpdatePageLogRecord(txn_id types.TxnID, page_id types.PageID, prev_lsn types.LSN,
	offset uint16, before []byte, after []byte) *LogRecord {
	return &LogRecord{
		Log_record_type: UPDATE_PAGE,
		Txn_id:          txn_id,
		Prev_lsn:        prev_lsn,
		Page_id:         page_id,
		Offset:          offset,
		Before:          before,
		After:           after,
	}
}

// NewPageLogRecord builds ALLOC_PAGE / FREE_PAGE records
func NewPageLogRecord(txn_id types.TxnID, page_id types.PageID, prev_lsn types.LSN,
	log_record_type LogRecordType) *LogRecord {
	return &LogRecord{
		Log_record_type: log_record_type,
		Txn_id:          txn_id,
		Prev_lsn:        prev_lsn,
		Page_id:         page_id,
	}
}

// NewPartLogRecord builds ALLOC_PART / FREE_PART records
func NewPartLogRecord(txn_id types.TxnID, part_num int32, prev_lsn types.LSN,
	log_record_type LogRecordType) *LogRecord {
	return &LogRecord{
		Log_record_type: log_record_type,
		Txn_id:          txn_id,
		Prev_lsn:        prev_lsn,
		Part_num:        part_num,
	}
}

// NewTxnLogRecord builds COMMIT_TXN / ABORT_TXN / END_TXN records
func NewTxnLogRecord(txn_id types.TxnID, prev_lsn types.LSN, log_record_type LogRecordType) *LogRecord {
	return &LogRecord{
		Log_record_type: log_record_type,
		Txn_id:          txn_id,
		Prev_lsn:        prev_lsn,
	}
}

func NewBeginCheckpointLogRecord() *LogRecord {
	return &LogRecord{Log_record_type: BEGIN_CHECKPOINT}
}

func NewEndCheckpointLogRecord(dpt map[types.PageID]types.LSN,
	txnTable map[types.TxnID]pair.Pair[access.TransactionStatus, types.LSN]) *LogRecord {
	return &LogRecord{Log_record_type: END_CHECKPOINT, Dpt: dpt, Txn_table: txnTable}
}

func (lr *LogRecord) GetLSN() types.LSN { return lr.Lsn }

func (lr *LogRecord) GetType() LogRecordType { return lr.Log_record_type }

// GetTxnID reports the owning transaction, when the record has one
func (lr *LogRecord) GetTxnID() (types.TxnID, bool) {
	switch lr.Log_record_type {
	case MASTER, BEGIN_CHECKPOINT, END_CHECKPOINT, INVALID:
		return 0, false
	}
	return lr.Txn_id, true
}

// GetPrevLSN reports the previous record of the same transaction.
// Zero means the chain starts here.
func (lr *LogRecord) GetPrevLSN() (types.LSN, bool) {
	if _, ok := lr.GetTxnID(); !ok {
		return 0, false
	}
	return lr.Prev_lsn, true
}

// GetUndoNextLSN reports the next LSN to undo; present on CLRs only
func (lr *LogRecord) GetUndoNextLSN() (types.LSN, bool) {
	switch lr.Log_record_type {
	case UNDO_UPDATE_PAGE, UNDO_ALLOC_PAGE, UNDO_FREE_PAGE, UNDO_ALLOC_PART, UNDO_FREE_PART:
		return lr.Undo_next_lsn, true
	}
	return 0, false
}

// GetPageID reports the page the record touches, when it touches one
func (lr *LogRecord) GetPageID() (types.PageID, bool) {
	switch lr.Log_record_type {
	case UPDATE_PAGE, UNDO_UPDATE_PAGE, ALLOC_PAGE, UNDO_ALLOC_PAGE, FREE_PAGE, UNDO_FREE_PAGE:
		return lr.Page_id, true
	}
	return 0, false
}

// GetPartNum reports the partition the record touches, when it touches one
func (lr *LogRecord) GetPartNum() (int32, bool) {
	switch lr.Log_record_type {
	case ALLOC_PART, UNDO_ALLOC_PART, FREE_PART, UNDO_FREE_PART:
		return lr.Part_num, true
	}
	return 0, false
}

// IsRedoable reports whether Redo is meaningful for this record
func (lr *LogRecord) IsRedoable() bool {
	switch lr.Log_record_type {
	case UPDATE_PAGE, UNDO_UPDATE_PAGE,
		ALLOC_PAGE, UNDO_ALLOC_PAGE, FREE_PAGE, UNDO_FREE_PAGE,
		ALLOC_PART, UNDO_ALLOC_PART, FREE_PART, UNDO_FREE_PART:
		return true
	}
	return false
}

// IsUndoable reports whether the record can produce a CLR
func (lr *LogRecord) IsUndoable() bool {
	switch lr.Log_record_type {
	case UPDATE_PAGE, ALLOC_PAGE, FREE_PAGE, ALLOC_PART, FREE_PART:
		return true
	}
	return false
}

/**
 * Undo pairs the record with a CLR describing its reversal. The CLR's
 * Prev_lsn is supplied by the caller (the transaction's current last LSN);
 * its Undo_next_lsn is this record's Prev_lsn, so a restarted rollback
 * resumes past it. Calling Undo does not apply anything; replay the returned
 * CLR with Redo.
 */
func (lr *LogRecord) Undo(clr_prev_lsn types.LSN) *LogRecord {
	switch lr.Log_record_type {
	case UPDATE_PAGE:
		return &LogRecord{
			Log_record_type: UNDO_UPDATE_PAGE,
			Txn_id:          lr.Txn_id,
			Prev_lsn:        clr_prev_lsn,
			Page_id:         lr.Page_id,
			Offset:          lr.Offset,
			After:           lr.Before,
			Undo_next_lsn:   lr.Prev_lsn,
		}
	case ALLOC_PAGE:
		return &LogRecord{
			Log_record_type: UNDO_ALLOC_PAGE,
			Txn_id:          lr.Txn_id,
			Prev_lsn:        clr_prev_lsn,
			Page_id:         lr.Page_id,
			Undo_next_lsn:   lr.Prev_lsn,
		}
	case FREE_PAGE:
		return &LogRecord{
			Log_record_type: UNDO_FREE_PAGE,
			Txn_id:          lr.Txn_id,
			Prev_lsn:        clr_prev_lsn,
			Page_id:         lr.Page_id,
			Undo_next_lsn:   lr.Prev_lsn,
		}
	case ALLOC_PART:
		return &LogRecord{
			Log_record_type: UNDO_ALLOC_PART,
			Txn_id:          lr.Txn_id,
			Prev_lsn:        clr_prev_lsn,
			Part_num:        lr.Part_num,
			Undo_next_lsn:   lr.Prev_lsn,
		}
	case FREE_PART:
		return &LogRecord{
			Log_record_type: UNDO_FREE_PART,
			Txn_id:          lr.Txn_id,
			Prev_lsn:        clr_prev_lsn,
			Part_num:        lr.Part_num,
			Undo_next_lsn:   lr.Prev_lsn,
		}
	}
	panic("Undo called on a non-undoable log record")
}

/**
 * Redo applies the record's effect. Page images go through the buffer
 * manager (pin, write, bump page LSN, unpin); allocation state goes straight
 * to the disk manager, where already-applied operations surface as benign
 * allocation errors and are ignored (redo is idempotent).
 */
func (lr *LogRecord) Redo(rm *RecoveryManager, dm DiskSpaceManager, bpm BufferManager) error {
	switch lr.Log_record_type {
	case UPDATE_PAGE, UNDO_UPDATE_PAGE:
		pg, err := bpm.FetchPage(lr.Page_id)
		if err != nil {
			return err
		}
		pg.WLatch()
		pg.WriteDataAt(lr.Offset, lr.After)
		pg.SetPageLSN(lr.Lsn)
		pg.WUnlatch()
		rm.DirtyPage(lr.Page_id, lr.Lsn)
		return bpm.UnpinPage(lr.Page_id, true)
	case ALLOC_PAGE, UNDO_FREE_PAGE:
		dm.AllocPage(lr.Page_id)
		return nil
	case FREE_PAGE:
		dm.DeallocPage(lr.Page_id)
		return nil
	case UNDO_ALLOC_PAGE:
		dm.DeallocPage(lr.Page_id)
		rm.removeDirtyPage(lr.Page_id)
		return nil
	case ALLOC_PART, UNDO_FREE_PART:
		dm.AllocPart(lr.Part_num)
		return nil
	case FREE_PART, UNDO_ALLOC_PART:
		dm.DeallocPart(lr.Part_num)
		return nil
	}
	panic("Redo called on a non-redoable log record")
}
