package recovery

import (
	"testing"

	testingpkg "github.com/medaka-db/medaka/testing/testing_assert"

	"github.com/medaka-db/medaka/common"
	"github.com/medaka-db/medaka/storage/disk"
	"github.com/medaka-db/medaka/types"
)

func TestAppendAssignsDenseLSNs(t *testing.T) {
	disk_manager := disk.NewVirtualDiskManagerImpl()
	log_manager := NewLogManager(disk_manager)

	testingpkg.Equals(t, types.LSN(0), log_manager.AppendLogRecord(NewMasterLogRecord(0)))
	testingpkg.Equals(t, types.LSN(1), log_manager.AppendLogRecord(NewTxnLogRecord(1, 0, COMMIT_TXN)))
	testingpkg.Equals(t, types.LSN(2), log_manager.AppendLogRecord(NewTxnLogRecord(1, 1, END_TXN)))

	testingpkg.Equals(t, COMMIT_TXN, log_manager.FetchLogRecord(1).GetType())
	testingpkg.Equals(t, END_TXN, log_manager.FetchLogRecord(2).GetType())
}

func TestFlushTracking(t *testing.T) {
	disk_manager := disk.NewVirtualDiskManagerImpl()
	log_manager := NewLogManager(disk_manager)

	log_manager.AppendLogRecord(NewMasterLogRecord(0))
	lsn := log_manager.AppendLogRecord(NewTxnLogRecord(1, 0, COMMIT_TXN))
	testingpkg.Assert(t, log_manager.GetFlushedLSN() < lsn, "append alone must not flush")

	log_manager.FlushToLSN(lsn)
	testingpkg.Assert(t, log_manager.GetFlushedLSN() >= lsn, "FlushToLSN must reach the record")

	// already-flushed targets are no-ops
	log_manager.FlushToLSN(lsn - 1)
	testingpkg.Assert(t, log_manager.GetFlushedLSN() >= lsn, "flushed LSN never regresses")
}

// reopening the log drops unflushed records, keeps the rest
func TestReopenAfterCrash(t *testing.T) {
	disk_manager := disk.NewVirtualDiskManagerImpl()
	log_manager := NewLogManager(disk_manager)

	log_manager.AppendLogRecord(NewMasterLogRecord(0))
	flushed := log_manager.AppendLogRecord(NewUpdatePageLogRecord(1, types.PageID(common.PagesPerPartition+1), 0, 4, []byte{1}, []byte{2}))
	log_manager.FlushToLSN(flushed)
	lost := log_manager.AppendLogRecord(NewTxnLogRecord(1, flushed, COMMIT_TXN))

	reopened := NewLogManager(disk_manager)
	testingpkg.Equals(t, flushed, reopened.GetFlushedLSN())

	record := reopened.FetchLogRecord(flushed)
	testingpkg.Equals(t, UPDATE_PAGE, record.GetType())
	testingpkg.Equals(t, uint16(4), record.Offset)
	testingpkg.Equals(t, []byte{1}, record.Before)
	testingpkg.Equals(t, []byte{2}, record.After)

	// the unflushed commit is gone, and its LSN is reusable
	next := reopened.AppendLogRecord(NewTxnLogRecord(2, 0, ABORT_TXN))
	testingpkg.Equals(t, lost, next)
}

func TestRewriteMasterSurvivesReopen(t *testing.T) {
	disk_manager := disk.NewVirtualDiskManagerImpl()
	log_manager := NewLogManager(disk_manager)

	log_manager.AppendLogRecord(NewMasterLogRecord(0))
	lsn := log_manager.AppendLogRecord(NewBeginCheckpointLogRecord())
	log_manager.FlushToLSN(lsn)
	log_manager.RewriteMasterRecord(NewMasterLogRecord(lsn))

	reopened := NewLogManager(disk_manager)
	master := reopened.FetchLogRecord(0)
	testingpkg.Equals(t, MASTER, master.GetType())
	testingpkg.Equals(t, lsn, master.Last_checkpoint_lsn)
}

func TestScanIsBounded(t *testing.T) {
	disk_manager := disk.NewVirtualDiskManagerImpl()
	log_manager := NewLogManager(disk_manager)

	log_manager.AppendLogRecord(NewMasterLogRecord(0))
	for i := 0; i < 5; i++ {
		log_manager.AppendLogRecord(NewTxnLogRecord(1, types.LSN(i), ABORT_TXN))
	}

	iter := log_manager.ScanFrom(2)
	count := 0
	for {
		record, ok := iter.Next()
		if !ok {
			break
		}
		testingpkg.Assert(t, record.GetLSN() >= 2, "scan must start at the requested LSN")
		count += 1
	}
	testingpkg.Equals(t, 4, count)

	// records appended after the scan started are not visited
	iter = log_manager.ScanFrom(0)
	log_manager.AppendLogRecord(NewTxnLogRecord(1, 5, END_TXN))
	count = 0
	for {
		_, ok := iter.Next()
		if !ok {
			break
		}
		count += 1
	}
	testingpkg.Equals(t, 6, count)
}
