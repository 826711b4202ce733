package medaka

import (
	"github.com/medaka-db/medaka/common"
	"github.com/medaka-db/medaka/concurrency"
	"github.com/medaka-db/medaka/recovery"
	"github.com/medaka-db/medaka/storage/access"
	"github.com/medaka-db/medaka/storage/buffer"
	"github.com/medaka-db/medaka/storage/disk"
	"github.com/medaka-db/medaka/types"
)

/**
 * MedakaInstance wires the six managers together. The buffer pool and the
 * recovery manager depend on each other (WAL hook one way, page fetch the
 * other), so both are built first and linked afterwards via SetManagers /
 * SetRecoveryManager.
 */
type MedakaInstance struct {
	disk_manager        *disk.VirtualDiskManagerImpl
	log_manager         *recovery.LogManager
	bpm                 *buffer.BufferPoolManager
	lock_manager        *concurrency.LockManager
	recovery_manager    *recovery.RecoveryManager
	transaction_manager *concurrency.TransactionManager
}

// NewMedakaInstance brings up a fresh in-memory database and initializes
// the log (master record + first checkpoint).
func NewMedakaInstance(poolSize uint32) *MedakaInstance {
	disk_manager := disk.NewVirtualDiskManagerImpl()
	instance := newInstanceOn(disk_manager, poolSize)
	instance.recovery_manager.Initialize()
	return instance
}

// NewMedakaInstanceFrom reopens the "disk" of a crashed instance without
// running restart recovery; callers decide when Restart happens.
func NewMedakaInstanceFrom(prev *MedakaInstance, poolSize uint32) *MedakaInstance {
	disk_manager := disk.NewVirtualDiskManagerImplWithLog(prev.disk_manager)
	return newInstanceOn(disk_manager, poolSize)
}

func newInstanceOn(disk_manager *disk.VirtualDiskManagerImpl, poolSize uint32) *MedakaInstance {
	if poolSize == 0 {
		poolSize = common.BufferPoolMaxFrameNumForTest
	}
	log_manager := recovery.NewLogManager(disk_manager)
	bpm := buffer.NewBufferPoolManager(poolSize, disk_manager)
	lock_manager := concurrency.NewLockManager()

	var transaction_manager *concurrency.TransactionManager
	recovery_manager := recovery.NewRecoveryManager(func(txn_id types.TxnID) *access.Transaction {
		return transaction_manager.NewTransactionForRecovery(txn_id)
	})
	transaction_manager = concurrency.NewTransactionManager(lock_manager, recovery_manager)

	recovery_manager.SetManagers(disk_manager, bpm, log_manager)
	bpm.SetRecoveryManager(recovery_manager)

	return &MedakaInstance{
		disk_manager:        disk_manager,
		log_manager:         log_manager,
		bpm:                 bpm,
		lock_manager:        lock_manager,
		recovery_manager:    recovery_manager,
		transaction_manager: transaction_manager,
	}
}

func (mi *MedakaInstance) GetDiskManager() *disk.VirtualDiskManagerImpl {
	return mi.disk_manager
}

func (mi *MedakaInstance) GetLogManager() *recovery.LogManager {
	return mi.log_manager
}

func (mi *MedakaInstance) GetBufferPoolManager() *buffer.BufferPoolManager {
	return mi.bpm
}

func (mi *MedakaInstance) GetLockManager() *concurrency.LockManager {
	return mi.lock_manager
}

func (mi *MedakaInstance) GetRecoveryManager() *recovery.RecoveryManager {
	return mi.recovery_manager
}

func (mi *MedakaInstance) GetTransactionManager() *concurrency.TransactionManager {
	return mi.transaction_manager
}

// Finalize shuts the disk manager down without checkpointing (a crash)
func (mi *MedakaInstance) Finalize() {
	mi.disk_manager.ShutDown()
}

// Shutdown checkpoints, closes the log and releases the disk manager
func (mi *MedakaInstance) Shutdown() {
	mi.recovery_manager.Close()
	mi.disk_manager.ShutDown()
}
