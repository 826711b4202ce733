package disk

import (
	"github.com/medaka-db/medaka/common"
	"github.com/medaka-db/medaka/types"
)

// DiskManager is responsible for interacting with disk. Pages and partitions
// are written through immediately; the log is an append-only stream with a
// fixed-size rewritable head frame holding the master record.
type DiskManager interface {
	ReadPage(types.PageID, []byte) error
	WritePage(types.PageID, []byte) error
	AllocPage(types.PageID) error
	DeallocPage(types.PageID) error
	AllocPart(int32) error
	DeallocPart(int32) error
	IsPageAllocated(types.PageID) bool
	WriteLogHead([]byte)
	ReadLogHead() []byte
	WriteLog([]byte)
	LogBytes() []byte
	GetNumWrites() uint64
	ShutDown()
	Size() int64
}

// GetPartNum extracts the partition number encoded in a page id.
// Partition 0 is the log partition.
func GetPartNum(pageID types.PageID) int32 {
	return int32(int64(pageID) / common.PagesPerPartition)
}
