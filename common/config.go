package common

var EnableDebug bool = false

const (
	// invalid transaction id
	InvalidTxnID = -1
	// invalid log sequence number
	InvalidLSN = -1
	// size of a data page in byte
	PageSize = 4096
	// bytes reserved at the head of each page for the page LSN
	SizePageHeader = 8
	// bytes of a page usable by callers
	EffectivePageSize = PageSize - SizePageHeader
	// partition reserved for the log
	LogPartition = 0
	// page ids are partitioned: partNum = pageID / PagesPerPartition
	PagesPerPartition = 10000000000
	// fixed size of the rewritable master frame at the head of the log file
	LogHeadSize = 512
	// number of frames in the buffer pool used by tests
	BufferPoolMaxFrameNumForTest = 32
)
