package disk

import (
	"github.com/dsnet/golib/memfile"
	"github.com/sasha-s/go-deadlock"

	"github.com/medaka-db/medaka/common"
	"github.com/medaka-db/medaka/errors"
	"github.com/medaka-db/medaka/types"
)

const (
	ErrPartNotAllocated  = errors.Error("partition is not allocated")
	ErrPartAllocated     = errors.Error("partition is already allocated")
	ErrPageNotAllocated  = errors.Error("page is not allocated")
	ErrPageAllocated     = errors.Error("page is already allocated")
	ErrLogPartitionWrite = errors.Error("data pages cannot live on the log partition")
)

// VirtualDiskManagerImpl keeps the whole database in memory. Data pages and
// the allocation state live in maps keyed by id; the log stream is backed by
// a memfile so restart tests can reopen the same "file".
type VirtualDiskManagerImpl struct {
	pages          map[types.PageID]*[common.PageSize]byte
	allocatedParts map[int32]bool
	allocatedPages map[types.PageID]bool
	log            *memfile.File
	numWrites      uint64
	dbMutex        *deadlock.Mutex
	logMutex       *deadlock.Mutex
}

func NewVirtualDiskManagerImpl() *VirtualDiskManagerImpl {
	logFile := memfile.New(make([]byte, 0))

	return &VirtualDiskManagerImpl{
		pages:          make(map[types.PageID]*[common.PageSize]byte),
		allocatedParts: map[int32]bool{common.LogPartition: true},
		allocatedPages: make(map[types.PageID]bool),
		log:            logFile,
		dbMutex:        new(deadlock.Mutex),
		logMutex:       new(deadlock.Mutex),
	}
}

// NewVirtualDiskManagerImplWithLog reopens a "database" whose log stream
// survived a crash. Data pages that were written through survive with it.
func NewVirtualDiskManagerImplWithLog(prev *VirtualDiskManagerImpl) *VirtualDiskManagerImpl {
	ret := NewVirtualDiskManagerImpl()
	ret.log = prev.log
	ret.pages = prev.pages
	ret.allocatedParts = prev.allocatedParts
	ret.allocatedPages = prev.allocatedPages
	return ret
}

func (d *VirtualDiskManagerImpl) ReadPage(pageID types.PageID, data []byte) error {
	d.dbMutex.Lock()
	defer d.dbMutex.Unlock()
	if !d.allocatedPages[pageID] {
		return ErrPageNotAllocated
	}
	img, ok := d.pages[pageID]
	if !ok {
		// allocated but never written: all zero
		copy(data, make([]byte, common.PageSize))
		return nil
	}
	copy(data, img[:])
	return nil
}

func (d *VirtualDiskManagerImpl) WritePage(pageID types.PageID, data []byte) error {
	d.dbMutex.Lock()
	defer d.dbMutex.Unlock()
	if !d.allocatedPages[pageID] {
		return ErrPageNotAllocated
	}
	img := new([common.PageSize]byte)
	copy(img[:], data)
	d.pages[pageID] = img
	d.numWrites += 1
	return nil
}

func (d *VirtualDiskManagerImpl) AllocPart(partNum int32) error {
	d.dbMutex.Lock()
	defer d.dbMutex.Unlock()
	if d.allocatedParts[partNum] {
		return ErrPartAllocated
	}
	d.allocatedParts[partNum] = true
	return nil
}

func (d *VirtualDiskManagerImpl) DeallocPart(partNum int32) error {
	d.dbMutex.Lock()
	defer d.dbMutex.Unlock()
	if !d.allocatedParts[partNum] {
		return ErrPartNotAllocated
	}
	delete(d.allocatedParts, partNum)
	for pageID := range d.allocatedPages {
		if GetPartNum(pageID) == partNum {
			delete(d.allocatedPages, pageID)
			delete(d.pages, pageID)
		}
	}
	return nil
}

func (d *VirtualDiskManagerImpl) AllocPage(pageID types.PageID) error {
	d.dbMutex.Lock()
	defer d.dbMutex.Unlock()
	if GetPartNum(pageID) == common.LogPartition {
		return ErrLogPartitionWrite
	}
	if d.allocatedPages[pageID] {
		return ErrPageAllocated
	}
	if !d.allocatedParts[GetPartNum(pageID)] {
		d.allocatedParts[GetPartNum(pageID)] = true
	}
	d.allocatedPages[pageID] = true
	return nil
}

func (d *VirtualDiskManagerImpl) DeallocPage(pageID types.PageID) error {
	d.dbMutex.Lock()
	defer d.dbMutex.Unlock()
	if !d.allocatedPages[pageID] {
		return ErrPageNotAllocated
	}
	delete(d.allocatedPages, pageID)
	delete(d.pages, pageID)
	return nil
}

func (d *VirtualDiskManagerImpl) IsPageAllocated(pageID types.PageID) bool {
	d.dbMutex.Lock()
	defer d.dbMutex.Unlock()
	return d.allocatedPages[pageID]
}

// WriteLogHead rewrites the fixed-size master frame at the head of the log
func (d *VirtualDiskManagerImpl) WriteLogHead(data []byte) {
	common.MkAssert(len(data) <= common.LogHeadSize, "master frame overflows the log head")
	d.logMutex.Lock()
	defer d.logMutex.Unlock()
	head := make([]byte, common.LogHeadSize)
	copy(head, data)
	d.log.WriteAt(head, 0)
}

func (d *VirtualDiskManagerImpl) ReadLogHead() []byte {
	d.logMutex.Lock()
	defer d.logMutex.Unlock()
	if len(d.log.Bytes()) < common.LogHeadSize {
		return nil
	}
	head := make([]byte, common.LogHeadSize)
	d.log.ReadAt(head, 0)
	return head
}

// WriteLog appends data after the head frame
func (d *VirtualDiskManagerImpl) WriteLog(data []byte) {
	d.logMutex.Lock()
	defer d.logMutex.Unlock()
	if len(d.log.Bytes()) < common.LogHeadSize {
		d.log.WriteAt(make([]byte, common.LogHeadSize), 0)
	}
	d.log.WriteAt(data, int64(len(d.log.Bytes())))
}

// LogBytes returns the appended log stream (without the head frame)
func (d *VirtualDiskManagerImpl) LogBytes() []byte {
	d.logMutex.Lock()
	defer d.logMutex.Unlock()
	all := d.log.Bytes()
	if len(all) <= common.LogHeadSize {
		return nil
	}
	ret := make([]byte, len(all)-common.LogHeadSize)
	copy(ret, all[common.LogHeadSize:])
	return ret
}

func (d *VirtualDiskManagerImpl) GetNumWrites() uint64 {
	return d.numWrites
}

func (d *VirtualDiskManagerImpl) ShutDown() {
	// nothing to release
}

func (d *VirtualDiskManagerImpl) Size() int64 {
	d.dbMutex.Lock()
	defer d.dbMutex.Unlock()
	return int64(len(d.pages)) * common.PageSize
}
