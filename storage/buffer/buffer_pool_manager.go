package buffer

import (
	"github.com/ncw/directio"
	"github.com/sasha-s/go-deadlock"

	"github.com/medaka-db/medaka/common"
	"github.com/medaka-db/medaka/errors"
	"github.com/medaka-db/medaka/recovery"
	"github.com/medaka-db/medaka/storage/disk"
	"github.com/medaka-db/medaka/storage/page"
	"github.com/medaka-db/medaka/types"
)

const (
	ErrNoAvailableFrame = errors.Error("buffer pool has no available frame")
	ErrPageNotInPool    = errors.Error("page is not in the buffer pool")
)

/**
 * BufferPoolManager caches pages in a fixed set of frames and enforces the
 * WAL rule on the way out: before a dirty page's bytes may reach disk, the
 * log is flushed through that page's LSN (PageFlushHook); once they have,
 * the recovery manager hears about it (DiskIOHook).
 */
type BufferPoolManager struct {
	diskManager      disk.DiskManager
	recovery_manager *recovery.RecoveryManager
	pages            []*page.Page // index is FrameID
	replacer         *ClockReplacer
	freeList         []FrameID
	pageTable        map[types.PageID]FrameID
	mutex            *deadlock.Mutex
}

// NewBufferPoolManager returns an empty pool of poolSize frames. The
// recovery manager arrives later through SetRecoveryManager because of the
// construction cycle between the two.
func NewBufferPoolManager(poolSize uint32, diskManager disk.DiskManager) *BufferPoolManager {
	freeList := make([]FrameID, poolSize)
	pages := make([]*page.Page, poolSize)
	for i := uint32(0); i < poolSize; i++ {
		freeList[i] = FrameID(i)
	}

	return &BufferPoolManager{
		diskManager: diskManager,
		pages:       pages,
		replacer:    NewClockReplacer(),
		freeList:    freeList,
		pageTable:   make(map[types.PageID]FrameID),
		mutex:       new(deadlock.Mutex),
	}
}

func (b *BufferPoolManager) SetRecoveryManager(recovery_manager *recovery.RecoveryManager) {
	b.recovery_manager = recovery_manager
}

// FetchPage pins the requested page, reading it from disk on a miss.
// Callers must UnpinPage when done.
func (b *BufferPoolManager) FetchPage(pageID types.PageID) (*page.Page, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if frameID, ok := b.pageTable[pageID]; ok {
		pg := b.pages[frameID]
		pg.IncPinCount()
		b.replacer.Pin(frameID)
		return pg, nil
	}

	frameID, err := b.getFrameID()
	if err != nil {
		return nil, err
	}

	data := directio.AlignedBlock(common.PageSize)
	if err := b.diskManager.ReadPage(pageID, data); err != nil {
		b.freeList = append(b.freeList, frameID)
		return nil, err
	}
	var pageData [common.PageSize]byte
	copy(pageData[:], data)
	pg := page.New(pageID, false, &pageData)

	b.pageTable[pageID] = frameID
	b.pages[frameID] = pg
	return pg, nil
}

// getFrameID takes a frame from the free list, or evicts a victim.
// Must hold the pool mutex.
func (b *BufferPoolManager) getFrameID() (FrameID, error) {
	if len(b.freeList) > 0 {
		frameID := b.freeList[0]
		b.freeList = b.freeList[1:]
		return frameID, nil
	}

	frameID, ok := b.replacer.Victim()
	if !ok {
		return 0, ErrNoAvailableFrame
	}
	victim := b.pages[frameID]
	if victim != nil {
		common.MkAssert(victim.PinCount() == 0, "victim page is still pinned")
		if victim.IsDirty() {
			if err := b.writePageOut(victim); err != nil {
				return 0, err
			}
		}
		delete(b.pageTable, victim.GetPageId())
		b.pages[frameID] = nil
	}
	return frameID, nil
}

// writePageOut pushes one page image to disk under the WAL discipline
func (b *BufferPoolManager) writePageOut(pg *page.Page) error {
	if b.recovery_manager != nil {
		b.recovery_manager.PageFlushHook(pg.GetPageLSN())
	}
	pg.RLatch()
	data := pg.Data()
	err := b.diskManager.WritePage(pg.GetPageId(), data[:])
	pg.RUnlatch()
	if err != nil {
		return err
	}
	pg.SetIsDirty(false)
	if b.recovery_manager != nil {
		b.recovery_manager.DiskIOHook(pg.GetPageId())
	}
	return nil
}

// UnpinPage drops one pin, recording whether the caller dirtied the page
func (b *BufferPoolManager) UnpinPage(pageID types.PageID, isDirty bool) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	frameID, ok := b.pageTable[pageID]
	if !ok {
		return ErrPageNotInPool
	}
	pg := b.pages[frameID]
	if isDirty {
		pg.SetIsDirty(true)
	}
	pg.DecPinCount()
	if pg.PinCount() <= 0 {
		b.replacer.Unpin(frameID)
	}
	return nil
}

// FlushPage writes one page through to disk, keeping it cached
func (b *BufferPoolManager) FlushPage(pageID types.PageID) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	frameID, ok := b.pageTable[pageID]
	if !ok {
		return ErrPageNotInPool
	}
	pg := b.pages[frameID]
	if pg.IsDirty() {
		return b.writePageOut(pg)
	}
	return nil
}

// FlushAllPages writes every dirty cached page through to disk
func (b *BufferPoolManager) FlushAllPages() error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	for _, pg := range b.pages {
		if pg != nil && pg.IsDirty() {
			if err := b.writePageOut(pg); err != nil {
				return err
			}
		}
	}
	return nil
}

// DropPage discards a cached page without writing it out (the page was
// deallocated on disk)
func (b *BufferPoolManager) DropPage(pageID types.PageID) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	frameID, ok := b.pageTable[pageID]
	if !ok {
		return
	}
	delete(b.pageTable, pageID)
	b.pages[frameID] = nil
	b.replacer.Pin(frameID)
	b.freeList = append(b.freeList, frameID)
}

// IterPageNums visits every cached page with its dirty bit
func (b *BufferPoolManager) IterPageNums(f func(pageID types.PageID, isDirty bool)) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	for _, pg := range b.pages {
		if pg != nil {
			f(pg.GetPageId(), pg.IsDirty())
		}
	}
}
