package page

import (
	"bytes"
	"encoding/binary"
	"sync/atomic"

	"github.com/medaka-db/medaka/common"
	"github.com/medaka-db/medaka/types"
)

const OffsetPageLSN = 0

/**
 * Page is the basic unit of storage within the database system. Page provides a wrapper for actual data pages being
 * held in main memory. Page also contains book-keeping information that is used by the buffer pool manager, e.g.
 * pin count, dirty flag, page id, etc.
 *
 * The first common.SizePageHeader bytes of the on-disk image hold the page LSN:
 * the LSN of the most recent log record reflected on the page. Offsets passed
 * to ReadDataAt/WriteDataAt address the remaining EffectivePageSize bytes.
 */
type Page struct {
	id       types.PageID // identifies the page. It is used to find the offset of the page on disk
	pinCount int32        // counts how many goroutines are accessing it
	isDirty  bool         // the page was modified but not flushed
	data     *[common.PageSize]byte
	rwlatch  common.ReaderWriterLatch
}

// New creates a page with the provided image
func New(id types.PageID, isDirty bool, data *[common.PageSize]byte) *Page {
	return &Page{id, 1, isDirty, data, common.NewRWLatch()}
}

// NewEmpty creates an all-zero page
func NewEmpty(id types.PageID) *Page {
	return &Page{id, 1, false, &[common.PageSize]byte{}, common.NewRWLatch()}
}

// IncPinCount increments pin count
func (p *Page) IncPinCount() {
	atomic.AddInt32(&p.pinCount, 1)
}

// DecPinCount decrements pin count
func (p *Page) DecPinCount() {
	atomic.AddInt32(&p.pinCount, -1)
}

// PinCount retunds the pin count
func (p *Page) PinCount() int32 {
	return atomic.LoadInt32(&p.pinCount)
}

// GetPageId retunds the page id
func (p *Page) GetPageId() types.PageID {
	return p.id
}

// IsDirty check if the page is dirty
func (p *Page) IsDirty() bool {
	return p.isDirty
}

// SetIsDirty sets the isDirty bit
func (p *Page) SetIsDirty(isDirty bool) {
	p.isDirty = isDirty
}

// Data returns the data of the page
func (p *Page) Data() *[common.PageSize]byte {
	return p.data
}

// GetPageLSN reads the page LSN out of the page header
func (p *Page) GetPageLSN() types.LSN {
	return types.NewLSNFromBytes(p.data[OffsetPageLSN : OffsetPageLSN+common.SizePageHeader])
}

// SetPageLSN stores lsn into the page header
func (p *Page) SetPageLSN(lsn types.LSN) {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, lsn)
	copy(p.data[OffsetPageLSN:OffsetPageLSN+common.SizePageHeader], buf.Bytes())
}

// ReadDataAt copies length bytes of page data starting at offset.
// The offset addresses the effective (post header) area.
func (p *Page) ReadDataAt(offset uint16, length int) []byte {
	ret := make([]byte, length)
	copy(ret, p.data[common.SizePageHeader+int(offset):common.SizePageHeader+int(offset)+length])
	return ret
}

// WriteDataAt writes b into the effective area of the page at offset
func (p *Page) WriteDataAt(offset uint16, b []byte) {
	common.MkAssert(int(offset)+len(b) <= common.EffectivePageSize, "page write beyond effective page size")
	copy(p.data[common.SizePageHeader+int(offset):], b)
	p.isDirty = true
}

func (p *Page) WLatch() {
	p.rwlatch.WLock()
}

func (p *Page) WUnlatch() {
	p.rwlatch.WUnlock()
}

func (p *Page) RLatch() {
	p.rwlatch.RLock()
}

func (p *Page) RUnlatch() {
	p.rwlatch.RUnlock()
}
