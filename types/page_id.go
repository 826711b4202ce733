package types

import (
	"bytes"
	"encoding/binary"

	"github.com/medaka-db/medaka/errors"
)

// PageID is the type of the page identifier. The partition a page belongs to
// is encoded in the identifier itself (see disk.GetPartNum).
type PageID int64

const DeallocatedPageErr = errors.Error("deallocated Page ID is passed.")

// InvalidPageID represents an invalid page id
const InvalidPageID = PageID(-1)

// IsValid checks if id is valid
func (id PageID) IsValid() bool {
	return id >= 0
}

// Serialize casts it to []byte
func (id PageID) Serialize() []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, id)
	return buf.Bytes()
}

// NewPageIDFromBytes creates a page id from []byte
func NewPageIDFromBytes(data []byte) (ret PageID) {
	binary.Read(bytes.NewBuffer(data), binary.LittleEndian, &ret)
	return ret
}
