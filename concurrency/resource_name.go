package concurrency

import (
	"strings"

	"github.com/spaolacci/murmur3"
)

/**
 * ResourceName is a hierarchical lock target rooted at "database". The lock
 * manager keys its tables by the 64-bit murmur3 of the joined path, computed
 * once at construction.
 */
type ResourceName struct {
	names []string
	hash  uint64
}

func NewResourceName(names ...string) *ResourceName {
	joined := strings.Join(names, "/")
	return &ResourceName{names: names, hash: murmur3.Sum64([]byte(joined))}
}

// NewDatabaseResourceName returns the root of the lock hierarchy
func NewDatabaseResourceName() *ResourceName {
	return NewResourceName("database")
}

// Child derives the name one level below this one
func (r *ResourceName) Child(name string) *ResourceName {
	names := make([]string, 0, len(r.names)+1)
	names = append(names, r.names...)
	names = append(names, name)
	return NewResourceName(names...)
}

func (r *ResourceName) String() string {
	return strings.Join(r.names, "/")
}

func (r *ResourceName) Hash() uint64 {
	return r.hash
}

func (r *ResourceName) Equals(other *ResourceName) bool {
	return r.hash == other.hash
}
