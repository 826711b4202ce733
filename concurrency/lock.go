package concurrency

import (
	"github.com/medaka-db/medaka/types"
)

type LockType int32

/** Multigranularity lock modes. */
const (
	NL LockType = iota
	IS
	IX
	S
	SIX
	X
)

func (t LockType) String() string {
	switch t {
	case NL:
		return "NL"
	case IS:
		return "IS"
	case IX:
		return "IX"
	case S:
		return "S"
	case SIX:
		return "SIX"
	case X:
		return "X"
	}
	return "INVALID"
}

// compatibilityMatrix[a][b] reports whether locks of type a and b may be
// held on one resource by two different transactions at the same time.
var compatibilityMatrix = [6][6]bool{
	//         NL     IS     IX     S      SIX    X
	NL:  {true, true, true, true, true, true},
	IS:  {true, true, true, true, true, false},
	IX:  {true, true, true, false, false, false},
	S:   {true, true, false, true, false, false},
	SIX: {true, true, false, false, false, false},
	X:   {true, false, false, false, false, false},
}

// Compatible reports whether a and b can coexist on one resource
func Compatible(a LockType, b LockType) bool {
	return compatibilityMatrix[a][b]
}

// Substitutable reports whether substitute can stand in for required:
// every operation permitted by required must be permitted by substitute.
func Substitutable(substitute LockType, required LockType) bool {
	switch required {
	case NL:
		return true
	case IS:
		return substitute == IS || substitute == IX || substitute == S || substitute == SIX || substitute == X
	case IX:
		return substitute == IX || substitute == SIX || substitute == X
	case S:
		return substitute == S || substitute == SIX || substitute == X
	case SIX:
		return substitute == SIX || substitute == X
	case X:
		return substitute == X
	}
	return false
}

// Lock is one granted (or requested) lock on a resource
type Lock struct {
	Name      *ResourceName
	Lock_type LockType
	Txn_id    types.TxnID
}

func NewLock(name *ResourceName, lock_type LockType, txn_id types.TxnID) *Lock {
	return &Lock{Name: name, Lock_type: lock_type, Txn_id: txn_id}
}
