package sync

import "fmt"

// SyncDownOp selects how pulled items are applied to the local collection.
type SyncDownOp int

const (
	// RemoveNoneAndAddNew appends every pulled item.
	RemoveNoneAndAddNew SyncDownOp = iota
	// RemoveAllAndAddNew clears the collection, then appends every pulled item.
	RemoveAllAndAddNew
	// RemoveDeletedAndAddNew removes items flagged deleted and appends the rest.
	RemoveDeletedAndAddNew
	// RemoveNoneAndMergeNew upserts every pulled item.
	RemoveNoneAndMergeNew
	// RemoveDeletedAndMergeNew removes items flagged deleted and upserts the rest.
	RemoveDeletedAndMergeNew
)

type opFlags struct {
	name          string
	removeAll     bool
	removeDeleted bool
	merge         bool
}

var opTable = [...]opFlags{
	RemoveNoneAndAddNew:      {name: "REMOVE_NONE_AND_ADD_NEW"},
	RemoveAllAndAddNew:       {name: "REMOVE_ALL_AND_ADD_NEW", removeAll: true},
	RemoveDeletedAndAddNew:   {name: "REMOVE_DELETED_AND_ADD_NEW", removeDeleted: true},
	RemoveNoneAndMergeNew:    {name: "REMOVE_NONE_AND_MERGE_NEW", merge: true},
	RemoveDeletedAndMergeNew: {name: "REMOVE_DELETED_AND_MERGE_NEW", removeDeleted: true, merge: true},
}

// Valid reports whether op is one of the five defined operations.
func (op SyncDownOp) Valid() bool {
	return op >= 0 && int(op) < len(opTable)
}

func (op SyncDownOp) flags() opFlags {
	if !op.Valid() {
		return opFlags{name: "UNKNOWN"}
	}
	return opTable[op]
}

func (op SyncDownOp) String() string { return op.flags().name }

// RemoveAll reports whether the local collection is cleared before applying.
func (op SyncDownOp) RemoveAll() bool { return op.flags().removeAll }

// RemoveDeleted reports whether items flagged deleted are removed locally.
func (op SyncDownOp) RemoveDeleted() bool { return op.flags().removeDeleted }

// Merge reports whether items are upserted instead of appended.
func (op SyncDownOp) Merge() bool { return op.flags().merge }

// CreateSyncDownOp picks the operation matching the three flags. clearData
// wins over the others, since nothing is left to merge into or delete from.
func CreateSyncDownOp(clearData, removeDeletedData, mergeWithExisting bool) SyncDownOp {
	switch {
	case clearData:
		return RemoveAllAndAddNew
	case removeDeletedData && mergeWithExisting:
		return RemoveDeletedAndMergeNew
	case mergeWithExisting:
		return RemoveNoneAndMergeNew
	case removeDeletedData:
		return RemoveDeletedAndAddNew
	default:
		return RemoveNoneAndAddNew
	}
}

// ParseSyncDownOp accepts the upper-case names, e.g. "REMOVE_ALL_AND_ADD_NEW".
func ParseSyncDownOp(s string) (SyncDownOp, error) {
	for i, f := range opTable {
		if f.name == s {
			return SyncDownOp(i), nil
		}
	}
	return 0, fmt.Errorf("unknown sync down op %q", s)
}
