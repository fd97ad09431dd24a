package core

import (
	"bytes"
	"fmt"
)

// PartitionID names a partition (a region). It is also used as a directory name.
type PartitionID string

func (p PartitionID) String() string { return string(p) }

// Validate reports whether the ID can be used as a single path element.
func (p PartitionID) Validate() error {
	if p == "" {
		return fmt.Errorf("empty partition id")
	}
	if bytes.ContainsAny([]byte(p), `/\`) || p == "." || p == ".." {
		return fmt.Errorf("partition id %q is not a valid path element", string(p))
	}
	return nil
}

// CellType identifies the kind of mutation a cell carries.
type CellType byte

const (
	CellTypePut CellType = iota + 1
	// CellTypeDelete removes one version (qualifier + timestamp).
	CellTypeDelete
	// CellTypeDeleteColumn removes every version of a qualifier at or below the timestamp.
	CellTypeDeleteColumn
	// CellTypeDeleteFamily removes every qualifier of the family at or below the timestamp.
	CellTypeDeleteFamily
)

func (t CellType) String() string {
	switch t {
	case CellTypePut:
		return "Put"
	case CellTypeDelete:
		return "Delete"
	case CellTypeDeleteColumn:
		return "DeleteColumn"
	case CellTypeDeleteFamily:
		return "DeleteFamily"
	default:
		return fmt.Sprintf("CellType(%d)", byte(t))
	}
}

// IsDelete reports whether the type is any kind of delete marker.
func (t CellType) IsDelete() bool {
	return t == CellTypeDelete || t == CellTypeDeleteColumn || t == CellTypeDeleteFamily
}

// Cell is a single column mutation.
type Cell struct {
	Row       []byte
	Family    string
	Qualifier []byte
	Timestamp int64
	Type      CellType
	Value     []byte
}

// Edit is the unit appended to the write-ahead log: every cell of one row
// mutation, stamped with a single sequence number.
type Edit struct {
	Partition PartitionID
	Seq       uint64
	WriteTime int64
	Cells     []Cell
}

// Families returns the distinct families touched by the edit, in first-seen order.
func (e *Edit) Families() []string {
	var out []string
	seen := make(map[string]struct{}, 2)
	for i := range e.Cells {
		f := e.Cells[i].Family
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}

// KeyValue is a cell stamped with its sequence number. It is what memtables and
// store files hold. The family is implied by the store that owns it.
type KeyValue struct {
	Row       []byte
	Qualifier []byte
	Timestamp int64
	Type      CellType
	Seq       uint64
	Value     []byte
}

// NewKeyValue converts a cell into a KeyValue for the given sequence number.
func NewKeyValue(c *Cell, seq uint64) *KeyValue {
	return &KeyValue{
		Row:       c.Row,
		Qualifier: c.Qualifier,
		Timestamp: c.Timestamp,
		Type:      c.Type,
		Seq:       seq,
		Value:     c.Value,
	}
}

// Cell converts the KeyValue back to a cell of the given family.
func (kv *KeyValue) Cell(family string) Cell {
	return Cell{
		Row:       kv.Row,
		Family:    family,
		Qualifier: kv.Qualifier,
		Timestamp: kv.Timestamp,
		Type:      kv.Type,
		Value:     kv.Value,
	}
}

// Size is the estimated in-memory footprint of the KeyValue.
func (kv *KeyValue) Size() int64 {
	return int64(len(kv.Row) + len(kv.Qualifier) + len(kv.Value) + 8 + 8 + 1)
}

// CompareKeyValues orders KeyValues by row and qualifier ascending, then
// timestamp, sequence number and type descending. Delete-family markers carry
// an empty qualifier, so they sort ahead of every column of the row.
func CompareKeyValues(a, b *KeyValue) int {
	if c := bytes.Compare(a.Row, b.Row); c != 0 {
		return c
	}
	if c := bytes.Compare(a.Qualifier, b.Qualifier); c != 0 {
		return c
	}
	switch {
	case a.Timestamp > b.Timestamp:
		return -1
	case a.Timestamp < b.Timestamp:
		return 1
	}
	switch {
	case a.Seq > b.Seq:
		return -1
	case a.Seq < b.Seq:
		return 1
	}
	switch {
	case a.Type > b.Type:
		return -1
	case a.Type < b.Type:
		return 1
	}
	return 0
}
