package iterator

import (
	"bytes"

	"github.com/INLOpen/nexusregion/core"
)

// ResolveRow returns the visible version of every qualifier of one row of one
// family. kvs must be sorted with core.CompareKeyValues.
//
// A delete-family marker hides every cell at or below its timestamp, a
// delete-column marker hides the versions of its qualifier at or below its
// timestamp and a delete marker hides the single version it names. Markers
// are never returned.
func ResolveRow(kvs []*core.KeyValue) []*core.KeyValue {
	var (
		out          []*core.KeyValue
		familyTS     int64 = -1 << 63
		familyDelete bool
		qualifier    []byte
		columnTS     int64
		columnDelete bool
		versionTS    map[int64]struct{}
		emitted      bool
	)
	for i, kv := range kvs {
		if i == 0 || !bytes.Equal(kv.Qualifier, qualifier) {
			qualifier = kv.Qualifier
			columnDelete = false
			versionTS = nil
			emitted = false
		}
		switch kv.Type {
		case core.CellTypeDeleteFamily:
			if !familyDelete || kv.Timestamp > familyTS {
				familyTS = kv.Timestamp
				familyDelete = true
			}
			continue
		case core.CellTypeDeleteColumn:
			if !columnDelete || kv.Timestamp > columnTS {
				columnTS = kv.Timestamp
				columnDelete = true
			}
			continue
		case core.CellTypeDelete:
			if versionTS == nil {
				versionTS = make(map[int64]struct{}, 1)
			}
			versionTS[kv.Timestamp] = struct{}{}
			continue
		}
		if emitted {
			continue
		}
		if familyDelete && kv.Timestamp <= familyTS {
			continue
		}
		if columnDelete && kv.Timestamp <= columnTS {
			continue
		}
		if _, ok := versionTS[kv.Timestamp]; ok {
			continue
		}
		out = append(out, kv)
		emitted = true
	}
	return out
}

// RowIterator groups a sorted stream by row and resolves each row.
// Rows with no visible cell are skipped.
type RowIterator struct {
	src     Interface
	pending *core.KeyValue
	started bool
	row     []byte
	cells   []*core.KeyValue
}

func NewRowIterator(src Interface) *RowIterator {
	return &RowIterator{src: src}
}

func (r *RowIterator) Next() bool {
	for {
		if !r.started {
			r.started = true
			if r.src.Next() {
				r.pending = r.src.At()
			}
		}
		if r.pending == nil {
			r.row, r.cells = nil, nil
			return false
		}
		row := r.pending.Row
		group := []*core.KeyValue{r.pending}
		r.pending = nil
		for r.src.Next() {
			kv := r.src.At()
			if !bytes.Equal(kv.Row, row) {
				r.pending = kv
				break
			}
			group = append(group, kv)
		}
		if r.src.Error() != nil {
			r.row, r.cells = nil, nil
			return false
		}
		if visible := ResolveRow(group); len(visible) > 0 {
			r.row, r.cells = row, visible
			return true
		}
	}
}

// Row returns the current row key.
func (r *RowIterator) Row() []byte { return r.row }

// Cells returns the visible cells of the current row.
func (r *RowIterator) Cells() []*core.KeyValue { return r.cells }

func (r *RowIterator) Error() error { return r.src.Error() }

func (r *RowIterator) Close() error { return r.src.Close() }
