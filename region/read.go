package region

import (
	"bytes"
	"context"

	"github.com/INLOpen/nexusregion/core"
	"github.com/INLOpen/nexusregion/iterator"
	"go.uber.org/multierr"
)

// Get returns the latest visible version of every column of a row, ordered
// by family and qualifier.
func (r *Region) Get(ctx context.Context, row []byte) ([]core.Cell, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}
	var out []core.Cell
	for _, f := range r.families {
		kvs, err := r.stores[f].Get(row)
		if err != nil {
			return nil, err
		}
		for _, kv := range kvs {
			out = append(out, kv.Cell(f))
		}
	}
	return out, nil
}

// Scan calls fn for every row with at least one visible cell, in row order.
// fn must not write to the region: the scan holds the stores' file lists.
func (r *Region) Scan(ctx context.Context, fn func(row []byte, cells []core.Cell) error) (err error) {
	if r.closed.Load() {
		return ErrClosed
	}
	type head struct {
		family string
		rows   *iterator.RowIterator
		ok     bool
	}
	heads := make([]*head, 0, len(r.families))
	defer func() {
		for _, h := range heads {
			err = multierr.Append(err, h.rows.Close())
		}
	}()
	for _, f := range r.families {
		h := &head{family: f, rows: iterator.NewRowIterator(r.stores[f].NewIterator())}
		h.ok = h.rows.Next()
		if cerr := h.rows.Error(); cerr != nil {
			heads = append(heads, h)
			return cerr
		}
		heads = append(heads, h)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		var row []byte
		found := false
		for _, h := range heads {
			if h.ok && (!found || bytes.Compare(h.rows.Row(), row) < 0) {
				row = h.rows.Row()
				found = true
			}
		}
		if !found {
			return nil
		}
		var cells []core.Cell
		for _, h := range heads {
			if !h.ok || !bytes.Equal(h.rows.Row(), row) {
				continue
			}
			for _, kv := range h.rows.Cells() {
				cells = append(cells, kv.Cell(h.family))
			}
			h.ok = h.rows.Next()
			if err := h.rows.Error(); err != nil {
				return err
			}
		}
		if err := fn(row, cells); err != nil {
			return err
		}
	}
}

// RowCount counts the rows with at least one visible cell.
func (r *Region) RowCount(ctx context.Context) (int, error) {
	n := 0
	err := r.Scan(ctx, func([]byte, []core.Cell) error {
		n++
		return nil
	})
	return n, err
}

// CellCount counts the visible cells of every row.
func (r *Region) CellCount(ctx context.Context) (int, error) {
	n := 0
	err := r.Scan(ctx, func(_ []byte, cells []core.Cell) error {
		n += len(cells)
		return nil
	})
	return n, err
}
