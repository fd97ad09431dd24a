package region

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/INLOpen/nexusregion/core"
)

// Mutate applies the cells of one row as a single edit and returns its
// sequence number. Cells with a zero timestamp get the write time in
// milliseconds.
func (r *Region) Mutate(ctx context.Context, cells []core.Cell) (uint64, error) {
	if r.closed.Load() {
		return 0, ErrClosed
	}
	if len(cells) == 0 {
		return 0, ErrEmptyMutation
	}
	now := time.Now()
	own := make([]core.Cell, len(cells))
	for i, c := range cells {
		if !bytes.Equal(c.Row, cells[0].Row) {
			return 0, ErrMultipleRows
		}
		if _, ok := r.stores[c.Family]; !ok {
			return 0, fmt.Errorf("%w: %s", ErrUnknownFamily, c.Family)
		}
		if c.Timestamp == 0 {
			c.Timestamp = now.UnixMilli()
		}
		own[i] = c
	}
	if err := r.Writable(); err != nil {
		return 0, err
	}

	seq, err := r.apply(ctx, own, now)
	if err != nil {
		return 0, err
	}

	for _, f := range r.families {
		if r.stores[f].MemstoreSize() >= r.opts.FlushSize {
			if _, err := r.Flush(ctx); err != nil {
				r.logger.Warn("Flush after write failed.", "seq", seq, "error", err)
			}
			break
		}
	}
	return seq, nil
}

func (r *Region) apply(ctx context.Context, cells []core.Cell, now time.Time) (uint64, error) {
	r.bulkLock.RLock()
	defer r.bulkLock.RUnlock()
	r.updatesLock.RLock()
	defer r.updatesLock.RUnlock()

	r.appendMu.Lock()
	entry := r.mvcc.Begin()
	seq := entry.Seq()
	edit := &core.Edit{Partition: r.id, Seq: seq, WriteTime: now.UnixNano(), Cells: cells}
	_, err := r.log.Append(ctx, r.id, seq, edit)
	r.appendMu.Unlock()
	if err != nil {
		// The number is burnt; completing it keeps the read point moving.
		r.mvcc.Complete(entry)
		return 0, err
	}
	if r.opts.Durability == DurabilitySync {
		if err := r.log.Sync(ctx); err != nil {
			// The edit never reaches the memtables. Whether it reached the log
			// is unknown, so no further write is accepted until a flush
			// succeeds.
			r.mvcc.Complete(entry)
			r.setNotWritable(fmt.Errorf("sync of edit %d: %w", seq, err))
			r.logger.Error("Log sync failed; partition no longer accepts writes.", "seq", seq, "error", err)
			return 0, err
		}
	}

	for i := range cells {
		r.stores[cells[i].Family].Add(core.NewKeyValue(&cells[i], seq))
	}
	r.mvcc.Complete(entry)
	return seq, nil
}

// Put writes one value.
func (r *Region) Put(ctx context.Context, row []byte, family string, qualifier, value []byte) (uint64, error) {
	return r.Mutate(ctx, []core.Cell{{Row: row, Family: family, Qualifier: qualifier, Type: core.CellTypePut, Value: value}})
}

// Delete removes every version of a column.
func (r *Region) Delete(ctx context.Context, row []byte, family string, qualifier []byte) (uint64, error) {
	return r.Mutate(ctx, []core.Cell{{Row: row, Family: family, Qualifier: qualifier, Type: core.CellTypeDeleteColumn}})
}

// DeleteFamily removes every column of a row in one family.
func (r *Region) DeleteFamily(ctx context.Context, row []byte, family string) (uint64, error) {
	return r.Mutate(ctx, []core.Cell{{Row: row, Family: family, Type: core.CellTypeDeleteFamily}})
}
