package wal

import (
	"errors"
	"fmt"

	"github.com/INLOpen/nexusregion/core"
	"google.golang.org/protobuf/encoding/protowire"
)

// RecordType distinguishes edits from flush-bracket markers.
type RecordType uint8

const (
	RecordEdit RecordType = iota + 1
	RecordFlushStart
	RecordFlushComplete
	RecordFlushAbort
)

func (t RecordType) String() string {
	switch t {
	case RecordEdit:
		return "Edit"
	case RecordFlushStart:
		return "FlushStart"
	case RecordFlushComplete:
		return "FlushComplete"
	case RecordFlushAbort:
		return "FlushAbort"
	default:
		return fmt.Sprintf("RecordType(%d)", uint8(t))
	}
}

// Record is one decoded log entry. Edits use Seq, WriteTime and Cells;
// markers use Families and FlushSeq.
type Record struct {
	Type      RecordType
	Partition core.PartitionID
	Seq       uint64
	WriteTime int64
	Cells     []core.Cell
	Families  []string
	FlushSeq  uint64
}

// Edit returns the edit carried by an edit record.
func (r *Record) Edit() *core.Edit {
	return &core.Edit{Partition: r.Partition, Seq: r.Seq, WriteTime: r.WriteTime, Cells: r.Cells}
}

// EditRecord wraps an edit for appending.
func EditRecord(e *core.Edit) *Record {
	return &Record{Type: RecordEdit, Partition: e.Partition, Seq: e.Seq, WriteTime: e.WriteTime, Cells: e.Cells}
}

// Field numbers of the record payload.
const (
	fieldType      protowire.Number = 1
	fieldPartition protowire.Number = 2
	fieldSeq       protowire.Number = 3
	fieldWriteTime protowire.Number = 4
	fieldCell      protowire.Number = 5
	fieldFamily    protowire.Number = 6
	fieldFlushSeq  protowire.Number = 7
)

// Field numbers of a nested cell.
const (
	cellRow       protowire.Number = 1
	cellFamily    protowire.Number = 2
	cellQualifier protowire.Number = 3
	cellTimestamp protowire.Number = 4
	cellType      protowire.Number = 5
	cellValue     protowire.Number = 6
)

var errBadRecord = errors.New("malformed record payload")

// MarshalRecord encodes a record payload in protobuf wire format.
func MarshalRecord(r *Record) []byte {
	b := make([]byte, 0, 64)
	b = protowire.AppendTag(b, fieldType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.Type))
	b = protowire.AppendTag(b, fieldPartition, protowire.BytesType)
	b = protowire.AppendString(b, string(r.Partition))
	if r.Seq != 0 {
		b = protowire.AppendTag(b, fieldSeq, protowire.VarintType)
		b = protowire.AppendVarint(b, r.Seq)
	}
	if r.WriteTime != 0 {
		b = protowire.AppendTag(b, fieldWriteTime, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(r.WriteTime))
	}
	for i := range r.Cells {
		b = protowire.AppendTag(b, fieldCell, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalCell(&r.Cells[i]))
	}
	for _, f := range r.Families {
		b = protowire.AppendTag(b, fieldFamily, protowire.BytesType)
		b = protowire.AppendString(b, f)
	}
	if r.FlushSeq != 0 {
		b = protowire.AppendTag(b, fieldFlushSeq, protowire.VarintType)
		b = protowire.AppendVarint(b, r.FlushSeq)
	}
	return b
}

func marshalCell(c *core.Cell) []byte {
	b := make([]byte, 0, len(c.Row)+len(c.Family)+len(c.Qualifier)+len(c.Value)+24)
	b = protowire.AppendTag(b, cellRow, protowire.BytesType)
	b = protowire.AppendBytes(b, c.Row)
	b = protowire.AppendTag(b, cellFamily, protowire.BytesType)
	b = protowire.AppendString(b, c.Family)
	b = protowire.AppendTag(b, cellQualifier, protowire.BytesType)
	b = protowire.AppendBytes(b, c.Qualifier)
	b = protowire.AppendTag(b, cellTimestamp, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(c.Timestamp))
	b = protowire.AppendTag(b, cellType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(c.Type))
	b = protowire.AppendTag(b, cellValue, protowire.BytesType)
	b = protowire.AppendBytes(b, c.Value)
	return b
}

// UnmarshalRecord decodes a payload produced by MarshalRecord. Unknown
// fields are skipped so newer writers stay readable.
func UnmarshalRecord(b []byte) (*Record, error) {
	r := &Record{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", errBadRecord, protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == fieldType && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return nil, fmt.Errorf("%w: type: %v", errBadRecord, protowire.ParseError(m))
			}
			r.Type = RecordType(v)
			n = m
		case num == fieldPartition && typ == protowire.BytesType:
			v, m := protowire.ConsumeString(b)
			if m < 0 {
				return nil, fmt.Errorf("%w: partition: %v", errBadRecord, protowire.ParseError(m))
			}
			r.Partition = core.PartitionID(v)
			n = m
		case num == fieldSeq && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return nil, fmt.Errorf("%w: seq: %v", errBadRecord, protowire.ParseError(m))
			}
			r.Seq = v
			n = m
		case num == fieldWriteTime && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return nil, fmt.Errorf("%w: write time: %v", errBadRecord, protowire.ParseError(m))
			}
			r.WriteTime = protowire.DecodeZigZag(v)
			n = m
		case num == fieldCell && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return nil, fmt.Errorf("%w: cell: %v", errBadRecord, protowire.ParseError(m))
			}
			c, err := unmarshalCell(v)
			if err != nil {
				return nil, err
			}
			r.Cells = append(r.Cells, c)
			n = m
		case num == fieldFamily && typ == protowire.BytesType:
			v, m := protowire.ConsumeString(b)
			if m < 0 {
				return nil, fmt.Errorf("%w: family: %v", errBadRecord, protowire.ParseError(m))
			}
			r.Families = append(r.Families, v)
			n = m
		case num == fieldFlushSeq && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return nil, fmt.Errorf("%w: flush seq: %v", errBadRecord, protowire.ParseError(m))
			}
			r.FlushSeq = v
			n = m
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", errBadRecord, num, protowire.ParseError(n))
			}
		}
		b = b[n:]
	}
	if r.Type < RecordEdit || r.Type > RecordFlushAbort {
		return nil, fmt.Errorf("%w: unknown record type %d", errBadRecord, r.Type)
	}
	if r.Type == RecordEdit && r.Seq == 0 {
		return nil, fmt.Errorf("%w: edit without sequence number", errBadRecord)
	}
	return r, nil
}

func unmarshalCell(b []byte) (core.Cell, error) {
	var c core.Cell
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return c, fmt.Errorf("%w: cell tag: %v", errBadRecord, protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case typ == protowire.BytesType && (num == cellRow || num == cellFamily || num == cellQualifier || num == cellValue):
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return c, fmt.Errorf("%w: cell field %d: %v", errBadRecord, num, protowire.ParseError(m))
			}
			// v aliases the payload buffer, which is not reused.
			switch num {
			case cellRow:
				c.Row = v
			case cellFamily:
				c.Family = string(v)
			case cellQualifier:
				c.Qualifier = v
			case cellValue:
				c.Value = v
			}
			n = m
		case typ == protowire.VarintType && (num == cellTimestamp || num == cellType):
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return c, fmt.Errorf("%w: cell field %d: %v", errBadRecord, num, protowire.ParseError(m))
			}
			if num == cellTimestamp {
				c.Timestamp = protowire.DecodeZigZag(v)
			} else {
				c.Type = core.CellType(v)
			}
			n = m
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return c, fmt.Errorf("%w: cell field %d: %v", errBadRecord, num, protowire.ParseError(n))
			}
		}
		b = b[n:]
	}
	if c.Type < core.CellTypePut || c.Type > core.CellTypeDeleteFamily {
		return c, fmt.Errorf("%w: unknown cell type %d", errBadRecord, c.Type)
	}
	return c, nil
}
