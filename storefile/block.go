package storefile

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/INLOpen/nexusregion/core"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	kvRow       protowire.Number = 1
	kvQualifier protowire.Number = 2
	kvTimestamp protowire.Number = 3
	kvType      protowire.Number = 4
	kvSeq       protowire.Number = 5
	kvValue     protowire.Number = 6
)

// appendEntry appends one length-prefixed KeyValue to a block buffer.
func appendEntry(b []byte, kv *core.KeyValue) []byte {
	var e []byte
	e = protowire.AppendTag(e, kvRow, protowire.BytesType)
	e = protowire.AppendBytes(e, kv.Row)
	if len(kv.Qualifier) > 0 {
		e = protowire.AppendTag(e, kvQualifier, protowire.BytesType)
		e = protowire.AppendBytes(e, kv.Qualifier)
	}
	e = protowire.AppendTag(e, kvTimestamp, protowire.VarintType)
	e = protowire.AppendVarint(e, protowire.EncodeZigZag(kv.Timestamp))
	e = protowire.AppendTag(e, kvType, protowire.VarintType)
	e = protowire.AppendVarint(e, uint64(kv.Type))
	e = protowire.AppendTag(e, kvSeq, protowire.VarintType)
	e = protowire.AppendVarint(e, kv.Seq)
	if len(kv.Value) > 0 {
		e = protowire.AppendTag(e, kvValue, protowire.BytesType)
		e = protowire.AppendBytes(e, kv.Value)
	}
	return protowire.AppendBytes(b, e)
}

// decodeBlock decodes every entry of an uncompressed block.
func decodeBlock(b []byte) ([]*core.KeyValue, error) {
	var out []*core.KeyValue
	for len(b) > 0 {
		e, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrCorrupted, protowire.ParseError(n))
		}
		b = b[n:]
		kv, err := decodeEntry(e)
		if err != nil {
			return nil, err
		}
		out = append(out, kv)
	}
	return out, nil
}

func decodeEntry(b []byte) (*core.KeyValue, error) {
	kv := &core.KeyValue{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrCorrupted, protowire.ParseError(n))
		}
		b = b[n:]
		switch typ {
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrCorrupted, protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case kvRow:
				kv.Row = v
			case kvQualifier:
				kv.Qualifier = v
			case kvValue:
				kv.Value = v
			}
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrCorrupted, protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case kvTimestamp:
				kv.Timestamp = protowire.DecodeZigZag(v)
			case kvType:
				kv.Type = core.CellType(v)
			case kvSeq:
				kv.Seq = v
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrCorrupted, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if kv.Row == nil {
		return nil, fmt.Errorf("%w: entry without row", ErrCorrupted)
	}
	return kv, nil
}

// frameBlock compresses a block and prefixes it with its compression type and
// checksum.
func frameBlock(c core.Compressor, raw []byte) ([]byte, error) {
	data, err := c.Compress(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to compress block: %w", err)
	}
	out := make([]byte, 5+len(data))
	out[0] = byte(c.Type())
	binary.LittleEndian.PutUint32(out[1:5], crc32.ChecksumIEEE(data))
	copy(out[5:], data)
	return out, nil
}

// unframeBlock verifies and decompresses a block produced by frameBlock.
func unframeBlock(decompress func(core.CompressionType, []byte) ([]byte, error), framed []byte) ([]byte, error) {
	if len(framed) < 5 {
		return nil, fmt.Errorf("%w: block of %d bytes", ErrCorrupted, len(framed))
	}
	data := framed[5:]
	if got, want := crc32.ChecksumIEEE(data), binary.LittleEndian.Uint32(framed[1:5]); got != want {
		return nil, fmt.Errorf("%w: block checksum mismatch", ErrCorrupted)
	}
	return decompress(core.CompressionType(framed[0]), data)
}

// index entries: first row of the block and its handle.
type indexEntry struct {
	firstRow []byte
	handle   blockHandle
}

const (
	idxFirstRow protowire.Number = 1
	idxOffset   protowire.Number = 2
	idxLength   protowire.Number = 3
)

func marshalIndex(entries []indexEntry) []byte {
	var b []byte
	for _, ie := range entries {
		var e []byte
		e = protowire.AppendTag(e, idxFirstRow, protowire.BytesType)
		e = protowire.AppendBytes(e, ie.firstRow)
		e = protowire.AppendTag(e, idxOffset, protowire.VarintType)
		e = protowire.AppendVarint(e, ie.handle.offset)
		e = protowire.AppendTag(e, idxLength, protowire.VarintType)
		e = protowire.AppendVarint(e, uint64(ie.handle.length))
		b = protowire.AppendBytes(b, e)
	}
	return b
}

func unmarshalIndex(b []byte) ([]indexEntry, error) {
	var out []indexEntry
	for len(b) > 0 {
		e, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: index: %v", ErrCorrupted, protowire.ParseError(n))
		}
		b = b[n:]
		var ie indexEntry
		for len(e) > 0 {
			num, typ, n := protowire.ConsumeTag(e)
			if n < 0 {
				return nil, fmt.Errorf("%w: index: %v", ErrCorrupted, protowire.ParseError(n))
			}
			e = e[n:]
			n = protowire.ConsumeFieldValue(num, typ, e)
			if n < 0 {
				return nil, fmt.Errorf("%w: index: %v", ErrCorrupted, protowire.ParseError(n))
			}
			field := e[:n]
			e = e[n:]
			switch num {
			case idxFirstRow:
				v, _ := protowire.ConsumeBytes(field)
				ie.firstRow = append([]byte(nil), v...)
			case idxOffset:
				ie.handle.offset, _ = protowire.ConsumeVarint(field)
			case idxLength:
				v, _ := protowire.ConsumeVarint(field)
				ie.handle.length = uint32(v)
			}
		}
		out = append(out, ie)
	}
	return out, nil
}
