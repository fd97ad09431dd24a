package storefile

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
)

// BloomFilter answers "might this file hold the row?".
type BloomFilter struct {
	bits      []byte
	numBits   uint64
	numHashes uint32
}

// NewBloomFilter sizes a filter for numElements rows at the given false
// positive rate.
func NewBloomFilter(numElements uint64, falsePositiveRate float64) (*BloomFilter, error) {
	if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		return nil, errors.New("bloom filter false positive rate must be in (0, 1)")
	}
	if numElements == 0 {
		return &BloomFilter{bits: make([]byte, 1), numBits: 8, numHashes: 1}, nil
	}

	m := uint64(math.Ceil(float64(numElements) * math.Abs(math.Log(falsePositiveRate)) / (math.Ln2 * math.Ln2)))
	k := uint32(math.Ceil((float64(m) / float64(numElements)) * math.Ln2))
	if m%8 != 0 {
		m = (m/8 + 1) * 8
	}
	if k == 0 {
		k = 1
	}
	return &BloomFilter{bits: make([]byte, m/8), numBits: m, numHashes: k}, nil
}

func (bf *BloomFilter) Add(row []byte) {
	bf.addHash(rowHash(row))
}

func (bf *BloomFilter) addHash(sum uint64) {
	h1, h2 := uint32(sum), uint32(sum>>32)
	for i := uint32(0); i < bf.numHashes; i++ {
		idx := (uint64(h1) + uint64(i)*uint64(h2)) % bf.numBits
		bf.bits[idx/8] |= 1 << (idx % 8)
	}
}

// Contains never returns false for a row that was added.
func (bf *BloomFilter) Contains(row []byte) bool {
	if bf == nil || len(bf.bits) == 0 {
		return true
	}
	sum := rowHash(row)
	h1, h2 := uint32(sum), uint32(sum>>32)
	for i := uint32(0); i < bf.numHashes; i++ {
		idx := (uint64(h1) + uint64(i)*uint64(h2)) % bf.numBits
		if (bf.bits[idx/8]>>(idx%8))&1 == 0 {
			return false
		}
	}
	return true
}

// rowHash is split into the two 32-bit hashes double hashing needs.
func rowHash(data []byte) uint64 {
	h := fnv.New64a()
	h.Write(data)
	return h.Sum64()
}

func (bf *BloomFilter) Bytes() []byte {
	buf := make([]byte, 12+len(bf.bits))
	binary.LittleEndian.PutUint64(buf[0:8], bf.numBits)
	binary.LittleEndian.PutUint32(buf[8:12], bf.numHashes)
	copy(buf[12:], bf.bits)
	return buf
}

func DeserializeBloomFilter(data []byte) (*BloomFilter, error) {
	if len(data) < 12 {
		return nil, errors.New("invalid bloom filter data: too short")
	}
	numBits := binary.LittleEndian.Uint64(data[0:8])
	numHashes := binary.LittleEndian.Uint32(data[8:12])
	bits := data[12:]
	if numBits == 0 || numHashes == 0 || uint64(len(bits))*8 != numBits {
		return nil, fmt.Errorf("invalid bloom filter data: numBits %d, numHashes %d, bitsLen %d", numBits, numHashes, len(bits)*8)
	}
	return &BloomFilter{bits: bits, numBits: numBits, numHashes: numHashes}, nil
}
