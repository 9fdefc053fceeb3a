// This file implements a 4-bit count-min sketch with periodic aging,
// providing the popularity history for the TinyLFU admission policy.
//
// The counter matrix is a single uint64 slice holding 16 counters per
// slot. A fixed depth of four balances accuracy and cost. The slice
// length is the cache's maximum entry count rounded up to a power of two
// so indexing is a mask. Counters saturate at 15; after sampleSize
// observed increments every counter is halved so the sketch reflects the
// recent workload rather than lifetime totals.
package internal

import "math/bits"

// A mixture of seeds from FNV-1a, CityHash, and Murmur3.
var sketchSeeds = [4]uint64{
	0xc3a5c85c97cb3127,
	0xb492b66fbe98f273,
	0x9ae16a3b2f90404f,
	0xcbf29ce484222325,
}

const (
	resetMask = 0x7777777777777777
	oneMask   = 0x1111111111111111
)

// FrequencySketch is a probabilistic multi-set for estimating the
// popularity of an element within a time window. The maximum frequency
// of an element is limited to 15 (4 bits).
//
// Thread-safety: none. The sketch is owned exclusively by the
// maintenance task.
type FrequencySketch struct {
	sampleSize int
	tableMask  uint64
	table      []uint64
	size       int
}

// NewFrequencySketch creates a sketch sized for the given maximum number
// of cache entries.
func NewFrequencySketch(capacity uint64) *FrequencySketch {
	tableSize := nextPow2(capacity)
	sampleSize := 10 * int(capacity)
	if sampleSize == 0 {
		sampleSize = 10
	}
	return &FrequencySketch{
		sampleSize: sampleSize,
		tableMask:  tableSize - 1,
		table:      make([]uint64, tableSize),
	}
}

// Frequency returns the estimated number of occurrences of the element,
// up to the maximum (15).
func (s *FrequencySketch) Frequency(hash uint64) uint8 {
	start := uint((hash & 3) << 2)
	frequency := uint8(0xFF)
	for i := uint(0); i < 4; i++ {
		index := s.indexOf(hash, i)
		count := uint8(s.table[index] >> ((start + i) << 2) & 0xF)
		if count < frequency {
			frequency = count
		}
	}
	return frequency
}

// Increment increments the popularity of the element if it does not
// exceed the maximum (15). The popularity of all elements is periodically
// halved when the observed events exceed sampleSize, so long-gone entries
// fade away.
func (s *FrequencySketch) Increment(hash uint64) {
	start := uint((hash & 3) << 2)
	added := false
	for i := uint(0); i < 4; i++ {
		index := s.indexOf(hash, i)
		added = s.incrementAt(index, start+i) || added
	}

	if added {
		s.size++
		if s.size >= s.sampleSize {
			s.reset()
		}
	}
}

// incrementAt bumps the counter at the given table slot and counter
// offset unless it is saturated. Reports whether it incremented.
func (s *FrequencySketch) incrementAt(tableIndex uint64, counterIndex uint) bool {
	offset := counterIndex << 2
	mask := uint64(0xF) << offset
	if s.table[tableIndex]&mask != mask {
		s.table[tableIndex] += 1 << offset
		return true
	}
	return false
}

// reset halves every counter, correcting the sample count by the number
// of odd counters that rounded down.
func (s *FrequencySketch) reset() {
	odd := 0
	for i, slot := range s.table {
		odd += bits.OnesCount64(slot & oneMask)
		s.table[i] = (slot >> 1) & resetMask
	}
	s.size = (s.size >> 1) - (odd >> 2)
}

// indexOf returns the table index for the counter at the given depth.
func (s *FrequencySketch) indexOf(hash uint64, depth uint) uint64 {
	h := (hash + sketchSeeds[depth]) * sketchSeeds[depth]
	h += h >> 32
	return h & s.tableMask
}

func nextPow2(v uint64) uint64 {
	if v == 0 {
		return 1
	}
	v--
	v |= v >> 1
	v |= v >> 2
	v |= v >> 4
	v |= v >> 8
	v |= v >> 16
	v |= v >> 32
	return v + 1
}
