// Package startarray implements the object-start-array oracle the card
// scanner relies on to resolve, for any address, the object whose body
// covers it. It is consumed as an interface (ObjectStartArray) by the
// cardtable and scavenge packages; Table is the concrete implementation
// this module ships so the engine is runnable end to end.
//
// Table is a block-offset table in the spirit of HotSpot's
// ObjectStartArray: each block remembers the index of the object covering
// its first address (the object starting exactly there, if any, otherwise
// the last object starting before it), so a query
// backs up to that anchor and then walks forward object-by-object — at most
// a handful of objects, never the whole space — to find the one actually
// covering the queried address.
package startarray

import (
	"math/bits"

	"github.com/pkg/errors"

	"github.com/outofforest/cardscavenge/heap"
)

// ObjectStartArray is the oracle consumed by the card scanner.
type ObjectStartArray interface {
	// ObjectStart returns the start address of the object covering addr.
	ObjectStart(addr heap.Address) heap.Address
	// ObjectStartsInRange reports whether any object starts in [lo, hi).
	ObjectStartsInRange(lo, hi heap.Address) bool
}

// Sizer reports the word size of the object starting at addr. It is the
// table's only way of walking forward from an anchor to an exact answer.
type Sizer func(addr heap.Address) uint64

// New returns an empty Table covering [bottom, end) in blocks of
// blockSizeBytes, which must be a power of two. Objects must be registered,
// via Register, in strictly increasing start-address order — the order a
// bump allocator places them in — and FillRemaining must be called once
// after the last registration covering the range the table will be queried
// over.
func New(bottom, end heap.Address, blockSizeBytes uint64, sizer Sizer) (*Table, error) {
	if blockSizeBytes == 0 || blockSizeBytes&(blockSizeBytes-1) != 0 {
		return nil, errors.New("block size must be a power of two")
	}
	if end < bottom {
		return nil, errors.New("end must not precede bottom")
	}

	shift := uint(bits.TrailingZeros64(blockSizeBytes))
	numBlocks := int((end-bottom)>>shift) + 1

	idx := make([]int32, numBlocks)
	for i := range idx {
		idx[i] = -1
	}

	return &Table{
		bottom: bottom,
		shift:  shift,
		blocks: idx,
		sizer:  sizer,
	}, nil
}

// Table is the concrete ObjectStartArray.
type Table struct {
	bottom heap.Address
	shift  uint

	blocks   []int32
	starts   []heap.Address
	filledTo int
	sizer    Sizer
}

func (t *Table) blockOf(addr heap.Address) int {
	return int((addr - t.bottom) >> t.shift)
}

// Register records that an object starts at addr. Must be called in
// strictly increasing address order.
func (t *Table) Register(addr heap.Address) {
	b := t.blockOf(addr)

	prevIdx := int32(-1)
	if len(t.starts) > 0 {
		prevIdx = int32(len(t.starts) - 1)
	}
	for i := t.filledTo; i < b; i++ {
		t.blocks[i] = prevIdx
	}

	t.starts = append(t.starts, addr)

	// Anchor block b once, to the object covering its first address: this
	// object if it starts exactly on the block boundary, otherwise the
	// previous one, which straddles into the block. A query landing anywhere
	// in this block must be able to walk forward from an object that starts
	// at or before it; this object, or a later sibling in the same block,
	// would overshoot that guarantee for addresses ahead of it.
	if b >= t.filledTo {
		anchor := int32(len(t.starts) - 1)
		if prevIdx >= 0 && t.bottom+heap.Address(uint64(b)<<t.shift) < addr {
			anchor = prevIdx
		}
		t.blocks[b] = anchor
		t.filledTo = b + 1
	}
}

// FillRemaining fills every block from the last registration up to top's
// block with the table's current last start. Call once, after the last
// Register, before the first query.
func (t *Table) FillRemaining(top heap.Address) {
	b := t.blockOf(top)
	if b >= len(t.blocks) {
		b = len(t.blocks) - 1
	}

	prevIdx := int32(-1)
	if len(t.starts) > 0 {
		prevIdx = int32(len(t.starts) - 1)
	}
	for i := t.filledTo; i <= b; i++ {
		t.blocks[i] = prevIdx
	}
	t.filledTo = b + 1
}

// ObjectStart returns the start address of the object covering addr.
func (t *Table) ObjectStart(addr heap.Address) heap.Address {
	b := t.blockOf(addr)
	idx := t.blocks[b]
	if idx < 0 {
		panic(errors.Errorf("no object registered at or before address %d", addr))
	}

	for {
		cur := t.starts[idx]
		if cur.Add(t.sizer(cur)) > addr {
			return cur
		}
		idx++
		if int(idx) >= len(t.starts) {
			panic(errors.Errorf("address %d is not covered by any registered object", addr))
		}
	}
}

// ObjectStartsInRange reports whether any registered object starts in
// [lo, hi).
func (t *Table) ObjectStartsInRange(lo, hi heap.Address) bool {
	if lo >= hi {
		return false
	}

	b := t.blockOf(lo)
	idx := t.blocks[b]
	if idx < 0 {
		if len(t.starts) == 0 {
			return false
		}
		idx = 0
	}

	for i := int(idx); i < len(t.starts); i++ {
		if t.starts[i] >= hi {
			return false
		}
		if t.starts[i] >= lo {
			return true
		}
	}
	return false
}
