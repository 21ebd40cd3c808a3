// Package heap provides the minimal old-generation and young-generation
// memory arenas the scavenge engine runs against: a flat, mmap'd byte arena
// addressed by word-granular offsets, plus the object header/reference-slot
// layout objects are projected onto.
package heap

import (
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// WordSize is the width, in bytes, of a HeapWord.
const WordSize = 8

// Address is a word-aligned byte offset into a Space's arena. Old-gen
// addresses are relative to that space's bottom (address 0 == bottom);
// young-gen containment is checked against a disjoint YoungGen range.
type Address uint64

// Add returns the address advanced by the given number of words.
func (a Address) Add(words uint64) Address {
	return a + Address(words*WordSize)
}

// Sub returns the number of words between a and b (a must be >= b).
func (a Address) Sub(b Address) uint64 {
	return uint64(a-b) / WordSize
}

// NewSpace mmaps an anonymous, zeroed arena of sizeBytes and returns the
// Space backed by it along with a function that releases the mapping.
// The arena is process-lived memory only; nothing is persisted across runs.
func NewSpace(sizeBytes uint64) (*Space, func(), error) {
	if sizeBytes == 0 || sizeBytes%WordSize != 0 {
		return nil, nil, errors.New("space size must be a non-zero multiple of the word size")
	}

	data, err := unix.Mmap(-1, 0, int(sizeBytes), unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return nil, nil, errors.Wrap(err, "old-gen arena allocation failed")
	}

	return &Space{
			data:  data,
			dataP: unsafe.Pointer(&data[0]),
			end:   Address(sizeBytes),
		}, func() {
			_ = unix.Munmap(data)
		}, nil
}

// Space is a contiguous old-gen arena. The engine never traverses beyond
// Top(); the region between Top() and End() is unparseable promotion
// scratch, exactly as spec.md §3 describes.
type Space struct {
	data  []byte
	dataP unsafe.Pointer

	top Address
	end Address
}

// Bottom is always address 0: every Address is relative to the arena start.
func (s *Space) Bottom() Address {
	return 0
}

// Top returns the high-water mark of objects placed so far.
func (s *Space) Top() Address {
	return s.top
}

// End returns the size of the backing arena.
func (s *Space) End() Address {
	return s.end
}

// SetTop moves the high-water mark. Used by test/benchmark harnesses that
// build heaps incrementally via PlaceObject, and by callers that want to
// simulate a space_top strictly below the arena's physical end.
func (s *Space) SetTop(addr Address) {
	s.top = addr
}

// Pointer returns the raw pointer to addr inside the arena.
func (s *Space) Pointer(addr Address) unsafe.Pointer {
	return unsafe.Add(s.dataP, uintptr(addr))
}

// Dirtier marks the card covering a given address as dirty. CardTable
// implements this; Space depends only on the interface to avoid importing
// cardtable, which itself depends on heap.
type Dirtier interface {
	MarkDirty(addr Address)
}

// YoungGen is a bounds-only stand-in for the young generation: this engine
// only needs containment ("is this reference young-pointing"), never
// young-gen memory itself, since copying/forwarding is out of scope.
type YoungGen struct {
	bottom, end Address
}

// NewYoungGen returns a YoungGen spanning [bottom, end).
func NewYoungGen(bottom, end Address) YoungGen {
	return YoungGen{bottom: bottom, end: end}
}

// IsInYoung reports whether addr falls inside the young generation.
func (y YoungGen) IsInYoung(addr Address) bool {
	return addr >= y.bottom && addr < y.end
}
