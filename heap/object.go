package heap

import (
	"unsafe"

	"github.com/pkg/errors"

	"github.com/outofforest/photon"
)

// Kind distinguishes ordinary scalar objects from object arrays. Only
// object arrays are eligible for the large-reference-array carve-out.
type Kind uint8

const (
	// KindScalar is an ordinary object: a self-reported size and a prefix
	// of reference slots, possibly followed by opaque non-reference payload.
	KindScalar Kind = iota

	// KindObjectArray is a reference array: every word past the header is
	// an independently card-markable reference slot.
	KindObjectArray
)

// ObjectHeader is the fixed-size prefix every object carries, mirroring the
// self-reported size every oop exposes via size() in the source material.
type ObjectHeader struct {
	SizeWords uint64
	NumRefs   uint64
	Kind      Kind
}

// headerWords is the header's footprint in whole words.
var headerWords = uint64(unsafe.Sizeof(ObjectHeader{})) / WordSize

// Object is an object projected onto arena bytes: a header plus its
// contiguous trailing reference slots.
type Object struct {
	Addr   Address
	Header *ObjectHeader
	Refs   []Address
}

// SizeWords is the object's self-reported total size, in words, header
// included — advancing by this many words reaches the next object.
func (o Object) SizeWords() uint64 {
	return o.Header.SizeWords
}

// End returns the address one past the object's last word.
func (o Object) End() Address {
	return o.Addr.Add(o.SizeWords())
}

// IsObjectArray reports whether o is a reference array.
func (o Object) IsObjectArray() bool {
	return o.Header.Kind == KindObjectArray
}

// RefAddr returns the address of the i-th reference slot.
func (o Object) RefAddr(i int) Address {
	return o.Addr.Add(headerWords + uint64(i))
}

// Project reads the object starting at addr out of the space.
func Project(s *Space, addr Address) Object {
	p := s.Pointer(addr)
	header := photon.FromPointer[ObjectHeader](p)
	refs := photon.SliceFromPointer[Address](unsafe.Add(p, uintptr(headerWords*WordSize)), int(header.NumRefs))
	return Object{Addr: addr, Header: header, Refs: refs}
}

// IterateRefs invokes f with the address of every reference slot of o, the
// Go analogue of the source's OopClosure visitor. f observes slot addresses,
// not values, because card marks are keyed on where a reference lives, not
// on what it points to.
func IterateRefs(o Object, f func(slotAddr Address)) {
	for i := range o.Refs {
		f(o.RefAddr(i))
	}
}

// PlaceObject bump-allocates an object at the space's current top, zero-fills
// it, writes refs into its leading reference slots, and advances top past it.
// totalSizeWords must be at least enough to hold the header and len(refs);
// any excess is opaque filler, which is how straddling-object test fixtures
// are built.
func PlaceObject(s *Space, kind Kind, totalSizeWords uint64, refs []Address) (Object, error) {
	minWords := headerWords + uint64(len(refs))
	if totalSizeWords < minWords {
		return Object{}, errors.Errorf("object requires at least %d words, got %d", minWords, totalSizeWords)
	}

	addr := s.top
	end := addr.Add(totalSizeWords)
	if end > s.end {
		return Object{}, errors.New("old-gen arena exhausted")
	}

	clear(photon.SliceFromPointer[byte](s.Pointer(addr), int(totalSizeWords*WordSize)))

	p := s.Pointer(addr)
	header := photon.FromPointer[ObjectHeader](p)
	*header = ObjectHeader{
		SizeWords: totalSizeWords,
		NumRefs:   uint64(len(refs)),
		Kind:      kind,
	}
	slots := photon.SliceFromPointer[Address](unsafe.Add(p, uintptr(headerWords*WordSize)), len(refs))
	copy(slots, refs)

	s.top = end

	return Object{Addr: addr, Header: header, Refs: slots}, nil
}

// SetRef overwrites reference slot i of o with value and reports the slot's
// address to d, the way a generational write barrier dirties the card
// covering a store of a (possibly) young-pointing reference. This is not a
// production write barrier — it exists solely so tests can build dirty
// heaps without reimplementing one.
func SetRef(o Object, i int, value Address, d Dirtier) {
	o.Refs[i] = value
	d.MarkDirty(o.RefAddr(i))
}

// IsLargeObjArray classifies obj as a large reference array: big enough
// that per-stripe element scanning pays off, per spec.md §3.
func IsLargeObjArray(o Object, thresholdWords uint64) bool {
	return o.IsObjectArray() && o.Header.SizeWords > thresholdWords
}
