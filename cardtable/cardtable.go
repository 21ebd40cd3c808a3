// Package cardtable implements the card-table core: the flat byte array
// summarizing which regions of old-gen may hold young-pointing references,
// and the primitives the stripe driver builds on — address/card
// conversions, clearing, and dirty/clean run detection (including the
// object-aware variant that extends a run across a straddling object).
package cardtable

import (
	"math/bits"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/outofforest/cardscavenge/heap"
	"github.com/outofforest/cardscavenge/startarray"
)

// CardValue is a single card's state.
type CardValue byte

const (
	// Clean means no young-pointing store has happened since the last scavenge.
	Clean CardValue = iota
	// Dirty means the card may contain young-pointing references and must be scanned.
	Dirty
	// Newgen marks, during precise verification, a card holding a verified young reference.
	Newgen
	// Verify is a transient marker valid only inside the precise-verification window.
	Verify
	// Youngergen is the post-scavenge steady state for a card known to hold an old→young reference.
	Youngergen
)

// Config configures a CardTable's geometry. All fields are build-time
// constants in the source material; here they are validated once at
// construction instead.
type Config struct {
	// CardSizeInBytes must be a power of two. Default 512 if zero.
	CardSizeInBytes uint64
	// NumCardsInStripe is the number of cards a single worker's stripe spans. Default 128 if zero.
	NumCardsInStripe uint64
	// Debug enables the per-card ownership assert that the release build elides, per spec.md §7.
	Debug bool
}

const (
	defaultCardSizeInBytes  = 512
	defaultNumCardsInStripe = 128
)

func (c *Config) setDefaults() error {
	if c.CardSizeInBytes == 0 {
		c.CardSizeInBytes = defaultCardSizeInBytes
	}
	if c.CardSizeInBytes&(c.CardSizeInBytes-1) != 0 {
		return errors.New("card size must be a power of two")
	}
	if c.NumCardsInStripe == 0 {
		c.NumCardsInStripe = defaultNumCardsInStripe
	}
	return nil
}

// New returns a CardTable covering old-gen addresses [0, spaceEnd), backed
// by its own mmap'd byte array — process-lived memory only, never persisted.
func New(config Config, spaceEnd heap.Address) (*CardTable, func(), error) {
	if err := config.setDefaults(); err != nil {
		return nil, nil, err
	}

	numCards := uint64(spaceEnd)/config.CardSizeInBytes + 1
	cards, err := unix.Mmap(-1, 0, int(numCards), unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return nil, nil, errors.Wrap(err, "card table allocation failed")
	}

	ct := &CardTable{
		config:    config,
		cardShift: uint(bits.TrailingZeros64(config.CardSizeInBytes)),
		cards:     cards,
	}
	if config.Debug {
		ct.owners = make([]int32, numCards)
		ct.ResetOwnership()
	}

	return ct, func() {
		_ = unix.Munmap(cards)
	}, nil
}

// CardTable is the flat byte-per-card summary of old-gen.
type CardTable struct {
	config    Config
	cardShift uint
	cards     []byte

	owners []int32 // debug-only: stripe index that last wrote each card this pass
}

// CardSizeInWords is the number of HeapWords a single card spans.
func (ct *CardTable) CardSizeInWords() uint64 {
	return ct.config.CardSizeInBytes / heap.WordSize
}

// NumCardsInStripe is the configured stripe width, in cards.
func (ct *CardTable) NumCardsInStripe() uint64 {
	return ct.config.NumCardsInStripe
}

// cardIndex returns the index into the card array covering addr.
func (ct *CardTable) cardIndex(addr heap.Address) int {
	return int(uint64(addr) >> ct.cardShift)
}

// ByteFor returns the card index covering addr — the Go analogue of a
// pointer into the card array, since here a CardValue is addressed by index
// rather than by raw pointer.
func (ct *CardTable) ByteFor(addr heap.Address) int {
	return ct.cardIndex(addr)
}

// AddrFor returns the address of the first word of the given card.
func (ct *CardTable) AddrFor(card int) heap.Address {
	return heap.Address(uint64(card) << ct.cardShift)
}

// IsCardAligned reports whether addr falls on a card boundary.
func (ct *CardTable) IsCardAligned(addr heap.Address) bool {
	return uint64(addr)&(ct.config.CardSizeInBytes-1) == 0
}

// Get returns the value of the card at index i.
func (ct *CardTable) Get(i int) CardValue {
	return CardValue(ct.cards[i])
}

// ResetOwnership clears the debug-only last-writer tags. Call once before
// each scavenge pass; a no-op when Config.Debug is false.
func (ct *CardTable) ResetOwnership() {
	for i := range ct.owners {
		ct.owners[i] = -1
	}
}

// Set writes value into the card at index i. In debug builds it panics
// immediately if a different stripe already owns this card during the
// current pass — the real-time form of spec.md §8 property 3 ("no card is
// written by more than one worker").
func (ct *CardTable) Set(i int, value CardValue, stripeIndex int) {
	if ct.owners != nil {
		if prev := ct.owners[i]; prev >= 0 && int(prev) != stripeIndex {
			panic(errors.Errorf("card %d written by stripe %d after being owned by stripe %d this pass",
				i, stripeIndex, prev))
		}
		ct.owners[i] = int32(stripeIndex)
	}
	ct.cards[i] = byte(value)
}

// MarkDirty marks the card covering addr as dirty. This is the write
// barrier's only job, and the only mutation this package expects from
// outside a scavenge; it satisfies heap.Dirtier. Dirtying a card is never
// attributed to a stripe, so it bypasses the ownership check.
func (ct *CardTable) MarkDirty(addr heap.Address) {
	ct.cards[ct.cardIndex(addr)] = byte(Dirty)
}

// ClearCards writes Clean to every card in [lo, hi) (card indices, not
// addresses). No fences: stop-the-world guarantees visibility.
func (ct *CardTable) ClearCards(lo, hi int, stripeIndex int) {
	for i := lo; i < hi; i++ {
		ct.Set(i, Clean, stripeIndex)
	}
}

// FindFirstDirtyCard returns the first card index in [start, end) whose
// value isn't Clean, or end if none.
func (ct *CardTable) FindFirstDirtyCard(start, end int) int {
	for i := start; i < end; i++ {
		if ct.Get(i) != Clean {
			return i
		}
	}
	return end
}

// FindFirstCleanCard returns the first card index in [start, end) that is
// Clean, or end if none. This is the pure byte-scan variant.
func (ct *CardTable) FindFirstCleanCard(start, end int) int {
	for i := start; i < end; i++ {
		if ct.Get(i) == Clean {
			return i
		}
	}
	return end
}

// ObjectSizer reports the word size of the object starting at addr.
type ObjectSizer func(addr heap.Address) uint64

// FindFirstCleanCardFromObject is the object-aware variant: start must be
// dirty. It returns the first clean card in (start, end) that isn't also
// covered by an object whose start lies on a preceding dirty card — i.e. it
// extends a dirty run across any object straddling it, so the run returned
// to the driver fully contains every object overlapping a dirty card.
func (ct *CardTable) FindFirstCleanCardFromObject(
	sa startarray.ObjectStartArray, sizer ObjectSizer, start, end int,
) int {
	i := start + 1
	for i < end {
		if ct.Get(i) != Clean {
			i++
			continue
		}

		objAddr := sa.ObjectStart(ct.AddrFor(i) - heap.WordSize)
		objEnd := objAddr.Add(sizer(objAddr))
		finalCard := ct.cardIndex(objEnd - 1)
		if finalCard <= i {
			return i
		}
		i = finalCard + 1
	}
	return end
}

// AddrIsMarkedImprecise reports whether the card covering addr is Dirty,
// Newgen, or Youngergen — "this object-granular region may hold a young
// reference". Youngergen is the steady state a prior precise verification
// pass leaves behind and carries the same meaning as Dirty here.
func (ct *CardTable) AddrIsMarkedImprecise(addr heap.Address) bool {
	switch ct.Get(ct.cardIndex(addr)) {
	case Dirty, Newgen, Youngergen:
		return true
	case Clean:
		return false
	default:
		panic(errors.Errorf("unexpected card value for imprecise check at %d", addr))
	}
}

// AddrIsMarkedPrecise reports whether the card covering addr is Newgen or
// Verify — the precise, slot-granular check used during verification. By
// the time this is called, verify.AllYoungRefsPrecise has already opened the
// verification window (every Dirty or Youngergen card in range rewritten to
// Verify), so those two values are the only steady states a surviving
// reference's card can be found in.
func (ct *CardTable) AddrIsMarkedPrecise(addr heap.Address) bool {
	switch ct.Get(ct.cardIndex(addr)) {
	case Newgen, Verify:
		return true
	case Clean, Dirty:
		return false
	default:
		panic(errors.Errorf("unexpected card value for precise check at %d", addr))
	}
}
