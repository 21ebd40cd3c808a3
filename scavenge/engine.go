// Package scavenge implements the stripe driver: the per-worker loop that
// walks a slice of old-gen, resolves objects straddling stripe boundaries,
// finds and clears dirty card runs, and dispatches scanning to a
// promotion.Manager. It is the parallel entry point a stop-the-world
// collector calls once per worker with a distinct stripe index.
package scavenge

import (
	"github.com/pkg/errors"

	"github.com/outofforest/cardscavenge/cardtable"
	"github.com/outofforest/cardscavenge/heap"
	"github.com/outofforest/cardscavenge/promotion"
	"github.com/outofforest/cardscavenge/startarray"
)

// Config configures an Engine's geometry and policy knobs, mirroring the
// build-time constants of the source material.
type Config struct {
	// NStripes is the number of worker stripes the space is partitioned into.
	NStripes uint64
	// LargeArrayThresholdWords is the size, in words, above which an object
	// array is scanned as a large array (per-stripe element scanning)
	// instead of by a single owning stripe.
	LargeArrayThresholdWords uint64
	// PrefetchDistanceBytes is accepted for interface completeness but
	// unused: Go has no portable prefetch intrinsic, and the source material
	// itself treats the hint as advisory and safe to omit.
	PrefetchDistanceBytes uint64
	// Debug enables the start-array cache monotonicity assert and the
	// large-array guard assert in ScavengeContentsParallel. The card table's
	// ownership assert is enabled separately, via cardtable.Config.Debug.
	Debug bool
}

func (c *Config) setDefaults() error {
	if c.NStripes == 0 {
		return errors.New("n stripes must be positive")
	}
	return nil
}

// NewEngine returns an Engine scavenging space, backed by ct and sa.
func NewEngine(
	ct *cardtable.CardTable, sa startarray.ObjectStartArray, space *heap.Space, config Config,
) (*Engine, error) {
	if err := config.setDefaults(); err != nil {
		return nil, err
	}
	return &Engine{ct: ct, sa: sa, space: space, config: config}, nil
}

// Engine is the stripe driver's fixed collaborators: everything a call to
// ScavengeContentsParallel needs except the per-worker stripe index and
// promotion manager, which are supplied per call so one Engine can back an
// entire worker team.
type Engine struct {
	ct     *cardtable.CardTable
	sa     startarray.ObjectStartArray
	space  *heap.Space
	config Config
}

func (e *Engine) sizer(addr heap.Address) uint64 {
	return heap.Project(e.space, addr).SizeWords()
}

func (e *Engine) objectAt(addr heap.Address) heap.Object {
	return heap.Project(e.space, addr)
}

// startCache is the driver's single-slot object-start cache: successive
// queries inside one stripe's dirty-run walk (4.5's step D) are
// monotonically non-decreasing, so caching the last resolved (start, end)
// pair turns most of those queries into a bounds check. It does not cover
// the stripe driver's other, one-off start-array queries (resolving the
// stripe's first object or tail), which are neither repeated nor ordered
// relative to the walk's queries.
type startCache struct {
	objStart, objEnd heap.Address
	valid            bool

	debug        bool
	hasLastQuery bool
	lastQuery    heap.Address
}

func (c *startCache) resolve(sa startarray.ObjectStartArray, sizer cardtable.ObjectSizer, addr heap.Address) heap.Address {
	if c.debug {
		if c.hasLastQuery && addr < c.lastQuery {
			panic(errors.Errorf("start-array cache queried out of order: %d after %d", addr, c.lastQuery))
		}
		c.lastQuery, c.hasLastQuery = addr, true
	}
	if c.valid && addr < c.objEnd {
		return c.objStart
	}
	start := sa.ObjectStart(addr)
	c.objStart, c.objEnd, c.valid = start, start.Add(sizer(start)), true
	return start
}

// ScanObjectsInRange walks whole objects in [lo, hi), pushing each to pm.
// lo must be an object start and no object may straddle hi.
func (e *Engine) ScanObjectsInRange(pm promotion.Manager, lo, hi heap.Address) {
	for addr := lo; addr < hi; {
		obj := e.objectAt(addr)
		pm.PushContents(obj)
		addr = obj.End()
	}
	pm.DrainStacksCondDepth()
}

// ScavengeLargeArrayContents scans only the elements of arr that fall in
// [stripeLo, stripeHi) and on a dirty card, pushing element slices rather
// than the whole array. firstCardAlreadyCleared tells it whether the
// driver already cleared and scanned the array's first card as part of a
// preceding object's dirty run (see 4.6's handoff).
func (e *Engine) ScavengeLargeArrayContents(
	arr heap.Object, pm promotion.Manager, stripeLo, stripeHi, spaceTop heap.Address,
	firstCardAlreadyCleared bool, stripeIndex int,
) {
	_ = spaceTop
	arrEnd := arr.End()

	hi := stripeHi
	if arrEnd < hi {
		hi = arrEnd
	}

	lo := stripeLo
	if arr.Addr > lo {
		lo = arr.Addr
	}

	iterLimitL := e.ct.ByteFor(lo)
	iterLimitR := e.ct.ByteFor(hi-1) + 1
	clearLimitL := iterLimitL
	clearLimitR := iterLimitR

	if arr.Addr >= stripeLo && arr.Addr < stripeHi && firstCardAlreadyCleared {
		firstCard := e.ct.ByteFor(arr.Addr)
		prefixEnd := e.ct.AddrFor(firstCard + 1)
		if prefixEnd > arrEnd {
			prefixEnd = arrEnd
		}
		e.pushArraySlice(pm, arr, arr.Addr, prefixEnd)
		iterLimitL = firstCard + 1
		clearLimitL = firstCard + 1
	}

	for cur := iterLimitL; cur < iterLimitR; {
		dl := e.ct.FindFirstDirtyCard(cur, iterLimitR)
		if dl == iterLimitR {
			break
		}
		// Byte-level scan suffices here: unlike 4.5's inner loop, this range
		// lies entirely inside one already-known object (arr), so there is
		// no other object's start to extend the run across.
		dr := e.ct.FindFirstCleanCard(dl, iterLimitR)

		cLo, cHi := dl, dr
		if cLo < clearLimitL {
			cLo = clearLimitL
		}
		if cHi > clearLimitR {
			cHi = clearLimitR
		}
		if cLo < cHi {
			e.ct.ClearCards(cLo, cHi, stripeIndex)
		}

		sliceLo := e.ct.AddrFor(dl)
		if sliceLo < arr.Addr {
			sliceLo = arr.Addr
		}
		sliceHi := e.ct.AddrFor(dr)
		if sliceHi > arrEnd {
			sliceHi = arrEnd
		}
		e.pushArraySlice(pm, arr, sliceLo, sliceHi)

		cur = dr + 1
	}
	pm.DrainStacksCondDepth()
}

func (e *Engine) pushArraySlice(pm promotion.Manager, arr heap.Object, lo, hi heap.Address) {
	if lo >= hi {
		return
	}
	pm.PushObjArrayContents(arr, lo, hi)
}

// ScavengeContentsParallel is the stripe driver's entry point: called once
// per worker with a distinct stripeIndex, it walks every stripe that worker
// owns up to spaceTop, clearing cards that will stay clean and pushing
// every object or array slice overlapping a dirty card to pm.
func (e *Engine) ScavengeContentsParallel(pm promotion.Manager, stripeIndex int, spaceTop heap.Address) {
	cardWords := e.ct.CardSizeInWords()
	stripeSizeWords := e.ct.NumCardsInStripe() * cardWords
	sliceSizeWords := stripeSizeWords * e.config.NStripes

	cache := &startCache{debug: e.config.Debug}

	curStripe := e.space.Bottom().Add(uint64(stripeIndex) * stripeSizeWords)

	for curStripe < spaceTop {
		stripeEnd := curStripe.Add(stripeSizeWords)
		if stripeEnd > spaceTop {
			stripeEnd = spaceTop
		}

		if !e.sa.ObjectStartsInRange(curStripe, stripeEnd) {
			ownerStart := e.sa.ObjectStart(curStripe)
			owner := e.objectAt(ownerStart)
			if heap.IsLargeObjArray(owner, e.config.LargeArrayThresholdWords) {
				e.ScavengeLargeArrayContents(owner, pm, curStripe, stripeEnd, spaceTop, false, stripeIndex)
			}
			curStripe = curStripe.Add(sliceSizeWords)
			continue
		}

		firstObjStart := e.sa.ObjectStart(curStripe)
		firstObj := e.objectAt(firstObjStart)

		floor := firstObjStart
		var iterLimitL, clearLimitL int
		if firstObjStart < curStripe {
			if heap.IsLargeObjArray(firstObj, e.config.LargeArrayThresholdWords) {
				e.ScavengeLargeArrayContents(firstObj, pm, curStripe, stripeEnd, spaceTop, false, stripeIndex)
			}
			floor = firstObj.End()
			clearLimitL = e.ct.ByteFor(floor-1) + 1
			iterLimitL = e.ct.ByteFor(floor)
		} else {
			iterLimitL = e.ct.ByteFor(curStripe)
			clearLimitL = iterLimitL
		}

		tailStart := e.sa.ObjectStart(stripeEnd - 1)
		tailObj := e.objectAt(tailStart)
		tailEnd := tailObj.End()

		var largeArr *heap.Object
		largeArrClearedFirst := false
		var iterLimitR, clearLimitR int

		if heap.IsLargeObjArray(tailObj, e.config.LargeArrayThresholdWords) {
			if tailStart < curStripe {
				// tail starts before the stripe and covers its last word, so it
				// spans the whole stripe and no object can start inside it.
				if e.config.Debug {
					panic(errors.Errorf(
						"large array at %d spans stripe %d, yet an object start was reported inside the stripe",
						tailStart, curStripe))
				}
				curStripe = curStripe.Add(sliceSizeWords)
				continue
			}
			largeArr = &tailObj
			largeArrClearedFirst = !e.ct.IsCardAligned(tailStart) &&
				e.ct.Get(e.ct.ByteFor(tailStart)) != cardtable.Clean
			iterLimitR = e.ct.ByteFor(tailStart-1) + 1
			clearLimitR = iterLimitR
		} else {
			clearLimitR = e.ct.ByteFor(tailEnd)
			iterLimitR = e.ct.ByteFor(tailEnd-1) + 1
		}

		for cur := iterLimitL; cur < iterLimitR; {
			dl := e.ct.FindFirstDirtyCard(cur, iterLimitR)
			dr := e.ct.FindFirstCleanCardFromObject(e.sa, e.sizer, dl, iterLimitR)
			if dl == dr {
				break
			}

			cLo, cHi := dl, dr
			if cLo < clearLimitL {
				cLo = clearLimitL
			}
			if cHi > clearLimitR {
				cHi = clearLimitR
			}
			if cLo < cHi {
				e.ct.ClearCards(cLo, cHi, stripeIndex)
			}

			objL := cache.resolve(e.sa, e.sizer, e.ct.AddrFor(dl))
			if objL < floor {
				objL = floor
			}
			objR := e.ct.AddrFor(dr)
			rightBound := stripeEnd
			if largeArr != nil {
				rightBound = largeArr.Addr
			}
			if rightBound < objR {
				objR = rightBound
			}
			e.ScanObjectsInRange(pm, objL, objR)

			cur = dr + 1
		}

		if largeArr != nil {
			e.ScavengeLargeArrayContents(*largeArr, pm, curStripe, stripeEnd, spaceTop, largeArrClearedFirst, stripeIndex)
		}

		curStripe = curStripe.Add(sliceSizeWords)
	}
}
