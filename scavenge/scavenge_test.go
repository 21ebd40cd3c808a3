package scavenge_test

import (
	"context"
	"testing"

	"github.com/outofforest/logger"
	"github.com/stretchr/testify/require"

	"github.com/outofforest/cardscavenge/cardtable"
	"github.com/outofforest/cardscavenge/heap"
	"github.com/outofforest/cardscavenge/promotion"
	"github.com/outofforest/cardscavenge/scavenge"
	"github.com/outofforest/cardscavenge/startarray"
)

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(logger.WithLogger(context.Background(), logger.New(logger.DefaultConfig)))
	t.Cleanup(cancel)
	return ctx
}

// spyManager records every push it receives, in order, so tests can assert
// the straddling-object and large-array-partition properties directly.
type spyManager struct {
	objPushes   []heap.Address
	slicePushes []slicePush
	drains      int
}

type slicePush struct {
	arr    heap.Address
	lo, hi heap.Address
}

func (m *spyManager) PushContents(obj heap.Object) {
	m.objPushes = append(m.objPushes, obj.Addr)
}

func (m *spyManager) PushObjArrayContents(arr heap.Object, lo, hi heap.Address) {
	m.slicePushes = append(m.slicePushes, slicePush{arr: arr.Addr, lo: lo, hi: hi})
}

func (m *spyManager) DrainStacksCondDepth() {
	m.drains++
}

var _ promotion.Manager = (*spyManager)(nil)

// fixture builds a small heap + card table + start array with a known,
// uniform geometry, convenient for hand-computing the boundary scenarios
// from first principles.
type fixture struct {
	space *heap.Space
	ct    *cardtable.CardTable
	sa    *startarray.Table
}

func newFixture(t *testing.T, spaceBytes uint64, cardSizeBytes, numCardsInStripe uint64, debug bool) *fixture {
	t.Helper()
	requireT := require.New(t)

	s, releaseSpace, err := heap.NewSpace(spaceBytes)
	requireT.NoError(err)
	t.Cleanup(releaseSpace)

	ct, releaseCT, err := cardtable.New(cardtable.Config{
		CardSizeInBytes:  cardSizeBytes,
		NumCardsInStripe: numCardsInStripe,
		Debug:            debug,
	}, heap.Address(spaceBytes))
	requireT.NoError(err)
	t.Cleanup(releaseCT)

	sa, err := startarray.New(0, heap.Address(spaceBytes), cardSizeBytes, func(addr heap.Address) uint64 {
		return heap.Project(s, addr).SizeWords()
	})
	requireT.NoError(err)

	return &fixture{space: s, ct: ct, sa: sa}
}

func (f *fixture) place(t *testing.T, kind heap.Kind, sizeWords uint64) heap.Object {
	t.Helper()
	obj, err := heap.PlaceObject(f.space, kind, sizeWords, nil)
	require.NoError(t, err)
	f.sa.Register(obj.Addr)
	return obj
}

func (f *fixture) finish() {
	f.sa.FillRemaining(f.space.Top())
}

// setDirty seeds initial card state, then wipes the debug ownership tags so
// setup writes never interfere with the real run's ownership assert.
func (f *fixture) setDirty(cards ...int) {
	for _, c := range cards {
		f.ct.Set(c, cardtable.Dirty, 0)
	}
	f.ct.ResetOwnership()
}

func TestEmptySpaceReturnsImmediatelyWithNoWork(t *testing.T) {
	requireT := require.New(t)
	f := newFixture(t, 64, 32, 2, true)
	f.finish()

	engine, err := scavenge.NewEngine(f.ct, f.sa, f.space, scavenge.Config{
		NStripes: 1, LargeArrayThresholdWords: 1000,
	})
	requireT.NoError(err)

	pm := &spyManager{}
	engine.ScavengeContentsParallel(pm, 0, 0) // space_top == bottom

	requireT.Empty(pm.objPushes)
	requireT.Empty(pm.slicePushes)
}

// TestStraddlingObjectScannedExactlyOnceAcrossStripes builds three objects —
// obj0 [0,23), O [23,32) straddling the two workers' boundary, obj2
// [32,48) — with a dirty/clean/dirty run (cards 5,6,7) entirely inside O's
// body that also crosses the two workers' stripe boundary (card 6). This
// exercises E3 (straddling reference at the stripe boundary), E5 (clean
// island inside a straddling object), and — via the debug ownership assert
// on a shared CardTable — property 3 (no double-clear).
func TestStraddlingObjectScannedExactlyOnceAcrossStripes(t *testing.T) {
	requireT := require.New(t)
	f := newFixture(t, 384, 32, 6, true) // 4-word cards, 6-card (24-word) stripes

	obj0 := f.place(t, heap.KindScalar, 23)
	objO := f.place(t, heap.KindScalar, 9)
	obj2 := f.place(t, heap.KindScalar, 16)
	f.finish()

	// Cards: 0-4 clean, 5 dirty (O's first/shared card), 6 clean (island),
	// 7 dirty (still O's body), 8 dirty (obj2's first card), 9-11 clean.
	f.setDirty(5, 7, 8)

	engine, err := scavenge.NewEngine(f.ct, f.sa, f.space, scavenge.Config{
		NStripes: 2, LargeArrayThresholdWords: 1000, Debug: true,
	})
	requireT.NoError(err)

	pm0, pm1 := &spyManager{}, &spyManager{}
	requireT.NotPanics(func() {
		engine.ScavengeContentsParallel(pm0, 0, heap.Address(384))
		engine.ScavengeContentsParallel(pm1, 1, heap.Address(384))
	}, "a double-clear would panic via the debug ownership assert")

	requireT.Equal([]heap.Address{obj0.Addr, objO.Addr}, pm0.objPushes,
		"worker 0 owns the straddling object and scans it exactly once")
	requireT.Equal([]heap.Address{obj2.Addr}, pm1.objPushes,
		"worker 1 never touches the object owned by worker 0")

	requireT.Equal(cardtable.Clean, f.ct.Get(5))
	requireT.Equal(cardtable.Clean, f.ct.Get(6))
	requireT.Equal(cardtable.Clean, f.ct.Get(7))
	requireT.Equal(cardtable.Clean, f.ct.Get(8))
	requireT.Equal(cardtable.Clean, f.ct.Get(9))
	requireT.Equal(cardtable.Clean, f.ct.Get(10))
	requireT.Equal(cardtable.Clean, f.ct.Get(11), "last card of obj2's run")
}

// TestLargeArrayHandoffPushesAlignedPrefix builds a preceding scalar object
// ending mid-card, followed by a large array starting — unaligned — in
// that same card, per E4. The stripe driver must clear the shared card as
// part of the preceding object's dirty run, and the large-array handoff
// must then push exactly the prefix elements up to the next card boundary.
func TestLargeArrayHandoffPushesAlignedPrefix(t *testing.T) {
	requireT := require.New(t)
	f := newFixture(t, 200, 32, 2, true) // 4-word cards, 2-card (8-word) stripes

	preceding := f.place(t, heap.KindScalar, 5) // words [0,5): ends mid-card-1
	arr := f.place(t, heap.KindObjectArray, 20) // words [5,25): unaligned start
	f.finish()

	f.setDirty(1) // the shared card

	engine, err := scavenge.NewEngine(f.ct, f.sa, f.space, scavenge.Config{
		NStripes: 1, LargeArrayThresholdWords: 3, Debug: true,
	})
	requireT.NoError(err)

	pm := &spyManager{}
	engine.ScavengeContentsParallel(pm, 0, heap.Address(200))

	requireT.Equal([]heap.Address{preceding.Addr}, pm.objPushes)
	requireT.Contains(pm.slicePushes, slicePush{
		arr: arr.Addr,
		lo:  arr.Addr,
		hi:  f.ct.AddrFor(f.ct.ByteFor(arr.Addr) + 1),
	}, "prefix elements up to the next card boundary pushed explicitly")
	requireT.Equal(cardtable.Clean, f.ct.Get(1))
}

func TestRoundTripAllCleanWhenNoOldToYoungReferences(t *testing.T) {
	requireT := require.New(t)
	f := newFixture(t, 256, 32, 2, true)

	f.place(t, heap.KindScalar, 10)
	f.place(t, heap.KindScalar, 10)
	f.place(t, heap.KindScalar, 12)
	f.finish()
	// No card ever marked dirty: a heap with no old->young references.

	engine, err := scavenge.NewEngine(f.ct, f.sa, f.space, scavenge.Config{
		NStripes: 1, LargeArrayThresholdWords: 1000, Debug: true,
	})
	requireT.NoError(err)

	pm := &spyManager{}
	engine.ScavengeContentsParallel(pm, 0, f.space.Top())

	for i := 0; i < int(f.space.Top())/32; i++ {
		requireT.Equal(cardtable.Clean, f.ct.Get(i), "card %d", i)
	}
	requireT.Empty(pm.objPushes, "nothing dirty: nothing pushed")
}

func TestRunTeamRejectsMismatchedManagerCount(t *testing.T) {
	requireT := require.New(t)
	f := newFixture(t, 64, 32, 2, false)
	f.finish()

	engine, err := scavenge.NewEngine(f.ct, f.sa, f.space, scavenge.Config{
		NStripes: 2, LargeArrayThresholdWords: 1000,
	})
	requireT.NoError(err)

	err = scavenge.RunTeam(testCtx(t), engine, []promotion.Manager{&spyManager{}}, 0)
	requireT.Error(err)
}

func TestRunTeamRunsOneWorkerPerStripe(t *testing.T) {
	requireT := require.New(t)
	f := newFixture(t, 256, 32, 2, true)

	f.place(t, heap.KindScalar, 10)
	f.place(t, heap.KindScalar, 10)
	f.place(t, heap.KindScalar, 12)
	f.finish()

	engine, err := scavenge.NewEngine(f.ct, f.sa, f.space, scavenge.Config{
		NStripes: 2, LargeArrayThresholdWords: 1000, Debug: true,
	})
	requireT.NoError(err)

	pms := []promotion.Manager{&spyManager{}, &spyManager{}}
	requireT.NoError(scavenge.RunTeam(testCtx(t), engine, pms, f.space.Top()))
}
