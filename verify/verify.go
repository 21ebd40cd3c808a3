// Package verify implements the two consistency checks spec.md §4.7 calls
// for: an imprecise, object-granular check run before a scavenge, and a
// precise, slot-granular check run after one. Both exist purely to catch a
// broken write barrier or a stripe-driver bug; neither is part of the
// scavenge itself.
package verify

import (
	"context"

	"github.com/outofforest/logger"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/cardscavenge/cardtable"
	"github.com/outofforest/cardscavenge/heap"
)

// AllYoungRefsImprecise walks every object in [space.Bottom(), spaceTop) and,
// for each one holding at least one reference into yg, asserts that the card
// covering the object's start is marked Dirty, Newgen, or Youngergen. This is
// the check a collector runs before a scavenge, while cards are still
// object-granular: it would not catch a reference buried mid-object pointing
// at a different, clean card, which is exactly why the post-scavenge check
// is precise instead.
func AllYoungRefsImprecise(ctx context.Context, space *heap.Space, spaceTop heap.Address, ct *cardtable.CardTable, yg heap.YoungGen) {
	logger.Get(ctx).Info("verifying young references (imprecise)", zap.Uint64("spaceTop", uint64(spaceTop)))

	for addr := space.Bottom(); addr < spaceTop; {
		obj := heap.Project(space, addr)
		if objectHasYoungRef(obj, yg) && !ct.AddrIsMarkedImprecise(obj.Addr) {
			panic(errors.Errorf(
				"object at %d holds a reference into the young generation but its card is not dirty", obj.Addr))
		}
		addr = obj.End()
	}
}

func objectHasYoungRef(obj heap.Object, yg heap.YoungGen) bool {
	for _, ref := range obj.Refs {
		if yg.IsInYoung(ref) {
			return true
		}
	}
	return false
}

// AllYoungRefsPrecise opens the precise-verification window — every Dirty or
// Youngergen card in [space.Bottom(), spaceTop) is rewritten to Verify, the
// transient marker spec.md §3 says is "invalid outside verification" — then
// walks every reference slot in that range. For each one pointing into yg,
// it asserts the card covering the slot itself (not the owning object's
// start) is already Newgen or Verify, then marks it Newgen — the precise
// analogue of the imprecise check, catching exactly the case it misses.
// Once every slot has been checked, any card still left Verify never had a
// corresponding surviving young reference and is reclassified Youngergen,
// the informational steady state a later imprecise check treats the same
// as Dirty; any card left Dirty at that point never entered the window at
// all, which can only mean a missed clear.
func AllYoungRefsPrecise(ctx context.Context, space *heap.Space, spaceTop heap.Address, ct *cardtable.CardTable, yg heap.YoungGen) {
	logger.Get(ctx).Info("verifying young references (precise)", zap.Uint64("spaceTop", uint64(spaceTop)))

	bottom := space.Bottom()
	if spaceTop <= bottom {
		return
	}

	ct.ResetOwnership()
	openVerificationWindow(ct, bottom, spaceTop)

	for addr := bottom; addr < spaceTop; {
		obj := heap.Project(space, addr)
		for i, ref := range obj.Refs {
			if !yg.IsInYoung(ref) {
				continue
			}
			slotAddr := obj.RefAddr(i)
			if !ct.AddrIsMarkedPrecise(slotAddr) {
				panic(errors.Errorf(
					"reference at %d points into the young generation but its card was never marked", slotAddr))
			}
			ct.Set(ct.ByteFor(slotAddr), cardtable.Newgen, 0)
		}
		addr = obj.End()
	}

	rewriteRemainingVerifyCards(ct, bottom, spaceTop)
}

// openVerificationWindow rewrites every Dirty or Youngergen card in
// [bottom, spaceTop) to Verify. Dirty is the ordinary post-scavenge state
// for a card overlapping a surviving old->young reference; Youngergen is the
// same fact carried over from an earlier cycle without having been
// re-dirtied since. Either way, entering the window means every card the
// precise walk can still find marked is Verify or (for a reference already
// matched earlier in this same call) Newgen — nothing else.
func openVerificationWindow(ct *cardtable.CardTable, bottom, spaceTop heap.Address) {
	lo := ct.ByteFor(bottom)
	hi := ct.ByteFor(spaceTop-1) + 1

	for i := lo; i < hi; i++ {
		switch ct.Get(i) {
		case cardtable.Dirty, cardtable.Youngergen:
			ct.Set(i, cardtable.Verify, 0)
		}
	}
}

// rewriteRemainingVerifyCards scans every card in [bottom, spaceTop) once
// the slot walk above has finished: a card still holding Verify was never
// matched by a surviving young reference, so it becomes Youngergen — the
// same recorded-but-not-this-pass state a subsequent imprecise check
// recognizes. Clean and Newgen are steady states already and are left
// alone. Anything else — Dirty or Youngergen in particular — means a card
// never entered the verification window opened above, which is exactly the
// missed-clear bug class this verifier exists to catch, so it panics.
func rewriteRemainingVerifyCards(ct *cardtable.CardTable, bottom, spaceTop heap.Address) {
	lo := ct.ByteFor(bottom)
	hi := ct.ByteFor(spaceTop-1) + 1

	for i := lo; i < hi; i++ {
		switch ct.Get(i) {
		case cardtable.Verify:
			ct.Set(i, cardtable.Youngergen, 0)
		case cardtable.Clean, cardtable.Newgen:
		default:
			panic(errors.Errorf("card %d left in an unexpected state after precise verification", i))
		}
	}
}
