package scavenge

import (
	"context"
	"fmt"

	"github.com/outofforest/logger"
	"github.com/outofforest/parallel"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/cardscavenge/heap"
	"github.com/outofforest/cardscavenge/promotion"
)

// RunTeam spawns one worker per stripe index, each calling
// Engine.ScavengeContentsParallel with its own promotion.Manager — workers
// share no state and coordinate only via parallel.Run's spawn/join, the way
// a stop-the-world collector launches and retires its worker team. Callers
// run this with the mutators already suspended; RunTeam itself does not
// suspend anything.
func RunTeam(ctx context.Context, engine *Engine, pms []promotion.Manager, spaceTop heap.Address) error {
	if uint64(len(pms)) != engine.config.NStripes {
		return errors.Errorf("expected %d promotion managers, got %d", engine.config.NStripes, len(pms))
	}

	logger.Get(ctx).Info("starting scavenge",
		zap.Uint64("nStripes", engine.config.NStripes),
		zap.Uint64("spaceTop", uint64(spaceTop)),
	)

	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		for i := range pms {
			stripeIndex := i
			spawn(fmt.Sprintf("stripe-%02d", stripeIndex), parallel.Fail, func(ctx context.Context) error {
				engine.ScavengeContentsParallel(pms[stripeIndex], stripeIndex, spaceTop)
				return nil
			})
		}
		return nil
	})
}
