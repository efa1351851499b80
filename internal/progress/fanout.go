package progress

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// BroadcastPair runs osy and stw concurrently and waits for both: the one
// place activation allows parallelism, since the openSYDE
// PreProgrammingSession broadcast and the STW "FLASH" broadcast target
// disjoint sets of nodes and can run side by side. Either thunk may be
// nil, meaning that side has no devices and is skipped.
func BroadcastPair(ctx context.Context, osy, stw func(context.Context) error) error {
	g, gctx := errgroup.WithContext(ctx)
	if osy != nil {
		g.Go(func() error { return osy(gctx) })
	}
	if stw != nil {
		g.Go(func() error { return stw(gctx) })
	}
	return g.Wait()
}
