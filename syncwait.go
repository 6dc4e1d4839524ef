package mvc

import (
	"context"
	"fmt"
	"time"
)

// completion waits for asynchronous engine operations. Each poll is bounded
// by slice; polling repeats while the engine reports in-execution.
type completion struct {
	engine Engine
	slice  time.Duration
}

// wait blocks until sp completes, fails, or ctx is done.
func (c completion) wait(ctx context.Context, sp SyncPoint) error {
	if sp == 0 {
		return nil
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		switch st := c.engine.PollSync(sp, c.slice); {
		case st == StatusWarnInExecution:
			continue
		case st.Failed():
			return fmt.Errorf("%w: %s", ErrSyncFailed, st)
		default:
			return nil
		}
	}
}

// waitAll waits for every sync point in order and stops at the first
// failure.
func (c completion) waitAll(ctx context.Context, sps ...SyncPoint) error {
	for _, sp := range sps {
		if err := c.wait(ctx, sp); err != nil {
			return err
		}
	}
	return nil
}
