package app

import (
	"context"
	"time"

	logx "tabrotate/pkg/logx"
)

const (
	reconnectPoll  = 2 * time.Second
	restoreTimeout = time.Minute
)

// resume restores the saved rotation through the dispatcher. It reports
// whether a rotation was brought back.
func (a *App) resume(ctx context.Context) bool {
	rctx, cancel := context.WithTimeout(ctx, restoreTimeout)
	defer cancel()
	ok, err := a.disp.Restore(rctx, a.keeper)
	if err != nil {
		a.log.Warn("rotation restore failed", logx.Err(err))
		return false
	}
	return ok
}

// watchReconnect calls onUp each time available turns from false to true.
// The state seen on entry is the baseline, so a host that is already up does
// not fire.
func watchReconnect(ctx context.Context, available func() bool, every time.Duration, onUp func(context.Context)) {
	t := time.NewTicker(every)
	defer t.Stop()
	up := available()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			now := available()
			if now && !up {
				onUp(ctx)
			}
			up = now
		}
	}
}
