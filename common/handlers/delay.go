package handlers

import (
	"context"
	"time"

	"github.com/lyzr/workflows/common/engineerrors"
)

// DelayHandler sleeps for the node's configured duration, cancellation
// aware: it returns promptly with a cancellation error if ctx is cancelled
// mid-sleep rather than blocking to completion.
type DelayHandler struct{}

func (DelayHandler) Handle(ctx context.Context, hc *HandlerContext) (any, error) {
	ms := intField(hc.data(), "ms", 0)
	if ms <= 0 {
		return nil, nil
	}

	done := make(chan struct{})
	go func() {
		hc.Clock.Sleep(time.Duration(ms) * time.Millisecond)
		close(done)
	}()

	select {
	case <-done:
		return nil, nil
	case <-ctx.Done():
		return nil, engineerrors.NewCancelled("delay cancelled")
	}
}
