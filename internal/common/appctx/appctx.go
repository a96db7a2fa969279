// Package appctx provides context utilities for background operations.
package appctx

import (
	"context"
	"time"
)

// Detached returns a context that is not tied to the parent's cancellation.
// Use this for operations that must outlive the caller, such as a claimed
// job that should finish even while the pool is shutting down. The returned
// context is cancelled when the stop channel is closed or the timeout
// expires. A nil stop channel means only the timeout applies.
func Detached(stopCh <-chan struct{}, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)

	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}
