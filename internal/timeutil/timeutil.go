// Package timeutil holds small context-aware timing helpers shared by the
// connection loops.
package timeutil

import (
	"context"
	"time"
)

// Sleep waits for d or until ctx is done, reporting whether the full wait
// elapsed.
func Sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
