package trigger

import (
	"context"
	"log"

	"cellfix/internal/observability"
)

// Loop calls run once per event until ctx is done. run reports false when it
// refused to start (another run was already going). Events that pile up
// while run executes are dropped, not replayed.
func Loop(ctx context.Context, events <-chan struct{}, run func(context.Context) bool) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-events:
			if !ok {
				return
			}
			if !run(ctx) {
				dropped(1)
			}
			if n := drain(events); n > 0 {
				dropped(n)
			}
		}
	}
}

func drain(events <-chan struct{}) int {
	n := 0
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return n
			}
			n++
		default:
			return n
		}
	}
}

func dropped(n int) {
	observability.TriggersDropped.Add(float64(n))
	log.Printf("trigger ignored presses=%d run in progress", n)
}
