// Package commandqueue holds the concurrency primitives that sit in front of
// the tool router.
//
// CommandQueue serializes tasks per lane. Conversations use one lane each
// ("conv:<id>"), so at most one orchestration per conversation is in flight
// and queued messages run in arrival order. Debouncer merges bursts of
// messages sent in quick succession. Dedup drops transport updates that were
// already delivered once.
//
// Usage:
//
//	queue := commandqueue.New()
//	defer queue.Close()
//	result, err := queue.Enqueue(ctx, "conv:42", func(ctx context.Context) (interface{}, error) {
//		return "ok", nil
//	}, nil)
package commandqueue
