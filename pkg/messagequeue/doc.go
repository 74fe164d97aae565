// Package messagequeue buffers outbound user messages for the active agent session.
//
// Invariants:
// - Items drain in strict FIFO order and are consumed exactly once.
// - An item's completion signal resolves once: on hand-off, or when discarded by Clear.
// - Abort is a cancellation token; DrainNext reports it as a result, not an error.
//
// Usage:
//
//	queue := messagequeue.New()
//	item := queue.Enqueue(messagequeue.Message{Text: "hello"})
//	go func() {
//		next, ok := queue.DrainNext(ctx)
//		if ok {
//			next.MarkDelivered()
//		}
//	}()
//	<-item.Done()
package messagequeue
