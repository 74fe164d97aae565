// Package stream decodes the remote agent protocol into semantic events.
//
// Frames are flat, type-tagged JSON objects. Partial-message frames
// ("stream_event") address a content block by its zero-based index within the
// current turn; the Demux correlates those indexes with tool invocation ids so
// that input deltas and block stops can name the tool they belong to.
//
// Invariants:
// - HandleStreamEvent and HandleMessage never fail; unknown or malformed input yields no events.
// - The correlation table only holds entries for the current turn; Reset clears it.
//
// Usage:
//
//	demux := stream.NewDemux()
//	frame, err := stream.ParseFrame(line)
//	if err == nil && frame.Type == stream.FrameStreamEvent {
//		for _, ev := range demux.HandleStreamEvent(frame) {
//			sink(ev)
//		}
//	}
package stream
