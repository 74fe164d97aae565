// Package agent coordinates a single streaming conversation with a remote agent runtime.
//
// A Controller owns at most one session at a time. Start opens the runtime
// stream and launches a background driver loop that pulls frames, decodes them
// through a stream.Demux and delivers events to the caller's sink. Callers
// interact with the live session through SendMessage, Interrupt, SetModel and Stop.
//
// Invariants:
// - At most one session is processing per Controller; Start fails with ErrInvalidState otherwise.
// - Start waits for a terminating session's loop to exit before touching state.
// - Once processing, the driver loop's exit is the only transition back to Idle.
// - Messages still queued when a session ends are discarded, never handed to the next session.
// - The controller lock is not held across credential lookup or runtime Open; callers see PhaseStarting.
// - Cancellation is cooperative: the loop checks the session context between frames.
//
// Usage:
//
//	ctrl, _ := agent.NewController(agent.Config{Runtime: rt, Credentials: credential.Env{}})
//	h, err := ctrl.Start(ctx, agent.Options{Model: "sonnet"}, func(ev stream.Event) {
//		fmt.Println(ev.Kind())
//	})
//	if err != nil {
//		return err
//	}
//	_ = h.SendText(ctx, "hello")
//	_ = h.Stop(ctx, agent.StopOptions{})
package agent
