// Package gateway exposes an agent.Controller over JSON-RPC 2.0.
//
// Clients connect over WebSocket at /ws or post single requests to /rpc.
// WebSocket clients receive an auth.challenge and answer with an
// auth.response carrying Sign(secret, challenge); HTTP clients send the
// secret in the X-Claudesky-Secret header. Session events from the
// controller are fanned out to every authenticated WebSocket client.
//
// Invariants:
// - Event sequence numbers increase by one per broadcast, across all clients.
// - Unauthenticated clients receive no events and may only call auth.response.
// - Three failed signatures close the connection.
// - An empty shared secret disables authentication.
//
// Usage:
//
//	srv, _ := gateway.NewServer(gateway.Config{Port: 8787, SharedSecret: secret, Controller: ctrl})
//	if err := srv.Start(); err != nil {
//		return err
//	}
//	defer srv.Stop(ctx)
package gateway
