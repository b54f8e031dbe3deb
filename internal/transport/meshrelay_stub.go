//go:build !real_waku

package transport

// The default build carries no wide-area relay; the mesh transport
// rides the in-process fabric instead.
func newRelayBackend() relayBackend { return nil }
