// Package posechannel provides a single-purpose real-time channel client that
// forwards pose-tracking updates from an application to one server endpoint.
//
// The Client is written against the Transport capability set (Connect,
// Disconnect, Emit, On) so that the concrete channel, normally the WebSocket
// transport in the websockets/transport package, can be replaced by an
// in-memory fake in tests. The Client never connects on its own: the owning
// application calls Connect and Disconnect explicitly.
//
// Pose updates are best-effort. SendPoseUpdate transmits only while the
// channel is Connected and silently drops the update otherwise.
package posechannel
