// Package websockets defines the wire format shared by the pose channel's
// WebSocket transport and the reference pose server.
//
// Every frame is a JSON text message naming an event and carrying an
// opaque payload. The client sends "pose_update" events; the server may
// answer with "error" events describing frames it could not process.
package websockets
