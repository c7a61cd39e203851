// # Realtime Voice Session Engine
//
// This package negotiates live audio sessions against a realtime
// conversational/transcription provider, over either a WebRTC peer
// connection or a WebSocket, and reconciles the provider's streaming
// transcript fragments into one stable running text. The gateway
// subpackage serves the matching server-side call-setup and
// session-bootstrap boundaries.
package realtime
