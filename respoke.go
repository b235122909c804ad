// Package respoke is a client SDK for the Respoke signaling service.
//
// A Client authenticates against the service, opens one duplex signaling
// session over a websocket and multiplexes request/response RPCs, signals,
// messages and presence pushes on it. Calls, screen shares and direct
// connections are point-to-point WebRTC sessions driven by a per-call state
// machine; group membership and messaging ride the same session.
package respoke

// Version is reported to the service in the Respoke-SDK header of every
// request frame.
const Version = "0.1.0"

const sdkHeaderValue = "respoke-go v" + Version

// signalVersion is the signaling protocol version stamped on every outbound
// signal.
const signalVersion = "1.0"
