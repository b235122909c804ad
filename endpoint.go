package respoke

import (
	"context"
	"sync"
)

// PresenceUnavailable is the presence of an endpoint with no live
// connections.
const PresenceUnavailable = "unavailable"

// presenceRank orders the standard presence strings from least to most
// available. An endpoint's presence is the best among its connections.
var presenceRank = map[string]int{
	"unavailable": 0,
	"xa":          1,
	"dnd":         2,
	"away":        3,
	"available":   4,
	"chat":        5,
}

// Endpoint is a remote identity: one per endpoint id, aggregating however
// many connections that identity has open.
type Endpoint struct {
	listeners

	id     string
	client *Client

	mu          sync.Mutex
	presence    string
	connections map[string]*Connection
}

func newEndpoint(client *Client, id string) *Endpoint {
	return &Endpoint{
		id:          id,
		client:      client,
		presence:    PresenceUnavailable,
		connections: make(map[string]*Connection),
	}
}

// ID is the application-assigned endpoint id.
func (e *Endpoint) ID() string { return e.id }

// Presence is the resolved presence across this endpoint's connections.
func (e *Endpoint) Presence() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.presence
}

// Connections lists the currently known connections of this endpoint.
func (e *Endpoint) Connections() []*Connection {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Connection, 0, len(e.connections))
	for _, conn := range e.connections {
		out = append(out, conn)
	}
	return out
}

// SendMessage delivers a text message to every connection of this endpoint.
func (e *Endpoint) SendMessage(ctx context.Context, text string) error {
	return e.client.channel.SendMessage(ctx, e.id, "", text, true, false)
}

// StartCall places a media call to this endpoint.
func (e *Endpoint) StartCall(constraints CallConstraints) (*Call, error) {
	return e.client.startCall(CallParams{
		RemoteEndpoint: e.id,
		Target:         TargetCall,
		Caller:         true,
		Constraints:    constraints,
	})
}

// StartScreenShare places a screen-sharing call to this endpoint.
func (e *Endpoint) StartScreenShare() (*Call, error) {
	return e.client.startCall(CallParams{
		RemoteEndpoint: e.id,
		Target:         TargetScreenShare,
		Caller:         true,
		Constraints:    CallConstraints{Video: true},
	})
}

// StartDirectConnection negotiates a peer-to-peer data channel with this
// endpoint. The returned call carries the connection; the DirectConnection
// surfaces once negotiation reaches it. A live data session with this
// endpoint is reused instead of negotiating a second one.
func (e *Endpoint) StartDirectConnection() (*Call, error) {
	if existing := e.client.activeDirectConnectionCall(e.id); existing != nil {
		return existing, nil
	}
	return e.client.startCall(CallParams{
		RemoteEndpoint: e.id,
		Target:         TargetDirectConnection,
		Caller:         true,
	})
}

// getConnection returns the connection with the given id, creating it when
// asked to.
func (e *Endpoint) getConnection(connectionID string, create bool) *Connection {
	e.mu.Lock()
	defer e.mu.Unlock()
	conn := e.connections[connectionID]
	if conn == nil && create {
		conn = &Connection{id: connectionID, endpoint: e, presence: PresenceUnavailable}
		e.connections[connectionID] = conn
	}
	return conn
}

// setConnectionPresence records a presence report for one connection and
// re-resolves the endpoint presence. It reports whether the resolved value
// changed.
func (e *Endpoint) setConnectionPresence(connectionID, presence string) bool {
	e.mu.Lock()
	conn := e.connections[connectionID]
	if conn == nil {
		conn = &Connection{id: connectionID, endpoint: e}
		e.connections[connectionID] = conn
	}
	conn.mu.Lock()
	conn.presence = presence
	conn.mu.Unlock()

	changed := e.resolvePresenceLocked()
	e.mu.Unlock()
	return changed
}

// dropConnection forgets a connection, usually after a leave or an
// unavailable report, and re-resolves presence.
func (e *Endpoint) dropConnection(connectionID string) bool {
	e.mu.Lock()
	if _, ok := e.connections[connectionID]; !ok {
		e.mu.Unlock()
		return false
	}
	delete(e.connections, connectionID)

	changed := e.resolvePresenceLocked()
	e.mu.Unlock()
	return changed
}

// resolvePresenceLocked recomputes the endpoint presence as the best ranked
// presence among the remaining connections. Caller holds e.mu.
func (e *Endpoint) resolvePresenceLocked() bool {
	resolved := PresenceUnavailable
	best := -1
	for _, cand := range e.connections {
		cand.mu.Lock()
		p := cand.presence
		cand.mu.Unlock()
		if rank := presenceRank[p]; rank > best {
			best = rank
			resolved = p
		}
	}
	changed := resolved != e.presence
	e.presence = resolved
	return changed
}

// Connection is one socket of a remote endpoint.
type Connection struct {
	id       string
	endpoint *Endpoint

	mu       sync.Mutex
	presence string
}

// ID is the server-assigned connection id.
func (c *Connection) ID() string { return c.id }

// Endpoint is the identity this connection belongs to.
func (c *Connection) Endpoint() *Endpoint { return c.endpoint }

// Presence is this connection's own reported presence.
func (c *Connection) Presence() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.presence
}

// SendMessage delivers a text message to this connection only.
func (c *Connection) SendMessage(ctx context.Context, text string) error {
	return c.endpoint.client.channel.SendMessage(ctx, c.endpoint.id, c.id, text, true, false)
}

// StartCall places a call pinned to this connection.
func (c *Connection) StartCall(constraints CallConstraints) (*Call, error) {
	return c.endpoint.client.startCall(CallParams{
		RemoteEndpoint:   c.endpoint.id,
		RemoteConnection: c.id,
		Target:           TargetCall,
		Caller:           true,
		Constraints:      constraints,
	})
}
