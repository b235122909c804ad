package respoke

import (
	"context"
	"sync"
	"time"
)

// Group is a named channel: join it to receive its messages and membership
// changes. Messages published to a group fan out to every joined
// connection.
type Group struct {
	listeners

	id     string
	client *Client

	mu      sync.Mutex
	joined  bool
	members map[string]*Connection
}

func newGroup(client *Client, id string) *Group {
	return &Group{
		id:      id,
		client:  client,
		members: make(map[string]*Connection),
	}
}

// ID is the group name.
func (g *Group) ID() string { return g.id }

// IsJoined reports whether this client is currently a member.
func (g *Group) IsJoined() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.joined
}

// Create registers the group as a channel with the service so it can be
// published to and inspected before anyone joins. Joining creates the
// channel implicitly, so most applications never call this.
func (g *Group) Create(ctx context.Context) error {
	return g.client.channel.createChannel(ctx, g.id)
}

// Join subscribes this client to the group. Joins issued close together
// coalesce into one request.
func (g *Group) Join(ctx context.Context) error {
	if err := g.client.channel.JoinGroups(ctx, g.id); err != nil {
		return err
	}
	g.mu.Lock()
	g.joined = true
	g.mu.Unlock()
	g.client.noteJoined(g.id)
	return nil
}

// Leave unsubscribes this client. Leaves coalesce like joins.
func (g *Group) Leave(ctx context.Context) error {
	if err := g.client.channel.LeaveGroups(ctx, g.id); err != nil {
		return err
	}
	g.mu.Lock()
	g.joined = false
	g.members = make(map[string]*Connection)
	g.mu.Unlock()
	g.client.noteLeft(g.id)
	return nil
}

// GetMembers fetches the group roster and registers this client as a
// presence observer of every member.
func (g *Group) GetMembers(ctx context.Context) ([]*Connection, error) {
	raw, err := g.client.channel.getGroupMembers(ctx, g.id)
	if err != nil {
		return nil, err
	}

	endpointIDs := make([]string, 0, len(raw))
	out := make([]*Connection, 0, len(raw))
	g.mu.Lock()
	for _, member := range raw {
		conn := g.client.getOrCreateEndpoint(member.EndpointID).getConnection(member.ConnectionID, true)
		g.members[member.ConnectionID] = conn
		out = append(out, conn)
		endpointIDs = append(endpointIDs, member.EndpointID)
	}
	g.mu.Unlock()

	if err := g.client.channel.RegisterPresence(ctx, endpointIDs...); err != nil {
		return out, err
	}
	return out, nil
}

// Publish sends a text message to every member.
func (g *Group) Publish(ctx context.Context, text string) error {
	return g.client.channel.publish(ctx, g.id, text)
}

// History fetches up to limit recent messages, newest last. limit <= 0
// means the service default.
func (g *Group) History(ctx context.Context, limit int) ([]Message, error) {
	raw, err := g.client.channel.groupHistory(ctx, g.id, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Message, len(raw))
	for i, m := range raw {
		out[i] = Message{
			From:      m.From,
			GroupID:   g.id,
			Text:      m.Message,
			Timestamp: historyTime(m.Timestamp),
		}
	}
	return out, nil
}

// Members returns the roster as currently known, without a fetch.
func (g *Group) Members() []*Connection {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*Connection, 0, len(g.members))
	for _, conn := range g.members {
		out = append(out, conn)
	}
	return out
}

// handleJoin records a membership push and surfaces it.
func (g *Group) handleJoin(endpointID, connectionID string) {
	conn := g.client.getOrCreateEndpoint(endpointID).getConnection(connectionID, true)
	g.mu.Lock()
	g.members[connectionID] = conn
	g.mu.Unlock()
	g.fire("join", Event{Group: g, Connection: conn, Endpoint: conn.Endpoint()})
}

// handleLeave removes a member and surfaces it.
func (g *Group) handleLeave(endpointID, connectionID string) {
	g.mu.Lock()
	conn := g.members[connectionID]
	delete(g.members, connectionID)
	g.mu.Unlock()
	if conn == nil {
		conn = g.client.getOrCreateEndpoint(endpointID).getConnection(connectionID, true)
	}
	g.fire("leave", Event{Group: g, Connection: conn, Endpoint: conn.Endpoint()})
}

// handleMessage surfaces a group message push and returns it for client
// level fan-out.
func (g *Group) handleMessage(from, fromConnection, text string, ts time.Time) *Message {
	msg := &Message{
		From:           from,
		FromConnection: fromConnection,
		GroupID:        g.id,
		Text:           text,
		Timestamp:      ts,
	}
	g.fire("message", Event{Group: g, Message: msg})
	return msg
}
