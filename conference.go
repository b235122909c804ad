package respoke

import "context"

// Conference is a server-hosted multiparty session. The service owns the
// roster; this handle exposes the control operations: inspect, kick, end.
type Conference struct {
	id     string
	client *Client
}

// GetConference returns a handle for the named conference. Nothing touches
// the network until an operation runs.
func (c *Client) GetConference(id string) *Conference {
	return &Conference{id: id, client: c}
}

// ID is the conference id.
func (cf *Conference) ID() string { return cf.id }

// Participants fetches the current roster.
func (cf *Conference) Participants(ctx context.Context) ([]*Connection, error) {
	raw, err := cf.client.channel.getConferenceParticipants(ctx, cf.id)
	if err != nil {
		return nil, err
	}
	out := make([]*Connection, 0, len(raw))
	for _, p := range raw {
		conn := cf.client.getOrCreateEndpoint(p.EndpointID).getConnection(p.ConnectionID, true)
		out = append(out, conn)
	}
	return out, nil
}

// RemoveParticipant removes every connection of the endpoint from the
// conference.
func (cf *Conference) RemoveParticipant(ctx context.Context, endpointID string) error {
	return cf.client.channel.removeConferenceParticipant(ctx, cf.id, endpointID)
}

// End terminates the conference for every participant.
func (cf *Conference) End(ctx context.Context) error {
	return cf.client.channel.endConference(ctx, cf.id)
}
