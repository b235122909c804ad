package respoke

import (
	"context"
	"net/http"
	"time"

	"github.com/pion/webrtc/v4"
)

// SendMessage delivers a text message to an endpoint. toConnection pins a
// single connection; empty fans out to all of them. ccSelf echoes the
// message to the sender's other connections.
func (c *SignalingChannel) SendMessage(ctx context.Context, to, toConnection, text string, ccSelf, push bool) error {
	body := map[string]any{
		"to":      to,
		"message": text,
		"ccSelf":  ccSelf,
		"push":    push,
	}
	if toConnection != "" {
		body["toConnection"] = toConnection
	}
	resp, err := c.request(ctx, http.MethodPost, "/v1/messages", requestParams{body: body})
	if err != nil {
		return err
	}
	return resp.Err()
}

// SetPresence publishes this endpoint's presence to its observers.
func (c *SignalingChannel) SetPresence(ctx context.Context, presence string) error {
	body := map[string]any{
		"presence": map[string]any{"type": presence},
	}
	resp, err := c.request(ctx, http.MethodPost, "/v1/presence", requestParams{body: body})
	if err != nil {
		return err
	}
	return resp.Err()
}

type turnCredentials struct {
	Username string   `json:"username"`
	Password string   `json:"password"`
	TTL      int      `json:"ttl"`
	URIs     []string `json:"uris"`
}

// GetTurnCredentials fetches ephemeral ICE servers for a new call.
func (c *SignalingChannel) GetTurnCredentials(ctx context.Context) ([]webrtc.ICEServer, error) {
	resp, err := c.request(ctx, http.MethodGet, "/v1/turn", requestParams{})
	if err != nil {
		return nil, err
	}
	if err := resp.Err(); err != nil {
		return nil, err
	}
	var creds turnCredentials
	if err := resp.Decode(&creds); err != nil {
		return nil, err
	}
	if len(creds.URIs) == 0 {
		return nil, nil
	}
	return []webrtc.ICEServer{{
		URLs:       creds.URIs,
		Username:   creds.Username,
		Credential: creds.Password,
	}}, nil
}

type groupMember struct {
	EndpointID   string `json:"endpointId"`
	ConnectionID string `json:"connectionId"`
}

func (c *SignalingChannel) getGroupMembers(ctx context.Context, groupID string) ([]groupMember, error) {
	resp, err := c.request(ctx, http.MethodGet, "/v1/channels/{id}/subscribers/", requestParams{
		pathParams: map[string]string{"id": groupID},
	})
	if err != nil {
		return nil, err
	}
	if err := resp.Err(); err != nil {
		return nil, err
	}
	var members []groupMember
	if err := resp.Decode(&members); err != nil {
		return nil, err
	}
	return members, nil
}

func (c *SignalingChannel) publish(ctx context.Context, groupID, text string) error {
	resp, err := c.request(ctx, http.MethodPost, "/v1/channels/{id}/publish/", requestParams{
		pathParams: map[string]string{"id": groupID},
		body:       map[string]any{"message": text},
	})
	if err != nil {
		return err
	}
	return resp.Err()
}

func (c *SignalingChannel) createChannel(ctx context.Context, groupID string) error {
	resp, err := c.request(ctx, http.MethodPost, "/v1/channels/", requestParams{
		body: map[string]any{"id": groupID},
	})
	if err != nil {
		return err
	}
	return resp.Err()
}

type historyMessage struct {
	From      string `json:"from"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

func (c *SignalingChannel) groupHistory(ctx context.Context, groupID string, limit int) ([]historyMessage, error) {
	params := requestParams{
		pathParams: map[string]string{"group": groupID},
	}
	if limit > 0 {
		params.query = map[string]any{"limit": limit}
	}
	resp, err := c.request(ctx, http.MethodGet, "/v1/groups/{group}/history", params)
	if err != nil {
		return nil, err
	}
	if err := resp.Err(); err != nil {
		return nil, err
	}
	var history []historyMessage
	if err := resp.Decode(&history); err != nil {
		return nil, err
	}
	return history, nil
}

type conferenceParticipant struct {
	EndpointID   string `json:"endpointId"`
	ConnectionID string `json:"connectionId"`
	JoinedAt     int64  `json:"joinedAt"`
}

func (c *SignalingChannel) getConferenceParticipants(ctx context.Context, conferenceID string) ([]conferenceParticipant, error) {
	resp, err := c.request(ctx, http.MethodGet, "/v1/conferences/{id}", requestParams{
		pathParams: map[string]string{"id": conferenceID},
	})
	if err != nil {
		return nil, err
	}
	if err := resp.Err(); err != nil {
		return nil, err
	}
	var out struct {
		Participants []conferenceParticipant `json:"participants"`
	}
	if err := resp.Decode(&out); err != nil {
		return nil, err
	}
	return out.Participants, nil
}

func (c *SignalingChannel) endConference(ctx context.Context, conferenceID string) error {
	resp, err := c.request(ctx, http.MethodDelete, "/v1/conferences/{id}", requestParams{
		pathParams: map[string]string{"id": conferenceID},
	})
	if err != nil {
		return err
	}
	return resp.Err()
}

func (c *SignalingChannel) removeConferenceParticipant(ctx context.Context, conferenceID, endpointID string) error {
	resp, err := c.request(ctx, http.MethodDelete, "/v1/conferences/{id}/participants/{endpointId}", requestParams{
		pathParams: map[string]string{"id": conferenceID, "endpointId": endpointID},
	})
	if err != nil {
		return err
	}
	return resp.Err()
}

// postCallDebug reports a finished call. Delivery is best effort.
func (c *SignalingChannel) postCallDebug(ctx context.Context, report map[string]any) error {
	resp, err := c.request(ctx, http.MethodPost, "/v1/call-debugs", requestParams{body: report})
	if err != nil {
		return err
	}
	return resp.Err()
}

// historyTime converts the wire's millisecond timestamps.
func historyTime(ms int64) time.Time {
	return time.UnixMilli(ms)
}
