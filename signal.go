package respoke

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// SignalType discriminates signaling messages. Each type uses a distinct
// subset of the Signal payload fields.
type SignalType string

const (
	SignalOffer         SignalType = "offer"
	SignalAnswer        SignalType = "answer"
	SignalConnected     SignalType = "connected"
	SignalICECandidates SignalType = "iceCandidates"
	SignalBye           SignalType = "bye"
	SignalModify        SignalType = "modify"
	// SignalAck confirms delivery. Acks are dropped on receive and never
	// emitted by this client.
	SignalAck SignalType = "ack"
)

func (t SignalType) valid() bool {
	switch t {
	case SignalOffer, SignalAnswer, SignalConnected, SignalICECandidates,
		SignalBye, SignalModify, SignalAck:
		return true
	}
	return false
}

// Target distinguishes what a signaling session negotiates.
type Target string

const (
	TargetCall             Target = "call"
	TargetScreenShare      Target = "screenshare"
	TargetDirectConnection Target = "directConnection"
)

// ModifyAction is the verb of a modify signal.
type ModifyAction string

const (
	ModifyInitiate ModifyAction = "initiate"
	ModifyAccept   ModifyAction = "accept"
	ModifyReject   ModifyAction = "reject"
)

// Signal is one signaling message exchanged between two call sides through
// the service. SignalType selects which payload fields are meaningful:
// sessionDescription for offer/answer, iceCandidates for candidate batches,
// reason for bye, action for modify, connectionId for answer/connected.
type Signal struct {
	SignalID   string     `json:"signalId"`
	SessionID  string     `json:"sessionId"`
	SignalType SignalType `json:"signalType"`
	Target     Target     `json:"target"`
	Version    string     `json:"version"`

	// Sender identity, stamped by the service on delivery. ToOriginal names
	// the endpoint the signal was addressed to, set on ccSelf copies.
	FromEndpoint   string `json:"fromEndpoint,omitempty"`
	FromConnection string `json:"fromConnection,omitempty"`
	FromType       string `json:"fromType,omitempty"`
	ToOriginal     string `json:"toOriginal,omitempty"`

	SessionDescription *webrtc.SessionDescription `json:"sessionDescription,omitempty"`
	ICECandidates      []webrtc.ICECandidateInit  `json:"iceCandidates,omitempty"`
	ConnectionID       string                     `json:"connectionId,omitempty"`
	Reason             string                     `json:"reason,omitempty"`
	Action             ModifyAction               `json:"action,omitempty"`

	// CallerID and Metadata ride the offer only: a display identity and an
	// application payload shown to the callee before answering.
	CallerID string         `json:"callerId,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// newSignal stamps identity fields shared by every outbound signal.
func newSignal(sessionID string, signalType SignalType, target Target) *Signal {
	return &Signal{
		SignalID:   uuid.NewString(),
		SessionID:  sessionID,
		SignalType: signalType,
		Target:     target,
		Version:    signalVersion,
	}
}

// parseSignal decodes and validates one inbound signal.
func parseSignal(data []byte) (*Signal, error) {
	var s Signal
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSignal, err)
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Signal) validate() error {
	if s.Target == "" {
		return fmt.Errorf("%w: missing target", ErrMalformedSignal)
	}
	if s.SignalType == "" {
		return fmt.Errorf("%w: missing signalType", ErrMalformedSignal)
	}
	if !s.SignalType.valid() {
		return fmt.Errorf("%w: unknown signalType %q", ErrMalformedSignal, s.SignalType)
	}
	return nil
}
