package respoke

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/pion/webrtc/v4"
)

// signalAddress identifies the far side of a signaling exchange. Calls keep
// one and stamp it on every outbound signal.
type signalAddress struct {
	sessionID    string
	target       Target
	toEndpoint   string
	toConnection string
	toType       string
	ccSelf       bool
}

// sendSignal serializes one signal and posts it. It resolves when the
// service acknowledges the POST.
func (c *SignalingChannel) sendSignal(ctx context.Context, addr signalAddress, s *Signal) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	toType := addr.toType
	if toType == "" {
		toType = "web"
	}
	body := map[string]any{
		"signal": string(raw),
		"to":     addr.toEndpoint,
		"toType": toType,
		"ccSelf": addr.ccSelf,
	}
	if addr.toConnection != "" {
		body["toConnection"] = addr.toConnection
	}
	resp, err := c.request(ctx, http.MethodPost, "/v1/signaling", requestParams{body: body})
	if err != nil {
		return err
	}
	return resp.Err()
}

// sendOffer opens or renegotiates a session. The offer alone carries the
// caller identity and application metadata shown before answering.
func (c *SignalingChannel) sendOffer(ctx context.Context, addr signalAddress, sdp *webrtc.SessionDescription, callerID string, metadata map[string]any) error {
	s := newSignal(addr.sessionID, SignalOffer, addr.target)
	s.SessionDescription = sdp
	s.CallerID = callerID
	s.Metadata = metadata
	return c.sendSignal(ctx, addr, s)
}

func (c *SignalingChannel) sendAnswer(ctx context.Context, addr signalAddress, sdp *webrtc.SessionDescription) error {
	s := newSignal(addr.sessionID, SignalAnswer, addr.target)
	s.SessionDescription = sdp
	return c.sendSignal(ctx, addr, s)
}

func (c *SignalingChannel) sendCandidates(ctx context.Context, addr signalAddress, candidates []webrtc.ICECandidateInit) error {
	s := newSignal(addr.sessionID, SignalICECandidates, addr.target)
	s.ICECandidates = candidates
	return c.sendSignal(ctx, addr, s)
}

// sendConnected announces the winning connection to every fork of the
// callee.
func (c *SignalingChannel) sendConnected(ctx context.Context, addr signalAddress, connectionID string) error {
	s := newSignal(addr.sessionID, SignalConnected, addr.target)
	s.ConnectionID = connectionID
	return c.sendSignal(ctx, addr, s)
}

func (c *SignalingChannel) sendHangup(ctx context.Context, addr signalAddress, reason string) error {
	s := newSignal(addr.sessionID, SignalBye, addr.target)
	s.Reason = reason
	return c.sendSignal(ctx, addr, s)
}

func (c *SignalingChannel) sendModify(ctx context.Context, addr signalAddress, action ModifyAction) error {
	switch action {
	case ModifyInitiate, ModifyAccept, ModifyReject:
	default:
		return fmt.Errorf("sendModify: unknown action %q", action)
	}
	s := newSignal(addr.sessionID, SignalModify, addr.target)
	s.Action = action
	return c.sendSignal(ctx, addr, s)
}

// signalRoutes fans recognised signal types out to their call handlers.
var signalRoutes = map[SignalType]func(call *Call, s *Signal){
	SignalOffer:         (*Call).handleOfferSignal,
	SignalAnswer:        (*Call).handleAnswerSignal,
	SignalConnected:     (*Call).handleConnectedSignal,
	SignalICECandidates: (*Call).handleCandidatesSignal,
	SignalModify:        (*Call).handleModifySignal,
	SignalBye:           (*Call).handleByeSignal,
}

// routeSignal hands one inbound signal to its call. Malformed signals are
// errors; unroutable ones are dropped with a log line. Acks confirm
// delivery and carry nothing else, so they are dropped first.
func (c *SignalingChannel) routeSignal(s *Signal) error {
	if err := s.validate(); err != nil {
		return err
	}
	if s.SignalType == SignalAck {
		return nil
	}

	call := c.delegate.resolveSignal(s)
	if call == nil {
		c.logger.Warn().
			Str("session_id", s.SessionID).
			Str("signal_type", string(s.SignalType)).
			Str("from", s.FromEndpoint).
			Msg("orphan signal dropped")
		return nil
	}
	if call.ID() != s.SessionID {
		c.logger.Warn().
			Str("session_id", s.SessionID).
			Str("call_id", call.ID()).
			Msg("signal session mismatch, dropped")
		return nil
	}

	if s.SignalType == SignalBye && call.dropLosingForkBye(s) {
		c.logger.Debug().
			Str("session_id", s.SessionID).
			Str("from_connection", s.FromConnection).
			Msg("bye from losing fork dropped")
		return nil
	}

	handle, ok := signalRoutes[s.SignalType]
	if !ok {
		c.logger.Warn().Str("signal_type", string(s.SignalType)).Msg("unhandled signal dropped")
		return nil
	}
	handle(call, s)
	return nil
}
