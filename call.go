package respoke

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

const (
	// candidateWindow batches trickled candidates into one signal.
	candidateWindow = 50 * time.Millisecond
	// statsInterval paces the stats events of a connected call.
	statsInterval = 5 * time.Second
)

// CallParams describe one call at creation time. Metadata is an opaque
// application payload delivered with the offer, readable on the far side
// before answering.
type CallParams struct {
	SessionID        string
	RemoteEndpoint   string
	RemoteConnection string
	Target           Target
	Caller           bool
	Constraints      CallConstraints
	Metadata         map[string]any
}

// Call is a point-to-point session with a remote endpoint: a media call, a
// screen share, or the transport of a direct connection. It owns its state
// machine and peer connection; the client owns and indexes the call.
type Call struct {
	listeners

	id     string
	target Target
	client *Client
	state  *CallState
	logger zerolog.Logger

	mu               sync.Mutex
	pc               PeerConnection
	remoteEndpoint   string
	remoteConnection string
	constraints      CallConstraints
	metadata         map[string]any
	callerID         string
	incomingOffer    *webrtc.SessionDescription
	pendingRemote    []webrtc.ICECandidateInit
	remoteReady      bool
	localBatch       []webrtc.ICECandidateInit
	batchTimer       *time.Timer
	trickling        bool
	answering        bool
	dc               *DirectConnection
	hangupReason     string
	hangupSent       bool
	remoteHangup     bool
	stopStats        chan struct{}
	startedAt        time.Time
}

func newCall(client *Client, p CallParams) *Call {
	id := p.SessionID
	if id == "" {
		id = uuid.NewString()
	}
	target := p.Target
	if target == "" {
		target = TargetCall
	}

	call := &Call{
		id:               id,
		target:           target,
		client:           client,
		remoteEndpoint:   p.RemoteEndpoint,
		remoteConnection: p.RemoteConnection,
		constraints:      p.Constraints,
		metadata:         p.Metadata,
		startedAt:        time.Now(),
		logger: client.logger.With().
			Str("module", "call").
			Str("session_id", id).
			Str("remote", p.RemoteEndpoint).
			Logger(),
	}
	call.state = newCallState(p.Caller, func() bool {
		return p.Caller || client.hasListeners("call")
	})
	call.bindStateHooks()
	return call
}

// bindStateHooks wires the lifecycle: events first, then the side effects
// each state performs.
func (call *Call) bindStateHooks() {
	for _, s := range []State{
		StateIdle, StatePreparing, StateApprovingDeviceAccess, StateApprovingContent,
		StateOffering, StateConnecting, StateConnected, StateModifying, StateTerminated,
	} {
		name := s.String()
		call.state.OnEntry(s, func() { call.fire(name+":entry", Event{Call: call}) })
		call.state.OnExit(s, func() { call.fire(name+":exit", Event{Call: call}) })
	}

	call.state.OnEntry(StateApprovingDeviceAccess, func() {
		if call.client.cfg.AutoApprove {
			call.state.Dispatch(EventApprove)
		}
		go call.acquireMedia()
	})
	call.state.OnEntry(StateApprovingContent, func() {
		if call.client.cfg.AutoApprove {
			call.state.Dispatch(EventApprove)
		}
	})
	call.state.OnEntry(StateOffering, func() {
		go call.sendOffer()
	})
	call.state.OnEntry(StateConnecting, func() {
		if !call.state.Caller() {
			go call.tryAnswer()
		}
	})
	call.state.OnEntry(StateConnected, func() {
		call.startStats()
	})
	call.state.OnEntry(StateTerminated, func() {
		call.teardown()
	})
}

// start drives an outbound call into the lifecycle, or surfaces an inbound
// one to the application.
func (call *Call) start() {
	call.state.Dispatch(EventInitiate)
	if call.state.Caller() {
		call.state.Dispatch(EventAnswer)
	}
}

// ID is the session id shared by both sides of the call.
func (call *Call) ID() string { return call.id }

// Target reports what this call negotiates.
func (call *Call) Target() Target { return call.target }

// State returns the current lifecycle state.
func (call *Call) State() State { return call.state.State() }

// Caller reports whether this side initiated the current negotiation.
func (call *Call) Caller() bool { return call.state.Caller() }

// IsActive reports whether media is currently up.
func (call *Call) IsActive() bool { return call.state.IsActive() }

// IsModifying reports whether a renegotiation is in progress.
func (call *Call) IsModifying() bool { return call.state.IsModifying() }

// RemoteEndpoint is the far endpoint id.
func (call *Call) RemoteEndpoint() string {
	call.mu.Lock()
	defer call.mu.Unlock()
	return call.remoteEndpoint
}

// RemoteConnectionID is the far connection once one side won the fork race,
// empty before that.
func (call *Call) RemoteConnectionID() string {
	call.mu.Lock()
	defer call.mu.Unlock()
	return call.remoteConnection
}

// CallerID is the display identity of the calling side. Inbound calls take
// it from the offer when a gateway stamped one, the endpoint id otherwise.
func (call *Call) CallerID() string {
	call.mu.Lock()
	defer call.mu.Unlock()
	if call.callerID != "" {
		return call.callerID
	}
	if call.state.Caller() {
		return call.client.EndpointID()
	}
	return call.remoteEndpoint
}

// Metadata is the application payload carried by the offer, nil when the
// caller sent none.
func (call *Call) Metadata() map[string]any {
	call.mu.Lock()
	defer call.mu.Unlock()
	return call.metadata
}

// Answer accepts an incoming call and starts media setup. The caller side
// answers itself; calling Answer there is a no-op.
func (call *Call) Answer() {
	call.state.Dispatch(EventAnswer)
}

// Approve grants the pending approval step when the client is configured
// for manual approval.
func (call *Call) Approve() {
	call.state.Dispatch(EventApprove)
}

// Reject declines a call that has not connected yet.
func (call *Call) Reject() {
	call.state.Dispatch(EventReject)
}

// Hangup ends the call and tells the far side why.
func (call *Call) Hangup(reason string) {
	call.mu.Lock()
	if call.hangupReason == "" {
		call.hangupReason = reason
	}
	call.mu.Unlock()
	call.state.Dispatch(EventHangup)
}

// hangupQuiet tears down without signaling the far side, used when the far
// side already knows.
func (call *Call) hangupQuiet(reason string) {
	call.mu.Lock()
	call.remoteHangup = true
	if call.hangupReason == "" {
		call.hangupReason = reason
	}
	call.mu.Unlock()
	call.state.Dispatch(EventHangup)
}

// Modify starts a renegotiation of a connected call with new constraints.
func (call *Call) Modify(constraints CallConstraints) error {
	if call.state.State() != StateConnected {
		return ErrNotConnected
	}
	call.mu.Lock()
	call.constraints = constraints
	call.mu.Unlock()

	call.state.Dispatch(EventModify)
	if call.state.State() != StateModifying {
		return ErrNotConnected
	}
	return call.client.channel.sendModify(call.client.ctx, call.address(), ModifyInitiate)
}

// DirectConnection returns the data-channel session riding this call, nil
// until one is started or received.
func (call *Call) DirectConnection() *DirectConnection {
	call.mu.Lock()
	defer call.mu.Unlock()
	return call.dc
}

// address is the signaling address of the far side. The answer fork pin is
// read fresh each time so late signals go to the winner only.
func (call *Call) address() signalAddress {
	call.mu.Lock()
	defer call.mu.Unlock()
	return signalAddress{
		sessionID:    call.id,
		target:       call.target,
		toEndpoint:   call.remoteEndpoint,
		toConnection: call.remoteConnection,
	}
}

// acquireMedia builds the peer connection and gathers the local side.
// receiveLocalMedia fires through the OnLocalMedia callback.
func (call *Call) acquireMedia() {
	call.mu.Lock()
	if call.pc != nil {
		call.mu.Unlock()
		return
	}
	constraints := call.constraints
	call.mu.Unlock()

	cfg := DefaultWebRTCConfig()
	if servers, err := call.client.iceServers(call.client.ctx); err != nil {
		call.logger.Warn().Err(err).Msg("turn credentials unavailable, using defaults")
	} else if len(servers) > 0 {
		cfg.ICEServers = servers
	}

	pc, err := call.client.cfg.PeerConnectionFactory(cfg, call.id, call.client.logger)
	if err != nil {
		call.logger.Error().Err(err).Msg("peer connection setup failed")
		call.Hangup("peer connection setup failed")
		return
	}

	pc.OnLocalMedia(func() { call.state.Dispatch(EventReceiveLocalMedia) })
	pc.OnRemoteMedia(func() { call.state.Dispatch(EventReceiveRemoteMedia) })
	pc.OnICECandidate(func(cand webrtc.ICECandidateInit) { call.queueLocalCandidate(cand) })
	pc.OnDataChannel(func(dc DataChannel) { call.attachDataChannel(dc, false) })
	pc.OnClosed(func() { call.hangupQuiet("peer connection closed") })

	if err := pc.Start(call.client.ctx); err != nil {
		call.logger.Error().Err(err).Msg("peer connection start failed")
		call.Hangup("peer connection start failed")
		return
	}

	call.mu.Lock()
	call.pc = pc
	call.mu.Unlock()

	if call.target == TargetDirectConnection && call.state.Caller() {
		dataChannel, err := pc.CreateDataChannel("respoke-directConnection")
		if err != nil {
			call.logger.Error().Err(err).Msg("data channel setup failed")
			call.Hangup("data channel setup failed")
			return
		}
		call.attachDataChannel(dataChannel, true)
	}

	if err := pc.GatherLocalMedia(constraints); err != nil {
		call.logger.Error().Err(err).Msg("local media failed")
		call.Hangup("local media failed")
	}
}

// sendOffer runs on offering entry, caller side only.
func (call *Call) sendOffer() {
	call.mu.Lock()
	pc := call.pc
	metadata := call.metadata
	call.mu.Unlock()
	if pc == nil {
		return
	}

	offer, err := pc.CreateOffer()
	if err != nil {
		call.logger.Error().Err(err).Msg("create offer failed")
		call.Hangup("offer failed")
		return
	}
	if err := call.client.channel.sendOffer(call.client.ctx, call.address(), offer, call.client.EndpointID(), metadata); err != nil {
		call.logger.Error().Err(err).Msg("send offer failed")
		call.Hangup("offer failed")
		return
	}
	call.state.Dispatch(EventSentOffer)
	call.enableTrickle()
}

// tryAnswer applies a stored remote offer and answers it. The callee can
// reach connecting before the offer is routed (renegotiation does this), so
// both connecting entry and offer arrival call here and only one proceeds.
func (call *Call) tryAnswer() {
	call.mu.Lock()
	if call.answering || call.incomingOffer == nil || call.pc == nil {
		call.mu.Unlock()
		return
	}
	call.answering = true
	offer := call.incomingOffer
	pc := call.pc
	call.mu.Unlock()

	answer, err := pc.ApplyOfferAndCreateAnswer(*offer)
	if err != nil {
		call.logger.Error().Err(err).Msg("answer failed")
		call.Hangup("answer failed")
		return
	}
	call.remoteDescriptionReady()
	if err := call.client.channel.sendAnswer(call.client.ctx, call.address(), answer); err != nil {
		call.logger.Error().Err(err).Msg("send answer failed")
		call.Hangup("answer failed")
		return
	}
	call.mu.Lock()
	call.answering = false
	if call.incomingOffer == offer {
		// Consumed; a late second trigger must not answer again.
		call.incomingOffer = nil
	}
	call.mu.Unlock()
}

// queueLocalCandidate batches trickled candidates into one signal per
// window.
func (call *Call) queueLocalCandidate(cand webrtc.ICECandidateInit) {
	call.mu.Lock()
	call.localBatch = append(call.localBatch, cand)
	if call.batchTimer == nil {
		call.batchTimer = time.AfterFunc(candidateWindow, call.flushLocalCandidates)
	}
	call.mu.Unlock()
}

func (call *Call) flushLocalCandidates() {
	call.mu.Lock()
	call.batchTimer = nil
	if !call.trickling || len(call.localBatch) == 0 {
		call.mu.Unlock()
		return
	}
	batch := call.localBatch
	call.localBatch = nil
	call.mu.Unlock()

	if err := call.client.channel.sendCandidates(call.client.ctx, call.address(), batch); err != nil {
		call.logger.Warn().Err(err).Int("count", len(batch)).Msg("candidate send failed")
	}
}

// enableTrickle opens the candidate tap: the caller holds candidates until
// its offer is acknowledged, the callee until the winner announcement.
func (call *Call) enableTrickle() {
	call.mu.Lock()
	call.trickling = true
	call.mu.Unlock()
	call.flushLocalCandidates()
}

// remoteDescriptionReady drains candidates that arrived before the remote
// description was applied.
func (call *Call) remoteDescriptionReady() {
	call.mu.Lock()
	call.remoteReady = true
	pending := call.pendingRemote
	call.pendingRemote = nil
	pc := call.pc
	call.mu.Unlock()

	for _, cand := range pending {
		if err := pc.AddRemoteCandidate(cand); err != nil {
			call.logger.Warn().Err(err).Msg("buffered candidate rejected")
		}
	}
}

// attachDataChannel binds the channel into a DirectConnection and surfaces
// it on the call, the endpoint and the client.
func (call *Call) attachDataChannel(dataChannel DataChannel, local bool) {
	call.mu.Lock()
	if call.dc != nil {
		call.mu.Unlock()
		return
	}
	dc := newDirectConnection(call, dataChannel)
	call.dc = dc
	call.mu.Unlock()

	call.client.bindDirectConnection(call, dc)
	if local {
		dc.fire("start", Event{DirectConnection: dc, Call: call})
	} else {
		dc.fire("accept", Event{DirectConnection: dc, Call: call})
	}
	call.fire("direct-connection", Event{DirectConnection: dc, Call: call})
}

// prepareRenegotiation drops the media plumbing of the finished negotiation
// while keeping the call alive. A renegotiation builds a fresh peer
// connection from scratch.
func (call *Call) prepareRenegotiation(constraints *CallConstraints) {
	call.mu.Lock()
	pc := call.pc
	call.pc = nil
	call.incomingOffer = nil
	call.pendingRemote = nil
	call.remoteReady = false
	call.localBatch = nil
	call.trickling = false
	call.answering = false
	if constraints != nil {
		call.constraints = *constraints
	}
	call.mu.Unlock()

	if pc != nil {
		pc.OnClosed(nil)
		pc.Close()
	}
	call.state.SetMediaFlowing(false)
	call.stopStatsTicker()
}

// dropLosingForkBye implements the losing-fork rule: once the caller pinned
// a winning connection, byes from other forks must not tear the call down.
func (call *Call) dropLosingForkBye(s *Signal) bool {
	if !call.state.Caller() {
		return false
	}
	call.mu.Lock()
	defer call.mu.Unlock()
	return call.remoteConnection != "" &&
		s.FromConnection != "" &&
		s.FromConnection != call.remoteConnection
}

// Signal handlers, dispatched by the channel's routing table.

func (call *Call) handleOfferSignal(s *Signal) {
	call.mu.Lock()
	call.incomingOffer = s.SessionDescription
	if call.remoteConnection == "" {
		call.remoteConnection = s.FromConnection
	}
	if s.CallerID != "" {
		call.callerID = s.CallerID
	}
	if s.Metadata != nil {
		call.metadata = s.Metadata
	}
	call.mu.Unlock()

	call.fire("signal-offer", Event{Call: call, Signal: s})
	go call.tryAnswer()
}

func (call *Call) handleAnswerSignal(s *Signal) {
	call.mu.Lock()
	first := call.remoteConnection == ""
	if first {
		call.remoteConnection = s.FromConnection
	}
	winner := call.remoteConnection
	pc := call.pc
	call.mu.Unlock()

	call.fire("signal-answer", Event{Call: call, Signal: s})

	if !first && s.FromConnection != winner {
		// A losing fork answered after the race was decided.
		call.logger.Debug().Str("from_connection", s.FromConnection).Msg("late answer ignored")
		return
	}
	if pc == nil || s.SessionDescription == nil {
		return
	}
	if err := pc.ApplyAnswer(*s.SessionDescription); err != nil {
		call.logger.Error().Err(err).Msg("apply answer failed")
		call.Hangup("bad answer")
		return
	}
	call.remoteDescriptionReady()
	call.state.Dispatch(EventReceiveAnswer)

	go func() {
		// Every fork of the callee hears the announcement, not just the
		// winner: losers tear down quietly on it.
		addr := call.address()
		addr.toConnection = ""
		if err := call.client.channel.sendConnected(call.client.ctx, addr, winner); err != nil {
			call.logger.Warn().Err(err).Msg("winner announcement failed")
		}
	}()
}

func (call *Call) handleConnectedSignal(s *Signal) {
	call.fire("signal-connected", Event{Call: call, Signal: s})

	if s.ConnectionID != "" && s.ConnectionID != call.client.ConnectionID() {
		// Another fork of this endpoint won the race.
		call.hangupQuiet("another connection answered")
		return
	}
	go call.enableTrickle()
}

func (call *Call) handleCandidatesSignal(s *Signal) {
	call.mu.Lock()
	ready := call.remoteReady
	pc := call.pc
	if !ready || pc == nil {
		call.pendingRemote = append(call.pendingRemote, s.ICECandidates...)
	}
	call.mu.Unlock()

	call.fire("signal-icecandidates", Event{Call: call, Signal: s})

	if !ready || pc == nil {
		return
	}
	for _, cand := range s.ICECandidates {
		if err := pc.AddRemoteCandidate(cand); err != nil {
			call.logger.Warn().Err(err).Msg("candidate rejected")
		}
	}
}

func (call *Call) handleModifySignal(s *Signal) {
	call.fire("signal-modify", Event{Call: call, Signal: s})

	switch s.Action {
	case ModifyInitiate:
		call.state.DispatchModifyReceive()
		if call.state.State() != StatePreparing {
			// Not connected, or a glare loser: decline.
			go func() {
				if err := call.client.channel.sendModify(call.client.ctx, call.address(), ModifyReject); err != nil {
					call.logger.Warn().Err(err).Msg("modify reject failed")
				}
			}()
			return
		}
		call.prepareRenegotiation(nil)
		go func() {
			if err := call.client.channel.sendModify(call.client.ctx, call.address(), ModifyAccept); err != nil {
				call.logger.Warn().Err(err).Msg("modify accept failed")
				call.Hangup("modify failed")
				return
			}
			call.state.Dispatch(EventAnswer)
		}()
	case ModifyAccept:
		if call.state.State() != StateModifying {
			call.logger.Warn().Msg("modify accept outside renegotiation dropped")
			return
		}
		call.prepareRenegotiation(nil)
		call.state.Dispatch(EventAccept)
		call.state.Dispatch(EventAnswer)
	case ModifyReject:
		if call.state.State() == StateModifying {
			call.state.Dispatch(EventReject)
		}
	default:
		call.logger.Warn().Str("action", string(s.Action)).Msg("modify with unknown action dropped")
	}
}

func (call *Call) handleByeSignal(s *Signal) {
	call.mu.Lock()
	call.remoteHangup = true
	if call.hangupReason == "" {
		call.hangupReason = s.Reason
	}
	call.mu.Unlock()

	call.fire("signal-hangup", Event{Call: call, Signal: s, Reason: s.Reason})
	call.state.Dispatch(EventHangup)
}

// startStats begins periodic stats events for a connected call.
func (call *Call) startStats() {
	call.mu.Lock()
	if call.stopStats != nil || call.pc == nil {
		call.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	call.stopStats = stop
	pc := call.pc
	call.mu.Unlock()

	go func() {
		ticker := time.NewTicker(statsInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				report, err := pc.Stats()
				if err != nil {
					continue
				}
				payload, err := json.Marshal(report)
				if err != nil {
					continue
				}
				call.fire("stats", Event{Call: call, Data: payload})
			}
		}
	}()
}

func (call *Call) stopStatsTicker() {
	call.mu.Lock()
	if call.stopStats != nil {
		close(call.stopStats)
		call.stopStats = nil
	}
	call.mu.Unlock()
}

// teardown runs once on terminated entry: signal the far side unless it
// hung up first, close media, drop the call from the client index.
func (call *Call) teardown() {
	call.stopStatsTicker()

	call.mu.Lock()
	if call.batchTimer != nil {
		call.batchTimer.Stop()
		call.batchTimer = nil
	}
	pc := call.pc
	call.pc = nil
	dc := call.dc
	sendBye := !call.remoteHangup && !call.hangupSent
	call.hangupSent = true
	reason := call.hangupReason
	remote := call.remoteEndpoint
	call.mu.Unlock()

	if sendBye && remote != "" {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), call.client.channel.cfg.requestTimeout)
			defer cancel()
			if err := call.client.channel.sendHangup(ctx, call.address(), reason); err != nil {
				call.logger.Debug().Err(err).Msg("bye not delivered")
			}
		}()
	}

	if dc != nil {
		dc.closeLocal()
	}
	if pc != nil {
		pc.OnClosed(nil)
		pc.Close()
	}

	call.client.removeCall(call)
	call.postCallDebug(reason)
	call.fire("hangup", Event{Call: call, Reason: reason})
	call.logger.Info().Str("reason", reason).Dur("duration", time.Since(call.startedAt)).Msg("call ended")
}

// postCallDebug reports the call outcome when debug reporting is on.
func (call *Call) postCallDebug(reason string) {
	if !call.client.cfg.EnableCallDebugs {
		return
	}
	report := map[string]any{
		"sessionId":      call.id,
		"remoteEndpoint": call.RemoteEndpoint(),
		"target":         string(call.target),
		"caller":         call.state.Caller(),
		"reason":         reason,
		"durationMs":     time.Since(call.startedAt).Milliseconds(),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), call.client.channel.cfg.requestTimeout)
		defer cancel()
		if err := call.client.channel.postCallDebug(ctx, report); err != nil {
			call.logger.Debug().Err(err).Msg("call debug not delivered")
		}
	}()
}
