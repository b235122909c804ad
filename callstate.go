package respoke

import "sync"

// State is a position in the call lifecycle.
type State int

const (
	StateIdle State = iota
	StatePreparing
	StateApprovingDeviceAccess
	StateApprovingContent
	StateOffering
	StateConnecting
	StateConnected
	StateModifying
	StateTerminated
)

// String returns the state's event name, as used in "<state>:entry" and
// "<state>:exit" call events.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePreparing:
		return "preparing"
	case StateApprovingDeviceAccess:
		return "approvingDeviceAccess"
	case StateApprovingContent:
		return "approvingContent"
	case StateOffering:
		return "offering"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateModifying:
		return "modifying"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// CallEvent drives CallState transitions.
type CallEvent int

const (
	EventInitiate CallEvent = iota
	EventAnswer
	EventApprove
	EventReceiveLocalMedia
	EventSentOffer
	EventReceiveAnswer
	EventReceiveRemoteMedia
	EventAccept
	EventModify
	EventReject
	EventHangup
)

func (e CallEvent) String() string {
	switch e {
	case EventInitiate:
		return "initiate"
	case EventAnswer:
		return "answer"
	case EventApprove:
		return "approve"
	case EventReceiveLocalMedia:
		return "receiveLocalMedia"
	case EventSentOffer:
		return "sentOffer"
	case EventReceiveAnswer:
		return "receiveAnswer"
	case EventReceiveRemoteMedia:
		return "receiveRemoteMedia"
	case EventAccept:
		return "accept"
	case EventModify:
		return "modify"
	case EventReject:
		return "reject"
	case EventHangup:
		return "hangup"
	default:
		return "unknown"
	}
}

// CallState is the state machine of one call. Events run to completion in
// dispatch order: an event dispatched from an entry or exit hook is queued
// and applied after the current transition's hooks finish. Events not listed
// for the current state are dropped without error, and a transition back to
// the same state runs no hooks. terminated absorbs everything.
type CallState struct {
	mu      sync.Mutex
	pending []stateInput
	running bool

	state State

	caller                bool
	mediaFlowing          bool
	hasLocalMedia         bool
	hasLocalMediaApproval bool
	modifying             bool

	hasCallListener func() bool

	entry map[State][]func()
	exit  map[State][]func()
}

type stateInput struct {
	event   CallEvent
	receive bool
}

// newCallState starts in idle. hasCallListener gates the initiate event:
// without someone to surface the call to, initiate goes straight to
// terminated.
func newCallState(caller bool, hasCallListener func() bool) *CallState {
	return &CallState{
		state:           StateIdle,
		caller:          caller,
		hasCallListener: hasCallListener,
	}
}

// OnEntry registers fn to run when s is entered. Hooks run in registration
// order, after the exit hooks of the previous state.
func (cs *CallState) OnEntry(s State, fn func()) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.entry == nil {
		cs.entry = make(map[State][]func())
	}
	cs.entry[s] = append(cs.entry[s], fn)
}

// OnExit registers fn to run when s is left.
func (cs *CallState) OnExit(s State, fn func()) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.exit == nil {
		cs.exit = make(map[State][]func())
	}
	cs.exit[s] = append(cs.exit[s], fn)
}

// Dispatch feeds one event through the transition table.
func (cs *CallState) Dispatch(ev CallEvent) {
	cs.dispatch(stateInput{event: ev})
}

// DispatchModifyReceive feeds a modify requested by the remote party rather
// than initiated locally.
func (cs *CallState) DispatchModifyReceive() {
	cs.dispatch(stateInput{event: EventModify, receive: true})
}

func (cs *CallState) dispatch(in stateInput) {
	cs.mu.Lock()
	cs.pending = append(cs.pending, in)
	if cs.running {
		cs.mu.Unlock()
		return
	}
	cs.running = true
	for len(cs.pending) > 0 {
		next := cs.pending[0]
		cs.pending = cs.pending[1:]
		hooks := cs.step(next)
		cs.mu.Unlock()
		for _, hook := range hooks {
			hook()
		}
		cs.mu.Lock()
	}
	cs.running = false
	cs.mu.Unlock()
}

// step applies one event under the lock and returns the exit and entry hooks
// to run, in that order.
func (cs *CallState) step(in stateInput) []func() {
	apply, ok := transitions[cs.state][in.event]
	if !ok {
		return nil
	}
	prev := cs.state
	next := apply(cs, in.receive)
	if next == prev {
		return nil
	}
	cs.state = next

	switch next {
	case StateModifying:
		cs.modifying = true
	case StateConnected:
		cs.modifying = false
		cs.mediaFlowing = true
	case StateTerminated:
		cs.modifying = false
		cs.mediaFlowing = false
	}

	hooks := make([]func(), 0, len(cs.exit[prev])+len(cs.entry[next]))
	hooks = append(hooks, cs.exit[prev]...)
	hooks = append(hooks, cs.entry[next]...)
	return hooks
}

// State returns the current state.
func (cs *CallState) State() State {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.state
}

// Caller reports which side this is. It flips during renegotiation: the
// modify initiator becomes the caller of the new negotiation.
func (cs *CallState) Caller() bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.caller
}

// IsModifying reports whether a renegotiation is in progress: set on entry
// to modifying or to a modify-caused re-prepare, cleared on the next entry
// to connected or terminated.
func (cs *CallState) IsModifying() bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.modifying
}

// IsMediaFlowing reports whether the call has media up.
func (cs *CallState) IsMediaFlowing() bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.mediaFlowing
}

// SetMediaFlowing records the live media status reported by the peer
// connection. Entering connected sets it, entering terminated clears it;
// the owning call updates it in between.
func (cs *CallState) SetMediaFlowing(flowing bool) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.mediaFlowing = flowing
}

// IsActive reports whether the call is usable right now: media is flowing
// and the call has not been torn down.
func (cs *CallState) IsActive() bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.mediaFlowing && cs.state != StateTerminated
}

// HasLocalMedia reports whether local media has been gathered for the
// current negotiation.
func (cs *CallState) HasLocalMedia() bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.hasLocalMedia
}

type transitionFunc func(cs *CallState, receive bool) State

func toState(s State) transitionFunc {
	return func(*CallState, bool) State { return s }
}

// rejectWhileSettingUp tears the call down unless media is already flowing.
// A reject that arrives while media flows belongs to a losing fork and must
// not touch the established call.
func rejectWhileSettingUp(cs *CallState, _ bool) State {
	if cs.mediaFlowing {
		return cs.state
	}
	return StateTerminated
}

var transitions = map[State]map[CallEvent]transitionFunc{
	StateIdle: {
		EventInitiate: func(cs *CallState, _ bool) State {
			if cs.hasCallListener == nil || !cs.hasCallListener() {
				return StateTerminated
			}
			return StatePreparing
		},
		EventHangup: toState(StateTerminated),
	},
	StatePreparing: {
		EventAnswer: func(cs *CallState, _ bool) State {
			if cs.mediaFlowing {
				return StatePreparing
			}
			return StateApprovingDeviceAccess
		},
		EventAccept: toState(StatePreparing),
		EventReject: rejectWhileSettingUp,
		EventHangup: toState(StateTerminated),
	},
	StateApprovingDeviceAccess: {
		EventApprove: toState(StateApprovingContent),
		EventReject:  rejectWhileSettingUp,
		EventHangup:  toState(StateTerminated),
	},
	StateApprovingContent: {
		EventApprove: func(cs *CallState, _ bool) State {
			cs.hasLocalMediaApproval = true
			return cs.mediaReadyState()
		},
		EventReceiveLocalMedia: func(cs *CallState, _ bool) State {
			cs.hasLocalMedia = true
			return cs.mediaReadyState()
		},
		EventReject: rejectWhileSettingUp,
		EventHangup: toState(StateTerminated),
	},
	StateOffering: {
		EventReceiveLocalMedia: func(cs *CallState, _ bool) State {
			cs.hasLocalMedia = true
			return StateOffering
		},
		EventSentOffer:     toState(StateOffering),
		EventReceiveAnswer: toState(StateConnecting),
		EventReject:        rejectWhileSettingUp,
		EventHangup:        toState(StateTerminated),
	},
	StateConnecting: {
		EventReceiveRemoteMedia: toState(StateConnected),
		EventReject:             rejectWhileSettingUp,
		EventHangup:             toState(StateTerminated),
	},
	StateConnected: {
		EventModify: func(cs *CallState, receive bool) State {
			if receive {
				cs.caller = false
				cs.hasLocalMedia = false
				cs.hasLocalMediaApproval = false
				cs.modifying = true
				return StatePreparing
			}
			return StateModifying
		},
		EventReject: toState(StateConnected),
		EventHangup: toState(StateTerminated),
	},
	StateModifying: {
		EventAccept: func(cs *CallState, _ bool) State {
			cs.caller = true
			cs.hasLocalMedia = false
			cs.hasLocalMediaApproval = false
			return StatePreparing
		},
		EventReject: toState(StateConnected),
		EventHangup: toState(StateTerminated),
	},
	StateTerminated: {},
}

// mediaReadyState leaves approvingContent once content approval and local
// media are both in: the caller moves on to send its offer, the callee to
// connect.
func (cs *CallState) mediaReadyState() State {
	if !cs.hasLocalMedia || !cs.hasLocalMediaApproval {
		return StateApprovingContent
	}
	if cs.caller {
		return StateOffering
	}
	return StateConnecting
}
