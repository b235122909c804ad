package respoke

import (
	"reflect"
	"testing"
)

var allStates = []State{
	StateIdle, StatePreparing, StateApprovingDeviceAccess, StateApprovingContent,
	StateOffering, StateConnecting, StateConnected, StateModifying, StateTerminated,
}

var allEvents = []CallEvent{
	EventInitiate, EventAnswer, EventApprove, EventReceiveLocalMedia,
	EventSentOffer, EventReceiveAnswer, EventReceiveRemoteMedia, EventAccept,
	EventModify, EventReject, EventHangup,
}

type stateLog struct{ events []string }

func observeAll(cs *CallState) *stateLog {
	lg := &stateLog{}
	for _, s := range allStates {
		name := s.String()
		cs.OnEntry(s, func() { lg.events = append(lg.events, name+":entry") })
		cs.OnExit(s, func() { lg.events = append(lg.events, name+":exit") })
	}
	return lg
}

func yesListener() bool { return true }

func TestCallerHappyPath(t *testing.T) {
	cs := newCallState(true, yesListener)
	lg := observeAll(cs)

	for _, ev := range []CallEvent{
		EventInitiate, EventAnswer, EventApprove, EventReceiveLocalMedia,
		EventApprove, EventSentOffer, EventReceiveAnswer, EventReceiveRemoteMedia,
	} {
		cs.Dispatch(ev)
	}

	if got := cs.State(); got != StateConnected {
		t.Fatalf("state = %v, want connected", got)
	}
	var entries []string
	for _, e := range lg.events {
		if len(e) > 6 && e[len(e)-6:] == ":entry" {
			entries = append(entries, e[:len(e)-6])
		}
	}
	want := []string{"preparing", "approvingDeviceAccess", "approvingContent", "offering", "connecting", "connected"}
	if !reflect.DeepEqual(entries, want) {
		t.Errorf("entries = %v, want %v", entries, want)
	}
	if !cs.IsMediaFlowing() {
		t.Error("media not flowing after connected")
	}
}

func TestCalleeHappyPath(t *testing.T) {
	cs := newCallState(false, yesListener)

	for _, ev := range []CallEvent{
		EventInitiate, EventAnswer, EventApprove, EventReceiveLocalMedia, EventApprove,
	} {
		cs.Dispatch(ev)
	}
	if got := cs.State(); got != StateConnecting {
		t.Fatalf("state = %v, want connecting", got)
	}

	cs.Dispatch(EventReceiveRemoteMedia)
	if got := cs.State(); got != StateConnected {
		t.Fatalf("state = %v, want connected", got)
	}
}

func TestApprovalOrderIndependence(t *testing.T) {
	// Content approval before local media holds in approvingContent until
	// the media arrives, and vice versa.
	cs := newCallState(true, yesListener)
	cs.Dispatch(EventInitiate)
	cs.Dispatch(EventAnswer)
	cs.Dispatch(EventApprove)

	cs.Dispatch(EventApprove) // content approved, still no media
	if got := cs.State(); got != StateApprovingContent {
		t.Fatalf("state after early approve = %v, want approvingContent", got)
	}
	cs.Dispatch(EventReceiveLocalMedia)
	if got := cs.State(); got != StateOffering {
		t.Fatalf("state after media = %v, want offering", got)
	}
}

func TestUnlistedEventsIgnored(t *testing.T) {
	listed := map[State][]CallEvent{
		StateIdle:                  {EventInitiate, EventHangup},
		StatePreparing:             {EventAnswer, EventAccept, EventReject, EventHangup},
		StateApprovingDeviceAccess: {EventApprove, EventReject, EventHangup},
		StateApprovingContent:      {EventApprove, EventReceiveLocalMedia, EventReject, EventHangup},
		StateOffering:              {EventReceiveLocalMedia, EventSentOffer, EventReceiveAnswer, EventReject, EventHangup},
		StateConnecting:            {EventReceiveRemoteMedia, EventReject, EventHangup},
		StateConnected:             {EventModify, EventReject, EventHangup},
		StateModifying:             {EventAccept, EventReject, EventHangup},
		StateTerminated:            {},
	}

	isListed := func(s State, ev CallEvent) bool {
		for _, l := range listed[s] {
			if l == ev {
				return true
			}
		}
		return false
	}

	for _, s := range allStates {
		for _, ev := range allEvents {
			if isListed(s, ev) {
				continue
			}
			cs := newCallState(true, yesListener)
			cs.state = s
			lg := observeAll(cs)
			cs.Dispatch(ev)
			if got := cs.State(); got != s {
				t.Errorf("%v + %v: state = %v, want unchanged", s, ev, got)
			}
			if len(lg.events) != 0 {
				t.Errorf("%v + %v: hooks fired: %v", s, ev, lg.events)
			}
		}
	}
}

func TestExitBeforeEntry(t *testing.T) {
	cs := newCallState(true, yesListener)
	lg := observeAll(cs)
	cs.Dispatch(EventInitiate)

	want := []string{"idle:exit", "preparing:entry"}
	if !reflect.DeepEqual(lg.events, want) {
		t.Errorf("events = %v, want %v", lg.events, want)
	}
}

func TestSelfTransitionEmitsNothing(t *testing.T) {
	cs := newCallState(true, yesListener)
	for _, ev := range []CallEvent{EventInitiate, EventAnswer, EventApprove, EventReceiveLocalMedia, EventApprove} {
		cs.Dispatch(ev)
	}
	if cs.State() != StateOffering {
		t.Fatalf("setup: state = %v", cs.State())
	}

	lg := observeAll(cs)
	cs.Dispatch(EventSentOffer)         // offering stays offering
	cs.Dispatch(EventReceiveLocalMedia) // flag-only
	if len(lg.events) != 0 {
		t.Errorf("self transitions fired hooks: %v", lg.events)
	}
}

func TestTerminatedAbsorbs(t *testing.T) {
	cs := newCallState(true, yesListener)
	cs.Dispatch(EventInitiate)
	cs.Dispatch(EventHangup)
	if cs.State() != StateTerminated {
		t.Fatalf("setup: state = %v", cs.State())
	}

	lg := observeAll(cs)
	for _, ev := range allEvents {
		cs.Dispatch(ev)
	}
	if got := cs.State(); got != StateTerminated {
		t.Errorf("state = %v, want terminated", got)
	}
	if len(lg.events) != 0 {
		t.Errorf("terminated fired hooks: %v", lg.events)
	}
}

func TestInitiateWithoutListenerTerminates(t *testing.T) {
	cs := newCallState(false, func() bool { return false })
	cs.Dispatch(EventInitiate)
	if got := cs.State(); got != StateTerminated {
		t.Errorf("state = %v, want terminated", got)
	}
}

func TestRejectTearsDownOnlyDuringSetup(t *testing.T) {
	// Before media flows a reject ends the call.
	cs := newCallState(true, yesListener)
	cs.Dispatch(EventInitiate)
	cs.Dispatch(EventReject)
	if got := cs.State(); got != StateTerminated {
		t.Fatalf("reject in preparing: state = %v, want terminated", got)
	}

	// Once media flows the same event is a losing-fork reject and the
	// established call stays up.
	cs = connectedCallState(t, true)
	cs.Dispatch(EventReject)
	if got := cs.State(); got != StateConnected {
		t.Errorf("reject in connected: state = %v, want connected", got)
	}

	// Same during a renegotiation re-prepare while the old media still runs.
	cs = connectedCallState(t, true)
	cs.DispatchModifyReceive()
	if got := cs.State(); got != StatePreparing {
		t.Fatalf("modify receive: state = %v, want preparing", got)
	}
	cs.Dispatch(EventReject)
	if got := cs.State(); got != StatePreparing {
		t.Errorf("reject while media flowing: state = %v, want preparing", got)
	}
}

func connectedCallState(t *testing.T, caller bool) *CallState {
	t.Helper()
	cs := newCallState(caller, yesListener)
	events := []CallEvent{
		EventInitiate, EventAnswer, EventApprove, EventReceiveLocalMedia, EventApprove,
	}
	if caller {
		events = append(events, EventSentOffer, EventReceiveAnswer)
	}
	events = append(events, EventReceiveRemoteMedia)
	for _, ev := range events {
		cs.Dispatch(ev)
	}
	if cs.State() != StateConnected {
		t.Fatalf("setup: state = %v, want connected", cs.State())
	}
	return cs
}

func TestModifyInitiatorRoundTrip(t *testing.T) {
	cs := connectedCallState(t, false)

	cs.Dispatch(EventModify)
	if got := cs.State(); got != StateModifying {
		t.Fatalf("state = %v, want modifying", got)
	}
	if !cs.IsModifying() {
		t.Error("IsModifying = false in modifying")
	}

	cs.Dispatch(EventAccept)
	if got := cs.State(); got != StatePreparing {
		t.Fatalf("state = %v, want preparing", got)
	}
	if !cs.Caller() {
		t.Error("modify initiator did not become caller")
	}
	if cs.hasLocalMedia || cs.hasLocalMediaApproval {
		t.Error("media flags not reset for renegotiation")
	}
	if !cs.IsModifying() {
		t.Error("IsModifying = false during re-prepare")
	}

	// The renegotiation replays the setup path once media stops flowing.
	cs.SetMediaFlowing(false)
	for _, ev := range []CallEvent{
		EventAnswer, EventApprove, EventReceiveLocalMedia, EventApprove,
		EventSentOffer, EventReceiveAnswer, EventReceiveRemoteMedia,
	} {
		cs.Dispatch(ev)
	}
	if got := cs.State(); got != StateConnected {
		t.Fatalf("state = %v, want connected", got)
	}
	if cs.IsModifying() {
		t.Error("IsModifying still true after reconnect")
	}
}

func TestModifyReceiverResetsCaller(t *testing.T) {
	cs := connectedCallState(t, true)

	cs.DispatchModifyReceive()
	if got := cs.State(); got != StatePreparing {
		t.Fatalf("state = %v, want preparing", got)
	}
	if cs.Caller() {
		t.Error("modify receiver kept caller role")
	}
	if !cs.IsModifying() {
		t.Error("IsModifying = false after received modify")
	}
}

func TestModifyRejectedReturnsToConnected(t *testing.T) {
	cs := connectedCallState(t, true)
	cs.Dispatch(EventModify)
	cs.Dispatch(EventReject)
	if got := cs.State(); got != StateConnected {
		t.Fatalf("state = %v, want connected", got)
	}
	if cs.IsModifying() {
		t.Error("IsModifying still true after rejected modify")
	}
}

func TestHookDispatchRunsToCompletion(t *testing.T) {
	// An event dispatched from inside a hook applies after the current
	// transition's hooks, not recursively.
	cs := newCallState(true, yesListener)
	var order []string
	cs.OnEntry(StatePreparing, func() {
		order = append(order, "preparing-hook")
		cs.Dispatch(EventAnswer)
	})
	cs.OnEntry(StateApprovingDeviceAccess, func() {
		order = append(order, "approving-hook")
	})
	cs.OnExit(StatePreparing, func() {
		order = append(order, "preparing-exit")
	})

	cs.Dispatch(EventInitiate)

	want := []string{"preparing-hook", "preparing-exit", "approving-hook"}
	if !reflect.DeepEqual(order, want) {
		t.Errorf("order = %v, want %v", order, want)
	}
	if got := cs.State(); got != StateApprovingDeviceAccess {
		t.Errorf("state = %v, want approvingDeviceAccess", got)
	}
}

func TestIsActive(t *testing.T) {
	cs := connectedCallState(t, true)
	if !cs.IsActive() {
		t.Error("IsActive = false on connected call")
	}
	cs.Dispatch(EventHangup)
	if cs.IsActive() {
		t.Error("IsActive = true after hangup")
	}
}
