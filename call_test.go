package respoke

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/respoke/respoke-go/internal/cloudmock"
)

// connectCallPair places a call from alice to bob over the mock service and
// waits until both sides report connected. bob answers from the "call"
// event, the way applications do.
func connectCallPair(t *testing.T, alice, bob *Client) (*Call, *Call) {
	t.Helper()

	var mu sync.Mutex
	var calleeCall *Call
	unsub := bob.Listen("call", func(ev Event) {
		mu.Lock()
		calleeCall = ev.Call
		mu.Unlock()
		ev.Call.Answer()
	})
	t.Cleanup(unsub)

	callerCall, err := alice.GetEndpoint(bob.EndpointID()).StartCall(CallConstraints{Audio: true, Video: true})
	if err != nil {
		t.Fatalf("start call: %v", err)
	}

	waitFor(t, func() bool { return callerCall.State() == StateConnected }, "caller to connect")
	var got *Call
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		got = calleeCall
		return got != nil && got.State() == StateConnected
	}, "callee to connect")
	return callerCall, got
}

func TestCallConnectsBothSides(t *testing.T) {
	_, srv := newTestService(t, cloudmock.Config{})
	net := newFakeNet()
	alice := connectTestClient(t, srv, "alice", net)
	bob := connectTestClient(t, srv, "bob", net)

	var mu sync.Mutex
	var entries []string
	var bobCall *Call
	bob.Listen("call", func(ev Event) {
		mu.Lock()
		bobCall = ev.Call
		mu.Unlock()
		for _, s := range []State{StateApprovingDeviceAccess, StateApprovingContent, StateConnecting, StateConnected} {
			name := s.String()
			ev.Call.Listen(name+":entry", func(Event) {
				mu.Lock()
				entries = append(entries, name)
				mu.Unlock()
			})
		}
		ev.Call.Answer()
	})

	aliceCall, err := alice.GetEndpoint("bob").StartCall(CallConstraints{Audio: true, Video: true})
	if err != nil {
		t.Fatalf("start call: %v", err)
	}
	if !aliceCall.Caller() {
		t.Error("expected the initiating side to report caller")
	}

	waitFor(t, func() bool { return aliceCall.State() == StateConnected }, "caller to connect")
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return bobCall != nil && bobCall.State() == StateConnected
	}, "callee to connect")

	mu.Lock()
	got := append([]string(nil), entries...)
	callee := bobCall
	mu.Unlock()

	want := []string{"approvingDeviceAccess", "approvingContent", "connecting", "connected"}
	if len(got) != len(want) {
		t.Fatalf("expected the callee to pass %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected the callee to pass %v in order, got %v", want, got)
		}
	}

	if callee.ID() != aliceCall.ID() {
		t.Errorf("expected both sides to share a session id: %q vs %q", callee.ID(), aliceCall.ID())
	}
	if callee.Caller() {
		t.Error("expected the answering side to report callee")
	}
	if !aliceCall.IsActive() || !callee.IsActive() {
		t.Error("expected both sides active once connected")
	}

	// The answer pins the caller to bob's connection; the offer pinned bob
	// to alice's.
	if got := aliceCall.RemoteConnectionID(); got != bob.ConnectionID() {
		t.Errorf("caller pinned to %q, want bob's connection %q", got, bob.ConnectionID())
	}
	if got := callee.RemoteConnectionID(); got != alice.ConnectionID() {
		t.Errorf("callee pinned to %q, want alice's connection %q", got, alice.ConnectionID())
	}
	if got := aliceCall.RemoteEndpoint(); got != "bob" {
		t.Errorf("expected remote endpoint bob, got %q", got)
	}
}

func TestCalleeRejectEndsBothSides(t *testing.T) {
	_, srv := newTestService(t, cloudmock.Config{})
	net := newFakeNet()
	alice := connectTestClient(t, srv, "alice", net)
	bob := connectTestClient(t, srv, "bob", net)

	bob.Listen("call", func(ev Event) {
		ev.Call.Reject()
	})

	var hangupCh <-chan Event
	var mu sync.Mutex
	alice.Listen("call", func(ev Event) {
		mu.Lock()
		hangupCh = watch(ev.Call, "hangup")
		mu.Unlock()
	})

	aliceCall, err := alice.GetEndpoint("bob").StartCall(CallConstraints{Audio: true})
	if err != nil {
		t.Fatalf("start call: %v", err)
	}

	waitFor(t, func() bool { return aliceCall.State() == StateTerminated }, "caller to terminate")
	mu.Lock()
	ch := hangupCh
	mu.Unlock()
	nextEvent(t, ch, "the caller's hangup event")

	if alice.GetCall(aliceCall.ID()) != nil {
		t.Error("expected the terminated call to leave the caller's index")
	}
	waitFor(t, func() bool { return len(bob.Calls()) == 0 }, "the callee's index to empty")
}

func TestUnansweredInboundCallTerminates(t *testing.T) {
	_, srv := newTestService(t, cloudmock.Config{})
	net := newFakeNet()
	alice := connectTestClient(t, srv, "alice", net)
	// bob is connected but deliberately not listening for calls.
	bob := connectTestClient(t, srv, "bob", net)

	aliceCall, err := alice.GetEndpoint("bob").StartCall(CallConstraints{Audio: true})
	if err != nil {
		t.Fatalf("start call: %v", err)
	}

	// With nobody listening on bob's side the offer terminates there and
	// the bye folds the caller.
	waitFor(t, func() bool { return aliceCall.State() == StateTerminated }, "caller to terminate")
	waitFor(t, func() bool { return len(bob.Calls()) == 0 }, "callee side to stay empty")
}

func TestHangupCarriesReasonAndReportsDebug(t *testing.T) {
	svc, srv := newTestService(t, cloudmock.Config{})
	net := newFakeNet()
	alice := connectTestClient(t, srv, "alice", net)
	bob := connectTestClient(t, srv, "bob", net)

	aliceCall, bobCall := connectCallPair(t, alice, bob)
	bobHangup := watch(bobCall, "hangup")
	bobSignal := watch(bobCall, "signal-hangup")

	aliceCall.Hangup("meeting over")

	ev := nextEvent(t, bobSignal, "the bye signal on the callee")
	if ev.Reason != "meeting over" {
		t.Errorf("expected the bye to carry the reason, got %q", ev.Reason)
	}
	ev = nextEvent(t, bobHangup, "the callee's hangup event")
	if ev.Reason != "meeting over" {
		t.Errorf("expected the hangup event to carry the reason, got %q", ev.Reason)
	}

	waitFor(t, func() bool { return aliceCall.State() == StateTerminated }, "caller to terminate")
	waitFor(t, func() bool { return bobCall.State() == StateTerminated }, "callee to terminate")
	if alice.GetCall(aliceCall.ID()) != nil || bob.GetCall(bobCall.ID()) != nil {
		t.Error("expected both indexes to drop the terminated call")
	}

	// Both sides report the outcome.
	waitFor(t, func() bool { return len(svc.CallDebugs()) == 2 }, "both call debug reports")
	sawCaller, sawCallee := false, false
	for _, report := range svc.CallDebugs() {
		if report["sessionId"] != aliceCall.ID() {
			t.Errorf("report for unexpected session: %v", report["sessionId"])
		}
		if report["reason"] != "meeting over" {
			t.Errorf("expected the report to carry the reason, got %v", report["reason"])
		}
		if caller, _ := report["caller"].(bool); caller {
			sawCaller = true
		} else {
			sawCallee = true
		}
	}
	if !sawCaller || !sawCallee {
		t.Error("expected one report per side")
	}
}

func TestLosingForkByeIgnoredOnWire(t *testing.T) {
	_, srv := newTestService(t, cloudmock.Config{})
	net := newFakeNet()
	alice := connectTestClient(t, srv, "alice", net)
	bob := connectTestClient(t, srv, "bob", net)

	aliceCall, bobCall := connectCallPair(t, alice, bob)
	aliceHangup := watch(aliceCall, "hangup")

	// A second connection of the same endpoint lost the answer race. Its
	// bye must not tear down the winning call.
	loser := openTestChannel(t, srv, "bob", nil)
	addr := signalAddress{sessionID: aliceCall.ID(), target: TargetCall, toEndpoint: "alice"}
	if err := loser.sendHangup(context.Background(), addr, "race lost"); err != nil {
		t.Fatalf("losing fork bye: %v", err)
	}

	time.Sleep(150 * time.Millisecond)
	if got := aliceCall.State(); got != StateConnected {
		t.Fatalf("expected the caller to survive the losing fork bye, state is %v", got)
	}

	// The winner's bye still lands.
	bobCall.Hangup("done")
	ev := nextEvent(t, aliceHangup, "the winner's bye")
	if ev.Reason != "done" {
		t.Errorf("expected reason %q, got %q", "done", ev.Reason)
	}
	waitFor(t, func() bool { return aliceCall.State() == StateTerminated }, "caller to terminate")
}

func TestModifyRenegotiatesBothSides(t *testing.T) {
	_, srv := newTestService(t, cloudmock.Config{})
	net := newFakeNet()
	alice := connectTestClient(t, srv, "alice", net)
	bob := connectTestClient(t, srv, "bob", net)

	aliceCall, bobCall := connectCallPair(t, alice, bob)
	if got := net.count(); got != 2 {
		t.Fatalf("expected one peer connection per side, got %d", got)
	}

	aliceModifying := watch(aliceCall, "modifying:entry")
	bobRestarts := watch(bobCall, "preparing:entry")

	if err := aliceCall.Modify(CallConstraints{Audio: true}); err != nil {
		t.Fatalf("modify: %v", err)
	}
	nextEvent(t, aliceModifying, "the initiator to enter modifying")
	nextEvent(t, bobRestarts, "the receiver to restart its lifecycle")

	// Renegotiation rebuilds media from scratch on both sides.
	waitFor(t, func() bool { return net.count() == 4 }, "fresh peer connections")
	waitFor(t, func() bool {
		return aliceCall.State() == StateConnected && !aliceCall.IsModifying()
	}, "initiator to reconnect")
	waitFor(t, func() bool {
		return bobCall.State() == StateConnected && !bobCall.IsModifying()
	}, "receiver to reconnect")

	// The modify initiator is the caller of the new negotiation.
	if !aliceCall.Caller() || bobCall.Caller() {
		t.Error("expected the modify initiator to be the caller after renegotiation")
	}
	if got := aliceCall.RemoteConnectionID(); got != bob.ConnectionID() {
		t.Errorf("expected the fork pin to survive renegotiation, got %q", got)
	}
}

func TestModifyRequiresConnectedCall(t *testing.T) {
	_, srv := newTestService(t, cloudmock.Config{})
	alice := connectTestClient(t, srv, "alice", newFakeNet())

	call, err := alice.GetEndpoint("nobody").StartCall(CallConstraints{Audio: true})
	if err != nil {
		t.Fatalf("start call: %v", err)
	}
	if err := call.Modify(CallConstraints{Video: true}); err != ErrNotConnected {
		t.Fatalf("expected ErrNotConnected before media is up, got %v", err)
	}
	call.Hangup("test over")
}

func TestCallMetadataReachesCallee(t *testing.T) {
	_, srv := newTestService(t, cloudmock.Config{})
	net := newFakeNet()
	alice := connectTestClient(t, srv, "alice", net)
	bob := connectTestClient(t, srv, "bob", net)

	var mu sync.Mutex
	var bobCall *Call
	var seenMeta map[string]any
	var seenCaller string
	bob.Listen("call", func(ev Event) {
		mu.Lock()
		bobCall = ev.Call
		// Readable before the call is answered.
		seenMeta = ev.Call.Metadata()
		seenCaller = ev.Call.CallerID()
		mu.Unlock()
		ev.Call.Answer()
	})

	aliceCall, err := alice.StartCall(CallParams{
		RemoteEndpoint: "bob",
		Metadata:       map[string]any{"subject": "standup", "room": "3b"},
	})
	if err != nil {
		t.Fatalf("start call: %v", err)
	}

	waitFor(t, func() bool { return aliceCall.State() == StateConnected }, "caller to connect")
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return bobCall != nil && bobCall.State() == StateConnected
	}, "callee to connect")

	mu.Lock()
	meta := seenMeta
	callerID := seenCaller
	mu.Unlock()

	if meta == nil || meta["subject"] != "standup" || meta["room"] != "3b" {
		t.Errorf("expected the offer metadata on the callee, got %v", meta)
	}
	if callerID != "alice" {
		t.Errorf("expected caller id alice, got %q", callerID)
	}
	if got := aliceCall.CallerID(); got != "alice" {
		t.Errorf("expected the caller to report its own id, got %q", got)
	}
	if aliceCall.Metadata()["subject"] != "standup" {
		t.Errorf("expected the caller to keep its metadata, got %v", aliceCall.Metadata())
	}
}

func TestStartCallRequiresRemoteEndpoint(t *testing.T) {
	_, srv := newTestService(t, cloudmock.Config{})
	alice := connectTestClient(t, srv, "alice", newFakeNet())

	if _, err := alice.StartCall(CallParams{}); err == nil {
		t.Fatal("expected an error without a remote endpoint")
	}
}
