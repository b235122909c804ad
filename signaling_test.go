package respoke

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// mockDelegate implements channelDelegate for testing.
type mockDelegate struct {
	resolve      func(s *Signal) *Call
	onMessage    func(p messagePush)
	onPubSub     func(p pubsubPush)
	onJoin       func(p membershipPush)
	onLeave      func(p membershipPush)
	onPresence   func(p presencePush)
	onDisconnect func(err error)
	onReconnect  func(ctx context.Context) error
}

func (d *mockDelegate) resolveSignal(s *Signal) *Call {
	if d.resolve != nil {
		return d.resolve(s)
	}
	return nil
}

func (d *mockDelegate) handleMessage(p messagePush) {
	if d.onMessage != nil {
		d.onMessage(p)
	}
}

func (d *mockDelegate) handlePubSub(p pubsubPush) {
	if d.onPubSub != nil {
		d.onPubSub(p)
	}
}

func (d *mockDelegate) handleJoin(p membershipPush) {
	if d.onJoin != nil {
		d.onJoin(p)
	}
}

func (d *mockDelegate) handleLeave(p membershipPush) {
	if d.onLeave != nil {
		d.onLeave(p)
	}
}

func (d *mockDelegate) handlePresence(p presencePush) {
	if d.onPresence != nil {
		d.onPresence(p)
	}
}

func (d *mockDelegate) handleDisconnect(err error) {
	if d.onDisconnect != nil {
		d.onDisconnect(err)
	}
}

func (d *mockDelegate) handleReconnect(ctx context.Context) error {
	if d.onReconnect != nil {
		return d.onReconnect(ctx)
	}
	return nil
}

// newBareChannel builds an unconnected channel for unit tests. Intervals are
// short so retry paths run fast.
func newBareChannel(d channelDelegate) *SignalingChannel {
	if d == nil {
		d = &mockDelegate{}
	}
	return newSignalingChannel(channelConfig{
		baseURL:       "http://127.0.0.1:1",
		appID:         testAppID,
		endpointID:    "unit",
		retryInterval: 15 * time.Millisecond,
		logger:        zerolog.Nop(),
	}, d)
}

// openTestChannel dials the mock service with a bare signaling channel, no
// client on top. Reconnection stays off.
func openTestChannel(t *testing.T, srv *httptest.Server, endpointID string, d channelDelegate) *SignalingChannel {
	t.Helper()
	if d == nil {
		d = &mockDelegate{}
	}
	c := newSignalingChannel(channelConfig{
		baseURL:         srv.URL,
		appID:           testAppID,
		endpointID:      endpointID,
		developmentMode: true,
		retryInterval:   15 * time.Millisecond,
		logger:          zerolog.Nop(),
	}, d)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Open(ctx, ""); err != nil {
		t.Fatalf("open channel for %s: %v", endpointID, err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = c.Close(ctx)
	})
	return c
}

func TestWebsocketURL(t *testing.T) {
	tests := []struct {
		name    string
		base    string
		token   string
		want    string
		wantErr bool
	}{
		{
			name:  "http to ws",
			base:  "http://localhost:2001",
			token: "tok",
			want:  "ws://localhost:2001/v1/connect?app-token=tok",
		},
		{
			name:  "https to wss",
			base:  "https://api.respoke.io",
			token: "tok",
			want:  "wss://api.respoke.io/v1/connect?app-token=tok",
		},
		{
			name:  "ws passes through with base path",
			base:  "ws://host/api/",
			token: "tok",
			want:  "ws://host/api/v1/connect?app-token=tok",
		},
		{
			name:  "token is escaped",
			base:  "http://host",
			token: "a b+c",
			want:  "ws://host/v1/connect?app-token=a+b%2Bc",
		},
		{
			name:    "unsupported scheme",
			base:    "ftp://host",
			token:   "tok",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := websocketURL(tt.base, tt.token)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected an error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestChannelConfigDefaults(t *testing.T) {
	cfg := channelConfig{}
	cfg.withDefaults()

	if cfg.requestTimeout != defaultRequestTimeout {
		t.Errorf("expected request timeout %v, got %v", defaultRequestTimeout, cfg.requestTimeout)
	}
	if cfg.retryInterval != defaultRetryInterval {
		t.Errorf("expected retry interval %v, got %v", defaultRetryInterval, cfg.retryInterval)
	}
	if cfg.batchWindow != defaultBatchWindow {
		t.Errorf("expected batch window %v, got %v", defaultBatchWindow, cfg.batchWindow)
	}
	if cfg.reconnectInitial != defaultReconnectInitial || cfg.reconnectMax != defaultReconnectMax {
		t.Errorf("reconnect defaults wrong: %v %v", cfg.reconnectInitial, cfg.reconnectMax)
	}
	if cfg.httpClient == nil {
		t.Error("expected a default http client")
	}
}

func TestHandleFramePushDispatch(t *testing.T) {
	var gotMessage *messagePush
	var gotPubSub *pubsubPush
	var gotJoin, gotLeave *membershipPush
	var gotPresence *presencePush

	d := &mockDelegate{
		onMessage:  func(p messagePush) { gotMessage = &p },
		onPubSub:   func(p pubsubPush) { gotPubSub = &p },
		onJoin:     func(p membershipPush) { gotJoin = &p },
		onLeave:    func(p membershipPush) { gotLeave = &p },
		onPresence: func(p presencePush) { gotPresence = &p },
	}
	c := newBareChannel(d)

	c.handleFrame([]byte(`{"type":"message","data":{"from":"alice","fromConnection":"c1","message":"hi","timestamp":123}}`))
	if gotMessage == nil || gotMessage.From != "alice" || gotMessage.Message != "hi" || gotMessage.Timestamp != 123 {
		t.Fatalf("message push not delivered: %+v", gotMessage)
	}

	c.handleFrame([]byte(`{"type":"pubsub","data":{"groupId":"room","from":"bob","message":"yo"}}`))
	if gotPubSub == nil || gotPubSub.GroupID != "room" || gotPubSub.From != "bob" {
		t.Fatalf("pubsub push not delivered: %+v", gotPubSub)
	}

	c.handleFrame([]byte(`{"type":"join","data":{"groupId":"room","endpointId":"bob","connectionId":"c2"}}`))
	if gotJoin == nil || gotJoin.ConnectionID != "c2" {
		t.Fatalf("join push not delivered: %+v", gotJoin)
	}

	c.handleFrame([]byte(`{"type":"leave","data":{"groupId":"room","endpointId":"bob","connectionId":"c2"}}`))
	if gotLeave == nil || gotLeave.GroupID != "room" {
		t.Fatalf("leave push not delivered: %+v", gotLeave)
	}

	c.handleFrame([]byte(`{"type":"presence","data":{"endpointId":"bob","connectionId":"c2","presence":"away"}}`))
	if gotPresence == nil || gotPresence.Presence != "away" {
		t.Fatalf("presence push not delivered: %+v", gotPresence)
	}

	// Garbage and unknown kinds drop without side effects.
	c.handleFrame([]byte(`{"type":"message","data":`))
	c.handleFrame([]byte(`{"type":"teleport","data":{}}`))
}

func TestHandleFrameCompletesPending(t *testing.T) {
	c := newBareChannel(nil)

	pr := &pendingRequest{id: 42, method: "GET", path: "/v1/turn", tries: 1, done: make(chan struct{})}
	c.reqMu.Lock()
	c.pending[42] = pr
	c.reqMu.Unlock()

	c.handleFrame([]byte(`{"type":"response","id":42,"status":200,"body":{"username":"u"}}`))

	select {
	case <-pr.done:
	default:
		t.Fatal("expected the pending request to complete")
	}
	if pr.resp == nil || pr.resp.Status != 200 {
		t.Fatalf("expected status 200, got %+v", pr.resp)
	}

	// A response for an unknown id is ignored.
	c.handleFrame([]byte(`{"type":"response","id":7,"status":200}`))
}

func TestHandleSignalPushParsesWrappedSignal(t *testing.T) {
	var seen *Signal
	d := &mockDelegate{resolve: func(s *Signal) *Call { seen = s; return nil }}
	c := newBareChannel(d)

	inner, err := json.Marshal(map[string]any{
		"signalId":   "sig-1",
		"sessionId":  "sess-1",
		"signalType": "bye",
		"target":     "call",
		"version":    "1.0",
		"reason":     "done",
	})
	if err != nil {
		t.Fatalf("marshal inner: %v", err)
	}
	frame, err := json.Marshal(map[string]any{
		"type": "signal",
		"data": map[string]any{"signal": string(inner)},
	})
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}

	c.handleFrame(frame)
	if seen == nil {
		t.Fatal("expected the signal to reach the resolver")
	}
	if seen.SignalType != SignalBye || seen.Reason != "done" {
		t.Fatalf("signal decoded wrong: %+v", seen)
	}

	// A push without the wrapped payload is dropped before resolution.
	seen = nil
	c.handleFrame([]byte(`{"type":"signal","data":{"to":"alice"}}`))
	if seen != nil {
		t.Fatal("expected a payload-less push to be dropped")
	}
}

func TestRouteSignalValidates(t *testing.T) {
	c := newBareChannel(nil)
	err := c.routeSignal(&Signal{SessionID: "s"})
	if err == nil {
		t.Fatal("expected a validation error")
	}
}

func TestRouteSignalDropsAcksBeforeResolution(t *testing.T) {
	resolved := false
	d := &mockDelegate{resolve: func(*Signal) *Call { resolved = true; return nil }}
	c := newBareChannel(d)

	s := newSignal("sess-1", SignalAck, TargetCall)
	if err := c.routeSignal(s); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resolved {
		t.Fatal("expected acks to drop before the resolver runs")
	}
}

func TestRouteSignalDropsOrphans(t *testing.T) {
	c := newBareChannel(&mockDelegate{})
	s := newSignal("no-such-session", SignalICECandidates, TargetCall)
	if err := c.routeSignal(s); err != nil {
		t.Fatalf("expected orphan signals to drop silently, got %v", err)
	}
}

// bareCall builds a call with no client and no state hooks, enough to route
// signals against.
func bareCall(id string, caller bool) *Call {
	call := &Call{id: id, target: TargetCall, logger: zerolog.Nop()}
	call.state = newCallState(caller, yesListener)
	return call
}

func TestRouteSignalDropsSessionMismatch(t *testing.T) {
	call := bareCall("call-1", true)
	call.state.Dispatch(EventInitiate)

	d := &mockDelegate{resolve: func(*Signal) *Call { return call }}
	c := newBareChannel(d)

	s := newSignal("different-session", SignalBye, TargetCall)
	if err := c.routeSignal(s); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := call.State(); got == StateTerminated {
		t.Fatal("expected the mismatched bye to be dropped, call terminated")
	}
}

func TestRouteSignalDropsLosingForkBye(t *testing.T) {
	call := bareCall("call-1", true)
	call.state.Dispatch(EventInitiate)
	call.remoteConnection = "winner"

	d := &mockDelegate{resolve: func(*Signal) *Call { return call }}
	c := newBareChannel(d)

	loser := newSignal("call-1", SignalBye, TargetCall)
	loser.FromConnection = "loser"
	if err := c.routeSignal(loser); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if call.State() == StateTerminated {
		t.Fatal("expected the losing fork bye to be dropped")
	}

	winner := newSignal("call-1", SignalBye, TargetCall)
	winner.FromConnection = "winner"
	if err := c.routeSignal(winner); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := call.State(); got != StateTerminated {
		t.Fatalf("expected the winner bye to terminate the call, state is %v", got)
	}
}
