package respoke

import (
	"encoding/json"
	"sync"
)

// DirectConnection is a peer-to-peer data channel riding a call whose
// target negotiated it. Text messages are wrapped in a json envelope so
// both sides agree on framing; raw binary passes through untouched.
type DirectConnection struct {
	listeners

	call *Call
	dc   DataChannel

	mu   sync.Mutex
	open bool
}

func newDirectConnection(call *Call, dc DataChannel) *DirectConnection {
	d := &DirectConnection{call: call, dc: dc}

	dc.OnOpen(func() {
		d.mu.Lock()
		d.open = true
		d.mu.Unlock()
		d.fire("open", Event{DirectConnection: d, Call: call})
	})
	dc.OnClose(func() {
		d.mu.Lock()
		wasOpen := d.open
		d.open = false
		d.mu.Unlock()
		if wasOpen {
			d.fire("close", Event{DirectConnection: d, Call: call})
		}
	})
	dc.OnMessage(func(payload []byte, isText bool) {
		msg := &Message{From: call.RemoteEndpoint()}
		if isText {
			var envelope struct {
				Message string `json:"message"`
			}
			if err := json.Unmarshal(payload, &envelope); err == nil && envelope.Message != "" {
				msg.Text = envelope.Message
			} else {
				msg.Text = string(payload)
			}
			d.fire("message", Event{DirectConnection: d, Call: call, Message: msg})
			return
		}
		d.fire("message", Event{DirectConnection: d, Call: call, Message: msg, Data: payload})
	})
	dc.OnError(func(err error) {
		call.logger.Warn().Err(err).Msg("data channel error")
		d.fire("error", Event{DirectConnection: d, Call: call, Err: err})
	})

	return d
}

// Call returns the session carrying this connection.
func (d *DirectConnection) Call() *Call { return d.call }

// Endpoint returns the far endpoint.
func (d *DirectConnection) Endpoint() *Endpoint {
	return d.call.client.getOrCreateEndpoint(d.call.RemoteEndpoint())
}

// IsActive reports whether the channel is open and the carrying call is up.
func (d *DirectConnection) IsActive() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open && d.call.state.IsActive()
}

// SendText delivers a text message over the channel.
func (d *DirectConnection) SendText(text string) error {
	d.mu.Lock()
	open := d.open
	d.mu.Unlock()
	if !open {
		return ErrNotConnected
	}
	payload, err := json.Marshal(map[string]string{"message": text})
	if err != nil {
		return err
	}
	return d.dc.SendText(string(payload))
}

// Send delivers a binary payload over the channel.
func (d *DirectConnection) Send(payload []byte) error {
	d.mu.Lock()
	open := d.open
	d.mu.Unlock()
	if !open {
		return ErrNotConnected
	}
	return d.dc.Send(payload)
}

// Close shuts the channel down. When the call exists only to carry this
// connection, the call ends with it.
func (d *DirectConnection) Close() {
	d.closeLocal()
	if d.call.Target() == TargetDirectConnection {
		d.call.Hangup("direct connection closed")
	}
}

// closeLocal closes the transport without touching the call.
func (d *DirectConnection) closeLocal() {
	d.mu.Lock()
	wasOpen := d.open
	d.open = false
	d.mu.Unlock()

	_ = d.dc.Close()
	if wasOpen {
		d.fire("close", Event{DirectConnection: d, Call: d.call})
	}
}
