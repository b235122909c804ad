package respoke

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultBaseURL is the production service.
const DefaultBaseURL = "https://api.respoke.io"

// ClientConfig configures a Client. AppID with DevelopmentMode, or a
// brokered Token, is required to authenticate; EndpointID names this
// client's identity.
type ClientConfig struct {
	BaseURL    string
	AppID      string
	EndpointID string

	// Token is a brokered auth token minted by the application's own
	// server. Leave empty in development mode to mint one directly.
	Token           string
	DevelopmentMode bool

	// Presence to announce right after connecting. Empty announces nothing.
	Presence string

	// Constraints used for calls that do not supply their own. Zero means
	// audio and video.
	Constraints CallConstraints

	// DisableAutoApprove requires the application to call Approve for the
	// device and content steps of every call.
	DisableAutoApprove bool
	// DisableReconnect turns off automatic reconnection after a transport
	// loss. Reconnection runs only in development mode, where the client
	// can mint tokens itself.
	DisableReconnect bool
	// DisableTurn skips fetching relay credentials before a call.
	DisableTurn bool
	// DisableCallDebugs turns off the end-of-call report.
	DisableCallDebugs bool

	// PeerConnectionFactory substitutes the transport used by calls. Nil
	// uses the pion implementation.
	PeerConnectionFactory PeerConnectionFactory

	HTTPClient     *http.Client
	RequestTimeout time.Duration
	Logger         *zerolog.Logger
}

// clientConfig is the resolved form used at runtime.
type clientConfig struct {
	Token                 string
	Presence              string
	Constraints           CallConstraints
	AutoApprove           bool
	EnableCallDebugs      bool
	DisableTurn           bool
	PeerConnectionFactory PeerConnectionFactory
}

// Client is one authenticated endpoint identity on the service. It owns the
// signaling channel and every Call, Endpoint and Group derived from it.
//
// Listen on it for "connect", "disconnect", "reconnect", "call",
// "direct-connection", "message" and "presence".
type Client struct {
	listeners

	cfg     clientConfig
	logger  zerolog.Logger
	channel *SignalingChannel

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	connected bool
	presence  string
	calls     map[string]*Call
	endpoints map[string]*Endpoint
	groups    map[string]*Group
	joined    map[string]bool
}

// New builds a Client from cfg. Nothing touches the network until Connect.
func New(cfg ClientConfig) *Client {
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	logger = logger.With().Str("endpoint", cfg.EndpointID).Logger()

	constraints := cfg.Constraints
	if constraints == (CallConstraints{}) {
		constraints = CallConstraints{Audio: true, Video: true}
	}
	factory := cfg.PeerConnectionFactory
	if factory == nil {
		factory = NewPionPeerConnection
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg: clientConfig{
			Token:                 cfg.Token,
			Presence:              cfg.Presence,
			Constraints:           constraints,
			AutoApprove:           !cfg.DisableAutoApprove,
			EnableCallDebugs:      !cfg.DisableCallDebugs,
			DisableTurn:           cfg.DisableTurn,
			PeerConnectionFactory: factory,
		},
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		calls:     make(map[string]*Call),
		endpoints: make(map[string]*Endpoint),
		groups:    make(map[string]*Group),
		joined:    make(map[string]bool),
	}
	c.channel = newSignalingChannel(channelConfig{
		baseURL:         baseURL,
		appID:           cfg.AppID,
		endpointID:      cfg.EndpointID,
		developmentMode: cfg.DevelopmentMode,
		reconnect:       cfg.DevelopmentMode && !cfg.DisableReconnect,
		requestTimeout:  cfg.RequestTimeout,
		httpClient:      cfg.HTTPClient,
		logger:          logger,
	}, c)
	return c
}

// Connect authenticates and brings the signaling session up.
func (c *Client) Connect(ctx context.Context) error {
	if c.channel.Connected() {
		return nil
	}
	if err := c.channel.Open(ctx, c.cfg.Token); err != nil {
		return err
	}

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()

	if c.cfg.Presence != "" {
		if err := c.SetPresence(ctx, c.cfg.Presence); err != nil {
			c.logger.Warn().Err(err).Msg("initial presence not set")
		}
	}
	c.fire("connect", Event{})
	return nil
}

// Disconnect hangs up every call and tears the session down. No reconnect
// follows.
func (c *Client) Disconnect(ctx context.Context) error {
	for _, call := range c.Calls() {
		call.Hangup("disconnecting")
	}
	err := c.channel.Close(ctx)

	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	c.cancel()

	c.fire("disconnect", Event{})
	return err
}

// IsConnected reports whether the signaling session is up.
func (c *Client) IsConnected() bool {
	return c.channel.Connected()
}

// EndpointID is this client's identity as confirmed by the service.
func (c *Client) EndpointID() string { return c.channel.EndpointID() }

// ConnectionID is the server-assigned id of this connection.
func (c *Client) ConnectionID() string { return c.channel.ConnectionID() }

// Presence returns the presence last set by this client.
func (c *Client) Presence() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.presence
}

// SetPresence announces presence to everyone observing this endpoint.
func (c *Client) SetPresence(ctx context.Context, presence string) error {
	if err := c.channel.SetPresence(ctx, presence); err != nil {
		return err
	}
	c.mu.Lock()
	c.presence = presence
	c.mu.Unlock()
	return nil
}

// SendMessage delivers a text message to an endpoint.
func (c *Client) SendMessage(ctx context.Context, to, text string) error {
	return c.channel.SendMessage(ctx, to, "", text, true, false)
}

// RegisterPresence subscribes this client to presence reports for the given
// endpoints. Already-registered ids are skipped.
func (c *Client) RegisterPresence(ctx context.Context, endpointIDs []string) error {
	return c.channel.RegisterPresence(ctx, endpointIDs...)
}

// GetEndpoint returns the endpoint with the given id, creating a tracked
// instance on first use.
func (c *Client) GetEndpoint(id string) *Endpoint {
	return c.getOrCreateEndpoint(id)
}

// GetGroup returns the group with the given id, creating a tracked instance
// on first use. The group is not joined until Join is called.
func (c *Client) GetGroup(id string) *Group {
	return c.getOrCreateGroup(id)
}

// JoinGroup is GetGroup followed by Join.
func (c *Client) JoinGroup(ctx context.Context, id string) (*Group, error) {
	g := c.getOrCreateGroup(id)
	if err := g.Join(ctx); err != nil {
		return nil, err
	}
	return g, nil
}

// Groups lists the groups this client has joined.
func (c *Client) Groups() []*Group {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Group, 0, len(c.joined))
	for id := range c.joined {
		if g := c.groups[id]; g != nil {
			out = append(out, g)
		}
	}
	return out
}

// StartCall places an outbound call described by p. RemoteEndpoint is
// required; a zero Target means a media call. Most applications use the
// Endpoint helpers; this entry exists for pinned connections and metadata.
func (c *Client) StartCall(p CallParams) (*Call, error) {
	if p.RemoteEndpoint == "" {
		return nil, errors.New("startCall: remote endpoint required")
	}
	p.Caller = true
	p.SessionID = ""
	return c.startCall(p)
}

// GetCall returns the call with the given session id, nil when unknown.
func (c *Client) GetCall(sessionID string) *Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[sessionID]
}

// Calls snapshots every live call.
func (c *Client) Calls() []*Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Call, 0, len(c.calls))
	for _, call := range c.calls {
		out = append(out, call)
	}
	return out
}

// startCall creates, indexes and launches a call.
func (c *Client) startCall(p CallParams) (*Call, error) {
	if !c.channel.Connected() {
		return nil, ErrNotConnected
	}
	if p.Constraints == (CallConstraints{}) && p.Target != TargetDirectConnection {
		p.Constraints = c.cfg.Constraints
	}

	call := newCall(c, p)
	c.mu.Lock()
	c.calls[call.id] = call
	c.mu.Unlock()

	call.start()
	c.fire("call", Event{Call: call, Endpoint: c.getOrCreateEndpoint(p.RemoteEndpoint)})
	return call, nil
}

func (c *Client) removeCall(call *Call) {
	c.mu.Lock()
	if c.calls[call.id] == call {
		delete(c.calls, call.id)
	}
	c.mu.Unlock()
}

// activeDirectConnectionCall finds a live data-channel session with the
// endpoint so repeated starts reuse it.
func (c *Client) activeDirectConnectionCall(endpointID string) *Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, call := range c.calls {
		if call.Target() == TargetDirectConnection &&
			call.RemoteEndpoint() == endpointID &&
			call.State() != StateTerminated {
			return call
		}
	}
	return nil
}

func (c *Client) getOrCreateEndpoint(id string) *Endpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	ep := c.endpoints[id]
	if ep == nil {
		ep = newEndpoint(c, id)
		c.endpoints[id] = ep
	}
	return ep
}

func (c *Client) getOrCreateGroup(id string) *Group {
	c.mu.Lock()
	defer c.mu.Unlock()
	g := c.groups[id]
	if g == nil {
		g = newGroup(c, id)
		c.groups[id] = g
	}
	return g
}

func (c *Client) noteJoined(id string) {
	c.mu.Lock()
	c.joined[id] = true
	c.mu.Unlock()
}

func (c *Client) noteLeft(id string) {
	c.mu.Lock()
	delete(c.joined, id)
	c.mu.Unlock()
}

// iceServers fetches relay credentials for a new call.
func (c *Client) iceServers(ctx context.Context) ([]webrtc.ICEServer, error) {
	if c.cfg.DisableTurn {
		return nil, nil
	}
	return c.channel.GetTurnCredentials(ctx)
}

// Delegate hooks, invoked by the signaling channel.

// resolveSignal maps an inbound signal to its call, creating the callee
// side when a fresh offer arrives. Direct connections are capped at one per
// endpoint: an offer for a second session while one is live is unroutable.
func (c *Client) resolveSignal(s *Signal) *Call {
	c.mu.Lock()
	call := c.calls[s.SessionID]
	c.mu.Unlock()
	if call != nil {
		return call
	}
	if s.SignalType != SignalOffer {
		return nil
	}

	constraints := c.cfg.Constraints
	if s.Target == TargetDirectConnection {
		if c.activeDirectConnectionCall(s.FromEndpoint) != nil {
			return nil
		}
		constraints = CallConstraints{}
	}

	call = newCall(c, CallParams{
		SessionID:        s.SessionID,
		RemoteEndpoint:   s.FromEndpoint,
		RemoteConnection: s.FromConnection,
		Target:           s.Target,
		Caller:           false,
		Constraints:      constraints,
		Metadata:         s.Metadata,
	})
	c.mu.Lock()
	c.calls[call.id] = call
	c.mu.Unlock()

	call.start()
	c.fire("call", Event{Call: call, Endpoint: c.getOrCreateEndpoint(s.FromEndpoint)})
	return call
}

func (c *Client) handleMessage(p messagePush) {
	ep := c.getOrCreateEndpoint(p.From)
	msg := &Message{
		From:           p.From,
		FromConnection: p.FromConnection,
		Text:           p.Message,
		Timestamp:      pushTime(p.Timestamp),
	}
	ep.fire("message", Event{Endpoint: ep, Message: msg})
	c.fire("message", Event{Endpoint: ep, Message: msg})
}

func (c *Client) handlePubSub(p pubsubPush) {
	g := c.getOrCreateGroup(p.GroupID)
	msg := g.handleMessage(p.From, p.FromConnection, p.Message, pushTime(p.Timestamp))
	c.fire("message", Event{Group: g, Message: msg})
}

func (c *Client) handleJoin(p membershipPush) {
	g := c.getOrCreateGroup(p.GroupID)
	if p.EndpointID == c.EndpointID() && p.ConnectionID == c.ConnectionID() {
		g.mu.Lock()
		g.joined = true
		g.mu.Unlock()
		c.noteJoined(g.id)
	}
	g.handleJoin(p.EndpointID, p.ConnectionID)
}

func (c *Client) handleLeave(p membershipPush) {
	g := c.getOrCreateGroup(p.GroupID)
	if p.EndpointID == c.EndpointID() && p.ConnectionID == c.ConnectionID() {
		g.mu.Lock()
		g.joined = false
		g.mu.Unlock()
		c.noteLeft(g.id)
	}
	g.handleLeave(p.EndpointID, p.ConnectionID)
}

func (c *Client) handlePresence(p presencePush) {
	ep := c.getOrCreateEndpoint(p.EndpointID)
	if p.Presence == PresenceUnavailable {
		// The connection is gone; forget it instead of carrying a dead entry.
		ep.dropConnection(p.ConnectionID)
	} else {
		ep.setConnectionPresence(p.ConnectionID, p.Presence)
	}
	resolved := ep.Presence()
	ep.fire("presence", Event{Endpoint: ep, Presence: resolved})
	c.fire("presence", Event{Endpoint: ep, Presence: resolved})
}

func (c *Client) handleDisconnect(err error) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	c.fire("disconnect", Event{Err: err})
}

// handleReconnect restores session state after the channel reopened: one
// batched rejoin for every group, then presence.
func (c *Client) handleReconnect(ctx context.Context) error {
	c.mu.Lock()
	ids := make([]string, 0, len(c.joined))
	for id := range c.joined {
		ids = append(ids, id)
	}
	presence := c.presence
	c.mu.Unlock()
	sort.Strings(ids)

	if len(ids) > 0 {
		if err := c.channel.JoinGroups(ctx, ids...); err != nil {
			return err
		}
	}
	if presence != "" {
		if err := c.channel.SetPresence(ctx, presence); err != nil {
			c.logger.Warn().Err(err).Msg("presence not restored")
		}
	}

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	c.fire("reconnect", Event{})
	return nil
}

// bindDirectConnection surfaces a freshly negotiated data channel.
func (c *Client) bindDirectConnection(call *Call, dc *DirectConnection) {
	c.fire("direct-connection", Event{Call: call, DirectConnection: dc})
}

func pushTime(ms int64) time.Time {
	if ms == 0 {
		return time.Now()
	}
	return time.UnixMilli(ms)
}
