package respoke

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	// writeWait is the deadline for one socket write.
	writeWait = 5 * time.Second
	// pongWait is how long the read side tolerates silence; pings go out at
	// pingPeriod to keep the deadline fed.
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// bodyByteLimit is the service-imposed cap on one request body.
	bodyByteLimit = 20000

	defaultRequestTimeout   = 30 * time.Second
	defaultBatchWindow      = 10 * time.Millisecond
	defaultRetryInterval    = time.Second
	defaultReconnectInitial = 2500 * time.Millisecond
	defaultReconnectMax     = 5 * time.Minute

	// maxRequestTries bounds rate-limit retries per request.
	maxRequestTries = 3
)

// channelDelegate is what the signaling channel needs from its owner: call
// resolution for inbound signals, push fan-out, and the reconnect hook that
// restores group membership.
type channelDelegate interface {
	resolveSignal(s *Signal) *Call
	handleMessage(p messagePush)
	handlePubSub(p pubsubPush)
	handleJoin(p membershipPush)
	handleLeave(p membershipPush)
	handlePresence(p presencePush)
	handleDisconnect(err error)
	handleReconnect(ctx context.Context) error
}

// channelConfig carries the signaling channel tunables. Zero values fall
// back to the package defaults.
type channelConfig struct {
	baseURL         string
	appID           string
	endpointID      string
	developmentMode bool
	reconnect       bool

	requestTimeout   time.Duration
	retryInterval    time.Duration
	batchWindow      time.Duration
	reconnectInitial time.Duration
	reconnectMax     time.Duration

	httpClient *http.Client
	logger     zerolog.Logger
}

func (cfg *channelConfig) withDefaults() {
	if cfg.requestTimeout == 0 {
		cfg.requestTimeout = defaultRequestTimeout
	}
	if cfg.retryInterval == 0 {
		cfg.retryInterval = defaultRetryInterval
	}
	if cfg.batchWindow == 0 {
		cfg.batchWindow = defaultBatchWindow
	}
	if cfg.reconnectInitial == 0 {
		cfg.reconnectInitial = defaultReconnectInitial
	}
	if cfg.reconnectMax == 0 {
		cfg.reconnectMax = defaultReconnectMax
	}
	if cfg.httpClient == nil {
		cfg.httpClient = http.DefaultClient
	}
}

// SignalingChannel owns the duplex session to the service: one websocket,
// request/response multiplexing on top of it, push routing, batched
// membership RPCs and reconnection.
type SignalingChannel struct {
	cfg      channelConfig
	logger   zerolog.Logger
	delegate channelDelegate

	mu           sync.RWMutex
	sess         *wsSession
	appToken     string
	tokenID      string
	connectionID string
	endpointID   string

	reqMu   sync.Mutex
	nextID  uint64
	pending map[uint64]*pendingRequest

	batchMu       sync.Mutex
	joinBatch     *membershipBatch
	leaveBatch    *membershipBatch
	presenceBatch *membershipBatch
	registered    map[string]bool

	reconnecting atomic.Bool
	closed       atomic.Bool
}

func newSignalingChannel(cfg channelConfig, delegate channelDelegate) *SignalingChannel {
	cfg.withDefaults()
	c := &SignalingChannel{
		cfg:      cfg,
		logger:   cfg.logger.With().Str("module", "signaling").Logger(),
		delegate: delegate,
		pending:  make(map[uint64]*pendingRequest),
	}
	c.joinBatch = newMembershipBatch(cfg.batchWindow, c.flushJoin, nil)
	c.leaveBatch = newMembershipBatch(cfg.batchWindow, c.flushLeave, nil)
	c.presenceBatch = newMembershipBatch(cfg.batchWindow, c.flushPresence, c.markRegistered)
	c.registered = make(map[string]bool)
	return c
}

// Connected reports whether the duplex session is up.
func (c *SignalingChannel) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sess != nil
}

// ConnectionID returns the server-assigned id of this connection, empty
// before the session is registered.
func (c *SignalingChannel) ConnectionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connectionID
}

// EndpointID returns the endpoint id the service bound this session to.
func (c *SignalingChannel) EndpointID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.endpointID
}

// Open authenticates and brings the duplex session up. authToken is a
// brokered token minted by the application's server; in development mode it
// may be empty and a token is requested from the service directly using the
// app id.
func (c *SignalingChannel) Open(ctx context.Context, authToken string) error {
	c.closed.Store(false)

	tokenID := authToken
	if tokenID == "" {
		if !c.cfg.developmentMode {
			return fmt.Errorf("%w: no token and development mode off", ErrAuth)
		}
		var err error
		tokenID, err = c.requestDevToken(ctx)
		if err != nil {
			return err
		}
	}

	appToken, err := c.requestSessionToken(ctx, tokenID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.tokenID = tokenID
	c.appToken = appToken
	c.mu.Unlock()

	if err := c.openSession(ctx); err != nil {
		return err
	}
	if err := c.registerConnection(ctx); err != nil {
		c.teardownSession()
		return err
	}
	return nil
}

// requestDevToken asks the service to mint an endpoint token. Development
// mode only; production tokens come from the application's own server.
func (c *SignalingChannel) requestDevToken(ctx context.Context) (string, error) {
	body := map[string]any{
		"appId":      c.cfg.appID,
		"endpointId": c.cfg.endpointID,
		"ttl":        60 * 60 * 6,
	}
	var out struct {
		TokenID string `json:"tokenId"`
	}
	if err := c.httpPost(ctx, "/v1/tokens", body, &out); err != nil {
		return "", fmt.Errorf("%w: %v", ErrAuth, err)
	}
	if out.TokenID == "" {
		return "", fmt.Errorf("%w: empty tokenId", ErrAuth)
	}
	return out.TokenID, nil
}

func (c *SignalingChannel) requestSessionToken(ctx context.Context, tokenID string) (string, error) {
	var out struct {
		Token string `json:"token"`
	}
	if err := c.httpPost(ctx, "/v1/session-tokens", map[string]any{"tokenId": tokenID}, &out); err != nil {
		return "", fmt.Errorf("%w: %v", ErrAuth, err)
	}
	if out.Token == "" {
		return "", fmt.Errorf("%w: empty session token", ErrAuth)
	}
	return out.Token, nil
}

func (c *SignalingChannel) httpPost(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Respoke-SDK", sdkHeaderValue)

	resp, err := c.cfg.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &RequestError{Status: resp.StatusCode, Tries: 1, Message: statusMessage(resp.StatusCode, raw)}
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}

func (c *SignalingChannel) httpDelete(ctx context.Context, path, appToken string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.cfg.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("App-Token", appToken)
	req.Header.Set("Respoke-SDK", sdkHeaderValue)
	resp, err := c.cfg.httpClient.Do(req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}

// openSession dials the websocket and starts the pumps.
func (c *SignalingChannel) openSession(ctx context.Context) error {
	c.mu.RLock()
	appToken := c.appToken
	c.mu.RUnlock()

	wsURL, err := websocketURL(c.cfg.baseURL, appToken)
	if err != nil {
		return err
	}

	header := http.Header{}
	header.Set("App-Token", appToken)
	header.Set("Respoke-SDK", sdkHeaderValue)

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.requestTimeout}
	conn, resp, err := dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return fmt.Errorf("%w: websocket handshake rejected", ErrAuth)
		}
		return err
	}

	sess := &wsSession{
		conn: conn,
		send: make(chan []byte, 32),
		done: make(chan struct{}),
	}

	c.mu.Lock()
	c.sess = sess
	c.mu.Unlock()

	go c.writePump(sess)
	go c.readPump(sess)

	c.logger.Info().Str("url", wsURL).Msg("session open")
	return nil
}

// registerConnection announces this connection to the service and records
// the assigned connection id.
func (c *SignalingChannel) registerConnection(ctx context.Context) error {
	resp, err := c.request(ctx, http.MethodPost, "/v1/connections", requestParams{})
	if err != nil {
		return err
	}
	if err := resp.Err(); err != nil {
		return err
	}
	var out struct {
		ID         string `json:"id"`
		EndpointID string `json:"endpointId"`
	}
	if err := resp.Decode(&out); err != nil {
		return err
	}
	c.mu.Lock()
	c.connectionID = out.ID
	c.endpointID = out.EndpointID
	c.mu.Unlock()
	c.logger.Info().Str("connection_id", out.ID).Str("endpoint", out.EndpointID).Msg("connection registered")
	return nil
}

// Close deregisters and tears the session down. Pending requests are
// rejected; no reconnect follows an explicit close.
func (c *SignalingChannel) Close(ctx context.Context) error {
	if c.closed.Swap(true) {
		return nil
	}

	c.mu.RLock()
	sess := c.sess
	appToken := c.appToken
	c.mu.RUnlock()

	if sess == nil {
		return nil
	}

	// Best effort: tell the service we are leaving before dropping the
	// socket.
	if _, err := c.request(ctx, http.MethodDelete, "/v1/connections", requestParams{}); err != nil {
		c.logger.Debug().Err(err).Msg("connection deregister failed")
	}

	c.mu.Lock()
	c.sess = nil
	c.connectionID = ""
	c.mu.Unlock()

	sess.close()
	c.rejectPending(ErrDisconnected)

	if appToken != "" {
		if err := c.httpDelete(ctx, "/v1/session-tokens", appToken); err != nil {
			c.logger.Debug().Err(err).Msg("session token delete failed")
		}
	}
	c.logger.Info().Msg("session closed")
	return nil
}

func websocketURL(base, appToken string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/connect"
	q := u.Query()
	q.Set("app-token", appToken)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// wsSession guards one websocket. Writes are funneled through the send
// channel to a single writer; done closes when the session dies and wakes
// every blocked sender.
type wsSession struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func (s *wsSession) enqueue(ctx context.Context, frame []byte) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrDisconnected
	}
	s.mu.RUnlock()

	select {
	case s.send <- frame:
		return nil
	case <-s.done:
		return ErrDisconnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *wsSession) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.done)
	_ = s.conn.Close()
	s.mu.Unlock()
}

func (c *SignalingChannel) writePump(s *wsSession) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.close()
	}()

	for {
		select {
		case <-s.done:
			return
		case frame := <-s.send:
			if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Error().Err(err).Msg("writePump set deadline")
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Error().Err(err).Msg("writePump write error")
				return
			}
		case <-ticker.C:
			if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Error().Err(err).Msg("writePump ping error")
				return
			}
		}
	}
}

func (c *SignalingChannel) readPump(s *wsSession) {
	defer func() {
		s.close()
		c.handleTransportLoss(s)
	}()

	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if !c.closed.Load() {
				c.logger.Error().Err(err).Msg("readPump read error")
			}
			return
		}
		c.handleFrame(data)
	}
}

// handleFrame dispatches one inbound frame. Pushes run on the read pump
// goroutine, preserving server delivery order.
func (c *SignalingChannel) handleFrame(data []byte) {
	var env frameEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.logger.Error().Err(err).Msg("bad frame json")
		return
	}

	switch env.Type {
	case frameResponse:
		var resp responseFrame
		if err := json.Unmarshal(data, &resp); err != nil {
			c.logger.Error().Err(err).Msg("bad response frame")
			return
		}
		c.completePending(&resp)
	case framePushSignal:
		c.handleSignalPush(env.Data)
	case framePushMessage:
		var p messagePush
		if err := json.Unmarshal(env.Data, &p); err != nil {
			c.logger.Error().Err(err).Msg("bad message push")
			return
		}
		c.delegate.handleMessage(p)
	case framePushPubSub:
		var p pubsubPush
		if err := json.Unmarshal(env.Data, &p); err != nil {
			c.logger.Error().Err(err).Msg("bad pubsub push")
			return
		}
		c.delegate.handlePubSub(p)
	case framePushJoin:
		var p membershipPush
		if err := json.Unmarshal(env.Data, &p); err != nil {
			c.logger.Error().Err(err).Msg("bad join push")
			return
		}
		c.delegate.handleJoin(p)
	case framePushLeave:
		var p membershipPush
		if err := json.Unmarshal(env.Data, &p); err != nil {
			c.logger.Error().Err(err).Msg("bad leave push")
			return
		}
		c.delegate.handleLeave(p)
	case framePushPresence:
		var p presencePush
		if err := json.Unmarshal(env.Data, &p); err != nil {
			c.logger.Error().Err(err).Msg("bad presence push")
			return
		}
		c.delegate.handlePresence(p)
	default:
		c.logger.Warn().Str("type", env.Type).Msg("unknown frame")
	}
}

func (c *SignalingChannel) handleSignalPush(data []byte) {
	var wrapper struct {
		Signal string `json:"signal"`
	}
	if err := json.Unmarshal(data, &wrapper); err != nil || wrapper.Signal == "" {
		c.logger.Error().Msg("signal push without signal payload")
		return
	}
	sig, err := parseSignal([]byte(wrapper.Signal))
	if err != nil {
		c.logger.Error().Err(err).Msg("dropping signal")
		return
	}
	if err := c.routeSignal(sig); err != nil {
		c.logger.Error().Err(err).Str("signal_type", string(sig.SignalType)).Msg("route signal")
	}
}

// handleTransportLoss runs when the read pump exits. Pending requests are
// failed immediately; reconnection proceeds in the background when enabled.
func (c *SignalingChannel) handleTransportLoss(s *wsSession) {
	c.mu.Lock()
	if c.sess != s {
		// Already replaced or intentionally closed.
		c.mu.Unlock()
		c.rejectPending(ErrDisconnected)
		return
	}
	c.sess = nil
	c.connectionID = ""
	c.mu.Unlock()

	c.rejectPending(ErrDisconnected)

	if c.closed.Load() {
		return
	}

	c.delegate.handleDisconnect(ErrDisconnected)

	if c.cfg.reconnect {
		go c.reconnectLoop()
	}
}

func (c *SignalingChannel) session() (*wsSession, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.sess == nil {
		return nil, ErrNotConnected
	}
	return c.sess, nil
}
