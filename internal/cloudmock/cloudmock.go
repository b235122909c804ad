// Package cloudmock is an in-process stand-in for the signaling service:
// token minting, the duplex websocket with its request/response frames, and
// the push fan-out for signals, messages, groups and presence. Tests and the
// local commands run against it instead of the real service.
package cloudmock

import (
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Config tunes one Service instance.
type Config struct {
	// AppID accepted by the token endpoint.
	AppID string
	// Secret signs session tokens.
	Secret string
	// TokenTTL bounds minted endpoint tokens. Zero means six hours.
	TokenTTL time.Duration
	// RateLimit caps request frames per connection per RateInterval.
	// Zero disables limiting.
	RateLimit    int
	RateInterval time.Duration
	// Mode selects the gin mode, "release" by default.
	Mode string
}

type injectedFailure struct {
	status int
	body   any
}

type historyEntry struct {
	From      string `json:"from"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

const historyCap = 100

// Service holds the whole mock state: grants, live sessions, group
// membership, presence and its observers.
type Service struct {
	cfg     Config
	limiter *rateLimiter

	mu        sync.Mutex
	tokens    map[string]tokenGrant
	sessions  map[string]*session            // by connection id
	endpoints map[string]map[string]*session // endpoint id -> connection id
	groups    map[string]map[string]*session // group id -> connection id
	created   map[string]bool
	history   map[string][]historyEntry
	presence  map[string]string              // connection id -> presence
	observers map[string]map[string]*session // watched endpoint -> observer connection
	requests  map[string]int                 // "METHOD path" -> frames seen
	failures  []injectedFailure
	swallow   int
	debugs    []map[string]any
}

// New builds a Service. Call Router to mount it.
func New(cfg Config) *Service {
	if cfg.TokenTTL == 0 {
		cfg.TokenTTL = 6 * time.Hour
	}
	if cfg.RateInterval == 0 {
		cfg.RateInterval = time.Second
	}
	svc := &Service{
		cfg:       cfg,
		tokens:    make(map[string]tokenGrant),
		sessions:  make(map[string]*session),
		endpoints: make(map[string]map[string]*session),
		groups:    make(map[string]map[string]*session),
		created:   make(map[string]bool),
		history:   make(map[string][]historyEntry),
		presence:  make(map[string]string),
		observers: make(map[string]map[string]*session),
		requests:  make(map[string]int),
	}
	if cfg.RateLimit > 0 {
		svc.limiter = newRateLimiter(cfg.RateLimit, cfg.RateInterval)
	}
	return svc
}

// FailNext makes the next request frame fail with the given status and
// body, regardless of what it asks. Queued failures are consumed in order.
func (svc *Service) FailNext(status int, body any) {
	svc.mu.Lock()
	svc.failures = append(svc.failures, injectedFailure{status: status, body: body})
	svc.mu.Unlock()
}

func (svc *Service) takeFailure() (injectedFailure, bool) {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	if len(svc.failures) == 0 {
		return injectedFailure{}, false
	}
	f := svc.failures[0]
	svc.failures = svc.failures[1:]
	return f, true
}

// SwallowNext makes the next request frame disappear: no response is ever
// sent, leaving the caller waiting on its timeout or on disconnection.
func (svc *Service) SwallowNext() {
	svc.mu.Lock()
	svc.swallow++
	svc.mu.Unlock()
}

func (svc *Service) takeSwallow() bool {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	if svc.swallow == 0 {
		return false
	}
	svc.swallow--
	return true
}

// CallDebugs returns the reports received so far.
func (svc *Service) CallDebugs() []map[string]any {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	out := make([]map[string]any, len(svc.debugs))
	copy(out, svc.debugs)
	return out
}

// RequestCount reports how many request frames arrived for the method and
// path, query excluded. Tests use it to assert batching collapsed calls.
func (svc *Service) RequestCount(method, path string) int {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	return svc.requests[method+" "+path]
}

func (svc *Service) countRequest(method, path string) {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	svc.mu.Lock()
	svc.requests[method+" "+path]++
	svc.mu.Unlock()
}

// GroupMembers lists the endpoint ids currently in the group, sorted and
// deduplicated across connections.
func (svc *Service) GroupMembers(groupID string) []string {
	svc.mu.Lock()
	seen := make(map[string]bool)
	for _, t := range svc.groups[groupID] {
		seen[t.endpointID] = true
	}
	svc.mu.Unlock()

	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// DropEndpoint force-closes every live connection of the endpoint,
// simulating a transport loss. Cleanup runs through the read pumps.
func (svc *Service) DropEndpoint(endpointID string) {
	svc.mu.Lock()
	conns := svc.endpoints[endpointID]
	victims := make([]*session, 0, len(conns))
	for _, t := range conns {
		victims = append(victims, t)
	}
	svc.mu.Unlock()

	for _, t := range victims {
		t.close()
	}
}

// Router mounts the HTTP surface: auth endpoints plus the websocket
// upgrade. Everything else rides the socket as request frames.
func (svc *Service) Router() *gin.Engine {
	if svc.cfg.Mode != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if svc.cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := r.Group("/v1")
	v1.POST("/tokens", svc.handleMintToken)
	v1.POST("/session-tokens", svc.handleSessionToken)
	v1.DELETE("/session-tokens", func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
	v1.GET("/connect", svc.handleConnect)

	log.Info().Str("module", "cloudmock").Str("app_id", svc.cfg.AppID).Msg("router setup")
	return r
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleConnect validates the session token and upgrades to the duplex
// session.
func (svc *Service) handleConnect(c *gin.Context) {
	token := c.Query("app-token")
	if token == "" {
		token = c.GetHeader("App-Token")
	}
	endpointID, err := svc.verifySessionToken(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid session token"})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "cloudmock").Msg("ws upgrade")
		return
	}
	log.Info().Str("module", "cloudmock").Str("endpoint", endpointID).Msg("new session")

	sess := &session{
		svc:        svc,
		conn:       ws,
		send:       make(chan []byte, 32),
		endpointID: endpointID,
	}

	go sess.writePump()
	go sess.readPump()
}

// dropSession cleans a dead connection out of every index and announces the
// fallout: leave pushes to its groups, unavailable to its observers.
func (svc *Service) dropSession(s *session) {
	if s.connectionID == "" {
		return
	}

	svc.mu.Lock()
	delete(svc.sessions, s.connectionID)
	if conns := svc.endpoints[s.endpointID]; conns != nil {
		delete(conns, s.connectionID)
		if len(conns) == 0 {
			delete(svc.endpoints, s.endpointID)
		}
	}
	delete(svc.presence, s.connectionID)
	for _, obs := range svc.observers {
		delete(obs, s.connectionID)
	}

	var leftGroups []string
	for groupID, members := range svc.groups {
		if _, ok := members[s.connectionID]; ok {
			delete(members, s.connectionID)
			leftGroups = append(leftGroups, groupID)
		}
	}
	watchers := svc.observersOfLocked(s.endpointID)
	svc.mu.Unlock()

	for _, groupID := range leftGroups {
		svc.fanoutMembership("leave", groupID, s.endpointID, s.connectionID)
	}
	for _, w := range watchers {
		w.push("presence", map[string]any{
			"endpointId":   s.endpointID,
			"connectionId": s.connectionID,
			"presence":     "unavailable",
		})
	}
}

// observersOfLocked snapshots the watchers of an endpoint. Caller holds
// svc.mu.
func (svc *Service) observersOfLocked(endpointID string) []*session {
	obs := svc.observers[endpointID]
	out := make([]*session, 0, len(obs))
	for _, w := range obs {
		out = append(out, w)
	}
	return out
}

func writeDeadline() time.Time {
	return time.Now().Add(5 * time.Second)
}
