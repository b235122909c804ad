package cloudmock

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type requestFrame struct {
	Type    string `json:"type"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Path    string `json:"path"`
	Headers struct {
		AppToken string `json:"App-Token"`
		SDK      string `json:"Respoke-SDK"`
	} `json:"headers"`
	Data json.RawMessage `json:"data"`
}

// handleRequest routes one request frame. Injected failures and the rate
// limiter run before any routing so every path can be made to fail.
func (svc *Service) handleRequest(s *session, raw []byte) {
	var req requestFrame
	if err := json.Unmarshal(raw, &req); err != nil {
		log.Error().Err(err).Str("module", "cloudmock").Msg("bad request frame")
		return
	}
	svc.countRequest(req.Method, req.Path)

	if svc.takeSwallow() {
		return
	}
	if f, ok := svc.takeFailure(); ok {
		s.respond(req.ID, f.status, f.body)
		return
	}
	if svc.limiter != nil && !svc.limiter.allow(s.endpointID) {
		s.respond(req.ID, http.StatusTooManyRequests, map[string]any{"error": "rate limit exceeded"})
		return
	}

	path := req.Path
	var query url.Values
	if i := strings.IndexByte(path, '?'); i >= 0 {
		query, _ = url.ParseQuery(path[i+1:])
		path = path[:i]
	}
	segs := splitPath(path)

	switch {
	case req.Method == http.MethodPost && path == "/v1/connections":
		svc.handleRegisterConnection(s, req)
	case req.Method == http.MethodDelete && path == "/v1/connections":
		svc.handleDeregisterConnection(s, req)
	case req.Method == http.MethodPost && path == "/v1/signaling":
		svc.handleSignaling(s, req)
	case req.Method == http.MethodPost && path == "/v1/messages":
		svc.handleSendMessage(s, req)
	case req.Method == http.MethodPost && path == "/v1/groups/":
		svc.handleGroups(s, req, true)
	case req.Method == http.MethodDelete && path == "/v1/groups/":
		svc.handleGroups(s, req, false)
	case req.Method == http.MethodGet && len(segs) == 4 && segs[1] == "groups" && segs[3] == "history":
		svc.handleHistory(s, req, segs[2], query)
	case req.Method == http.MethodPost && path == "/v1/channels/":
		svc.handleCreateChannel(s, req)
	case req.Method == http.MethodGet && len(segs) == 4 && segs[1] == "channels" && segs[3] == "subscribers":
		svc.handleSubscribers(s, req, segs[2])
	case req.Method == http.MethodPost && len(segs) == 4 && segs[1] == "channels" && segs[3] == "publish":
		svc.handlePublish(s, req, segs[2])
	case req.Method == http.MethodPost && path == "/v1/presence":
		svc.handleSetPresence(s, req)
	case req.Method == http.MethodPost && path == "/v1/presenceobservers":
		svc.handleObservers(s, req)
	case req.Method == http.MethodGet && path == "/v1/turn":
		svc.handleTurn(s, req)
	case req.Method == http.MethodGet && len(segs) == 3 && segs[1] == "conferences":
		svc.handleConferenceInfo(s, req, segs[2])
	case req.Method == http.MethodDelete && len(segs) == 5 && segs[1] == "conferences" && segs[3] == "participants":
		svc.handleKickParticipant(s, req, segs[2], segs[4])
	case req.Method == http.MethodDelete && len(segs) == 3 && segs[1] == "conferences":
		svc.handleEndConference(s, req, segs[2])
	case req.Method == http.MethodPost && path == "/v1/call-debugs":
		svc.handleCallDebug(s, req)
	default:
		s.respond(req.ID, http.StatusNotFound, map[string]any{"error": "no such route"})
	}
}

func splitPath(p string) []string {
	return strings.Split(strings.Trim(p, "/"), "/")
}

func nowMs() int64 { return time.Now().UnixMilli() }

func (svc *Service) handleRegisterConnection(s *session, req requestFrame) {
	id := uuid.NewString()

	svc.mu.Lock()
	s.connectionID = id
	svc.sessions[id] = s
	if svc.endpoints[s.endpointID] == nil {
		svc.endpoints[s.endpointID] = make(map[string]*session)
	}
	svc.endpoints[s.endpointID][id] = s
	svc.presence[id] = "unavailable"
	svc.mu.Unlock()

	log.Info().Str("module", "cloudmock").
		Str("endpoint", s.endpointID).
		Str("connection_id", id).
		Msg("connection registered")
	s.respond(req.ID, http.StatusOK, map[string]any{"id": id, "endpointId": s.endpointID})
}

func (svc *Service) handleDeregisterConnection(s *session, req requestFrame) {
	s.respond(req.ID, http.StatusNoContent, nil)
	svc.dropSession(s)
}

func (svc *Service) handleSignaling(s *session, req requestFrame) {
	var body struct {
		Signal       string `json:"signal"`
		To           string `json:"to"`
		ToConnection string `json:"toConnection"`
		ToType       string `json:"toType"`
		CCSelf       bool   `json:"ccSelf"`
	}
	if err := json.Unmarshal(req.Data, &body); err != nil || body.To == "" || body.Signal == "" {
		s.respond(req.ID, http.StatusBadRequest, map[string]any{"error": "missing to or signal"})
		return
	}

	var sig map[string]any
	if err := json.Unmarshal([]byte(body.Signal), &sig); err != nil {
		s.respond(req.ID, http.StatusBadRequest, map[string]any{"error": "unparsable signal"})
		return
	}
	sig["fromEndpoint"] = s.endpointID
	sig["fromConnection"] = s.connectionID
	sig["fromType"] = "web"
	sig["toOriginal"] = body.To
	stamped, err := json.Marshal(sig)
	if err != nil {
		s.respond(req.ID, http.StatusInternalServerError, map[string]any{"error": "signal encode failed"})
		return
	}

	targets, known := svc.fanoutTargets(body.To, body.ToConnection, body.CCSelf, s)
	if !known {
		s.respond(req.ID, http.StatusNotFound, map[string]any{"error": "endpoint does not exist"})
		return
	}
	payload := map[string]any{"signal": string(stamped)}
	for _, t := range targets {
		t.push("signal", payload)
	}
	s.respond(req.ID, http.StatusOK, nil)
}

func (svc *Service) handleSendMessage(s *session, req requestFrame) {
	var body struct {
		To           string `json:"to"`
		ToConnection string `json:"toConnection"`
		Message      string `json:"message"`
		CCSelf       bool   `json:"ccSelf"`
	}
	if err := json.Unmarshal(req.Data, &body); err != nil || body.To == "" {
		s.respond(req.ID, http.StatusBadRequest, map[string]any{"error": "missing to"})
		return
	}

	targets, known := svc.fanoutTargets(body.To, body.ToConnection, body.CCSelf, s)
	if !known {
		s.respond(req.ID, http.StatusNotFound, map[string]any{"error": "endpoint does not exist"})
		return
	}
	data := map[string]any{
		"from":           s.endpointID,
		"fromConnection": s.connectionID,
		"message":        body.Message,
		"timestamp":      nowMs(),
	}
	for _, t := range targets {
		t.push("message", data)
	}
	s.respond(req.ID, http.StatusOK, nil)
}

// fanoutTargets resolves delivery for signals and messages: every
// connection of the target endpoint except the sender itself, optionally
// pinned to one connection, plus the sender's other connections when ccSelf
// is set. The second return value is false when the endpoint is unknown.
func (svc *Service) fanoutTargets(to, toConnection string, ccSelf bool, sender *session) ([]*session, bool) {
	svc.mu.Lock()
	defer svc.mu.Unlock()

	conns, ok := svc.endpoints[to]
	if !ok {
		return nil, false
	}
	var out []*session
	for id, t := range conns {
		if id == sender.connectionID {
			continue
		}
		if toConnection != "" && id != toConnection {
			continue
		}
		out = append(out, t)
	}
	if ccSelf && to != sender.endpointID {
		for id, t := range svc.endpoints[sender.endpointID] {
			if id == sender.connectionID {
				continue
			}
			out = append(out, t)
		}
	}
	return out, true
}

func (svc *Service) handleGroups(s *session, req requestFrame, join bool) {
	var body struct {
		Groups []string `json:"groups"`
	}
	if err := json.Unmarshal(req.Data, &body); err != nil || len(body.Groups) == 0 {
		s.respond(req.ID, http.StatusBadRequest, map[string]any{"error": "missing groups"})
		return
	}

	for _, g := range body.Groups {
		if g == "" {
			continue
		}
		if join {
			svc.mu.Lock()
			if svc.groups[g] == nil {
				svc.groups[g] = make(map[string]*session)
			}
			svc.groups[g][s.connectionID] = s
			svc.mu.Unlock()
			svc.fanoutMembership("join", g, s.endpointID, s.connectionID)
		} else {
			// Announce before removal so the leaver hears its own leave.
			svc.fanoutMembership("leave", g, s.endpointID, s.connectionID)
			svc.mu.Lock()
			if members := svc.groups[g]; members != nil {
				delete(members, s.connectionID)
			}
			svc.mu.Unlock()
		}
	}
	s.respond(req.ID, http.StatusOK, nil)
}

func (svc *Service) fanoutMembership(kind, groupID, endpointID, connectionID string) {
	svc.mu.Lock()
	members := svc.groups[groupID]
	targets := make([]*session, 0, len(members))
	for _, t := range members {
		targets = append(targets, t)
	}
	svc.mu.Unlock()

	data := map[string]any{
		"groupId":      groupID,
		"endpointId":   endpointID,
		"connectionId": connectionID,
	}
	for _, t := range targets {
		t.push(kind, data)
	}
}

func (svc *Service) handleHistory(s *session, req requestFrame, groupID string, query url.Values) {
	limit := 0
	if raw := query.Get("limit"); raw != "" {
		limit, _ = strconv.Atoi(raw)
	}

	svc.mu.Lock()
	entries := svc.history[groupID]
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	out := make([]historyEntry, len(entries))
	copy(out, entries)
	svc.mu.Unlock()

	s.respond(req.ID, http.StatusOK, out)
}

func (svc *Service) handleCreateChannel(s *session, req requestFrame) {
	var body struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(req.Data, &body); err != nil || body.ID == "" {
		s.respond(req.ID, http.StatusBadRequest, map[string]any{"error": "missing id"})
		return
	}
	svc.mu.Lock()
	svc.created[body.ID] = true
	svc.mu.Unlock()
	s.respond(req.ID, http.StatusOK, nil)
}

func (svc *Service) handleSubscribers(s *session, req requestFrame, groupID string) {
	svc.mu.Lock()
	members, ok := svc.groups[groupID]
	if !ok && !svc.created[groupID] {
		svc.mu.Unlock()
		s.respond(req.ID, http.StatusNotFound, map[string]any{"error": "channel does not exist"})
		return
	}
	out := make([]map[string]any, 0, len(members))
	for id, t := range members {
		out = append(out, map[string]any{"endpointId": t.endpointID, "connectionId": id})
	}
	svc.mu.Unlock()

	s.respond(req.ID, http.StatusOK, out)
}

func (svc *Service) handlePublish(s *session, req requestFrame, groupID string) {
	var body struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(req.Data, &body); err != nil {
		s.respond(req.ID, http.StatusBadRequest, map[string]any{"error": "bad payload"})
		return
	}

	svc.mu.Lock()
	members, ok := svc.groups[groupID]
	if !ok && !svc.created[groupID] {
		svc.mu.Unlock()
		s.respond(req.ID, http.StatusNotFound, map[string]any{"error": "channel does not exist"})
		return
	}
	entries := append(svc.history[groupID], historyEntry{
		From:      s.endpointID,
		Message:   body.Message,
		Timestamp: nowMs(),
	})
	if len(entries) > historyCap {
		entries = entries[len(entries)-historyCap:]
	}
	svc.history[groupID] = entries
	targets := make([]*session, 0, len(members))
	for _, t := range members {
		targets = append(targets, t)
	}
	svc.mu.Unlock()

	data := map[string]any{
		"groupId":        groupID,
		"from":           s.endpointID,
		"fromConnection": s.connectionID,
		"message":        body.Message,
		"timestamp":      nowMs(),
	}
	for _, t := range targets {
		t.push("pubsub", data)
	}
	s.respond(req.ID, http.StatusOK, nil)
}

func (svc *Service) handleSetPresence(s *session, req requestFrame) {
	var body struct {
		Presence struct {
			Type string `json:"type"`
		} `json:"presence"`
	}
	if err := json.Unmarshal(req.Data, &body); err != nil || body.Presence.Type == "" {
		s.respond(req.ID, http.StatusBadRequest, map[string]any{"error": "missing presence"})
		return
	}

	svc.mu.Lock()
	svc.presence[s.connectionID] = body.Presence.Type
	watchers := svc.observersOfLocked(s.endpointID)
	svc.mu.Unlock()

	data := map[string]any{
		"endpointId":   s.endpointID,
		"connectionId": s.connectionID,
		"presence":     body.Presence.Type,
	}
	for _, w := range watchers {
		w.push("presence", data)
	}
	s.respond(req.ID, http.StatusOK, nil)
}

// handleObservers registers the requester as a presence observer and
// reports the current presence of every watched connection back to it.
func (svc *Service) handleObservers(s *session, req requestFrame) {
	var body struct {
		EndpointList []string `json:"endpointList"`
	}
	if err := json.Unmarshal(req.Data, &body); err != nil || len(body.EndpointList) == 0 {
		s.respond(req.ID, http.StatusBadRequest, map[string]any{"error": "missing endpointList"})
		return
	}

	type report struct {
		endpointID   string
		connectionID string
		presence     string
	}
	var reports []report

	svc.mu.Lock()
	for _, id := range body.EndpointList {
		if svc.observers[id] == nil {
			svc.observers[id] = make(map[string]*session)
		}
		svc.observers[id][s.connectionID] = s
		for connID := range svc.endpoints[id] {
			reports = append(reports, report{
				endpointID:   id,
				connectionID: connID,
				presence:     svc.presence[connID],
			})
		}
	}
	svc.mu.Unlock()

	for _, r := range reports {
		s.push("presence", map[string]any{
			"endpointId":   r.endpointID,
			"connectionId": r.connectionID,
			"presence":     r.presence,
		})
	}
	s.respond(req.ID, http.StatusOK, nil)
}

func (svc *Service) handleTurn(s *session, req requestFrame) {
	s.respond(req.ID, http.StatusOK, map[string]any{
		"username": "mock-user",
		"password": uuid.NewString(),
		"ttl":      86400,
		"uris":     []string{"stun:127.0.0.1:3478"},
	})
}

func (svc *Service) handleConferenceInfo(s *session, req requestFrame, conferenceID string) {
	svc.mu.Lock()
	members, ok := svc.groups[conferenceID]
	if !ok {
		svc.mu.Unlock()
		s.respond(req.ID, http.StatusNotFound, map[string]any{"error": "conference does not exist"})
		return
	}
	participants := make([]map[string]any, 0, len(members))
	for id, t := range members {
		participants = append(participants, map[string]any{
			"endpointId":   t.endpointID,
			"connectionId": id,
			"joinedAt":     nowMs(),
		})
	}
	svc.mu.Unlock()

	s.respond(req.ID, http.StatusOK, map[string]any{"participants": participants})
}

func (svc *Service) handleEndConference(s *session, req requestFrame, conferenceID string) {
	svc.mu.Lock()
	members := svc.groups[conferenceID]
	victims := make([]*session, 0, len(members))
	for _, t := range members {
		victims = append(victims, t)
	}
	svc.mu.Unlock()

	for _, t := range victims {
		svc.fanoutMembership("leave", conferenceID, t.endpointID, t.connectionID)
	}
	svc.mu.Lock()
	delete(svc.groups, conferenceID)
	svc.mu.Unlock()

	s.respond(req.ID, http.StatusNoContent, nil)
}

func (svc *Service) handleKickParticipant(s *session, req requestFrame, conferenceID, endpointID string) {
	svc.mu.Lock()
	members := svc.groups[conferenceID]
	var victims []*session
	for _, t := range members {
		if t.endpointID == endpointID {
			victims = append(victims, t)
		}
	}
	svc.mu.Unlock()

	for _, t := range victims {
		svc.fanoutMembership("leave", conferenceID, t.endpointID, t.connectionID)
		svc.mu.Lock()
		if m := svc.groups[conferenceID]; m != nil {
			delete(m, t.connectionID)
		}
		svc.mu.Unlock()
	}
	s.respond(req.ID, http.StatusNoContent, nil)
}

func (svc *Service) handleCallDebug(s *session, req requestFrame) {
	var report map[string]any
	if err := json.Unmarshal(req.Data, &report); err != nil {
		s.respond(req.ID, http.StatusBadRequest, map[string]any{"error": "bad payload"})
		return
	}
	svc.mu.Lock()
	svc.debugs = append(svc.debugs, report)
	svc.mu.Unlock()
	s.respond(req.ID, http.StatusNoContent, nil)
}
