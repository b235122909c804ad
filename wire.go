package respoke

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// Frame kinds on the duplex session. Requests flow client to server and are
// answered by exactly one response frame with the same id. Everything else
// is a server push.
const (
	frameRequest  = "request"
	frameResponse = "response"

	framePushSignal   = "signal"
	framePushPubSub   = "pubsub"
	framePushJoin     = "join"
	framePushLeave    = "leave"
	framePushMessage  = "message"
	framePushPresence = "presence"
)

type frameHeaders struct {
	AppToken string `json:"App-Token,omitempty"`
	SDK      string `json:"Respoke-SDK,omitempty"`
}

type requestFrame struct {
	Type    string          `json:"type"`
	ID      uint64          `json:"id"`
	Method  string          `json:"method"`
	Path    string          `json:"path"`
	Headers frameHeaders    `json:"headers"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type responseFrame struct {
	Type   string          `json:"type"`
	ID     uint64          `json:"id"`
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body,omitempty"`
}

// frameEnvelope is the minimal decode used to tell responses from pushes.
type frameEnvelope struct {
	Type string          `json:"type"`
	ID   uint64          `json:"id"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Push payload shapes.

type messagePush struct {
	From           string `json:"from"`
	FromConnection string `json:"fromConnection,omitempty"`
	Message        string `json:"message"`
	Timestamp      int64  `json:"timestamp,omitempty"`
}

type pubsubPush struct {
	GroupID        string `json:"groupId"`
	From           string `json:"from"`
	FromConnection string `json:"fromConnection,omitempty"`
	Message        string `json:"message"`
	Timestamp      int64  `json:"timestamp,omitempty"`
}

type membershipPush struct {
	GroupID      string `json:"groupId"`
	EndpointID   string `json:"endpointId"`
	ConnectionID string `json:"connectionId"`
}

type presencePush struct {
	EndpointID   string `json:"endpointId"`
	ConnectionID string `json:"connectionId"`
	Presence     string `json:"presence"`
}

// expandPath substitutes {name} placeholders in a path template.
func expandPath(template string, params map[string]string) string {
	if len(params) == 0 {
		return template
	}
	out := template
	for name, value := range params {
		out = strings.ReplaceAll(out, "{"+name+"}", url.PathEscape(value))
	}
	return out
}

// encodeQuery serializes GET/DELETE parameters as k=v&k=v1,v2. Slices join
// with commas; parameters that are not scalars or slices of scalars are
// skipped. Keys are emitted in sorted order.
func encodeQuery(params map[string]any) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		v, ok := queryValue(params[k])
		if !ok {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(k))
		b.WriteByte('=')
		b.WriteString(v)
	}
	return b.String()
}

func queryValue(v any) (string, bool) {
	switch val := v.(type) {
	case nil:
		return "", false
	case string:
		return url.QueryEscape(val), true
	case bool, int, int32, int64, uint, uint32, uint64, float32, float64:
		return url.QueryEscape(fmt.Sprint(val)), true
	case []string:
		parts := make([]string, len(val))
		for i, s := range val {
			parts[i] = url.QueryEscape(s)
		}
		return strings.Join(parts, ","), true
	case []any:
		parts := make([]string, 0, len(val))
		for _, item := range val {
			s, ok := queryValue(item)
			if !ok {
				return "", false
			}
			parts = append(parts, s)
		}
		return strings.Join(parts, ","), true
	default:
		return "", false
	}
}
