package respoke

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// pendingRequest is one in-flight RPC. The response frame carrying the same
// id completes it; a transport loss fails every pending request at once.
type pendingRequest struct {
	id        uint64
	method    string
	path      string
	tries     int
	startedAt time.Time

	done chan struct{}
	resp *responseFrame
	err  error
}

// Response is a resolved RPC. The core resolves the pass-through status set
// {200, 204, 205, 302, 401, 403, 404, 418}; callers that only accept success
// use Err or Decode.
type Response struct {
	Status int
	Body   json.RawMessage
}

// Decode unmarshals the body into v. A missing body decodes to nothing.
func (r *Response) Decode(v any) error {
	if len(r.Body) == 0 {
		return nil
	}
	return json.Unmarshal(r.Body, v)
}

// Err maps a non-2xx status to a *RequestError.
func (r *Response) Err() error {
	if r.Status >= 200 && r.Status < 300 {
		return nil
	}
	var class error
	if r.Status == http.StatusUnauthorized || r.Status == http.StatusForbidden {
		class = ErrAuth
	}
	return &RequestError{
		Status:  r.Status,
		Tries:   1,
		Message: statusMessage(r.Status, r.Body),
		class:   class,
	}
}

type requestParams struct {
	// pathParams substitute {name} placeholders in the path template.
	pathParams map[string]string
	// query is serialized onto the path for GET and DELETE.
	query map[string]any
	// body is marshaled into the frame data.
	body any
}

// Request runs one RPC over the duplex session. body may be nil.
func (c *SignalingChannel) Request(ctx context.Context, method, path string, body any) (*Response, error) {
	return c.request(ctx, method, path, requestParams{body: body})
}

func (c *SignalingChannel) request(ctx context.Context, method, path string, p requestParams) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.requestTimeout)
	defer cancel()

	fullPath := expandPath(path, p.pathParams)
	if (method == http.MethodGet || method == http.MethodDelete) && len(p.query) > 0 {
		if qs := encodeQuery(p.query); qs != "" {
			fullPath += "?" + qs
		}
	}

	var data json.RawMessage
	if p.body != nil {
		raw, err := json.Marshal(p.body)
		if err != nil {
			return nil, err
		}
		if len(raw) > bodyByteLimit {
			return nil, &RequestError{
				Message: fmt.Sprintf("request body is %d bytes, over the %d byte limit", len(raw), bodyByteLimit),
				class:   ErrRequestTooLarge,
			}
		}
		data = raw
	}

	for tries := 1; ; tries++ {
		resp, err := c.attempt(ctx, method, fullPath, data, tries)
		if err != nil {
			return nil, err
		}

		switch {
		case resp.Status == http.StatusTooManyRequests:
			if tries >= maxRequestTries {
				return nil, &RequestError{
					Status:  resp.Status,
					Tries:   tries,
					Message: fmt.Sprintf("service rate limit hit, giving up after %d tries", tries),
					class:   ErrRateLimited,
				}
			}
			c.logger.Warn().Str("method", method).Str("path", fullPath).Int("tries", tries).Msg("rate limited, retrying")
			select {
			case <-time.After(c.cfg.retryInterval):
			case <-ctx.Done():
				return nil, ctx.Err()
			}

		case resp.Status == http.StatusUnauthorized:
			if suspended := suspensionError(resp.Body); suspended != nil {
				return nil, &RequestError{Status: resp.Status, Tries: tries, Message: suspended.Error(), class: suspended}
			}
			return resp, nil

		case passThroughStatus(resp.Status):
			return resp, nil

		default:
			return nil, &RequestError{
				Status:  resp.Status,
				Tries:   tries,
				Message: statusMessage(resp.Status, resp.Body),
			}
		}
	}
}

// passThroughStatus lists the statuses the core resolves with the body so
// the operation layer can interpret them.
func passThroughStatus(status int) bool {
	switch status {
	case 200, 204, 205, 302, 401, 403, 404, 418:
		return true
	}
	return false
}

// attempt sends one frame and waits for its response.
func (c *SignalingChannel) attempt(ctx context.Context, method, path string, data json.RawMessage, tries int) (*Response, error) {
	sess, err := c.session()
	if err != nil {
		return nil, err
	}
	c.mu.RLock()
	appToken := c.appToken
	c.mu.RUnlock()

	c.reqMu.Lock()
	c.nextID++
	pr := &pendingRequest{
		id:        c.nextID,
		method:    method,
		path:      path,
		tries:     tries,
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}
	c.pending[pr.id] = pr
	c.reqMu.Unlock()

	frame, err := json.Marshal(requestFrame{
		Type:   frameRequest,
		ID:     pr.id,
		Method: method,
		Path:   path,
		Headers: frameHeaders{
			AppToken: appToken,
			SDK:      sdkHeaderValue,
		},
		Data: data,
	})
	if err != nil {
		c.dropPending(pr.id)
		return nil, err
	}

	if err := sess.enqueue(ctx, frame); err != nil {
		c.dropPending(pr.id)
		return nil, err
	}

	select {
	case <-pr.done:
		if pr.err != nil {
			return nil, pr.err
		}
		body, err := normalizeBody(pr.resp.Body)
		if err != nil {
			return nil, err
		}
		c.logger.Debug().
			Str("method", method).
			Str("path", path).
			Int("status", pr.resp.Status).
			Dur("elapsed", time.Since(pr.startedAt)).
			Msg("request done")
		return &Response{Status: pr.resp.Status, Body: body}, nil
	case <-ctx.Done():
		c.dropPending(pr.id)
		return nil, ctx.Err()
	}
}

// normalizeBody unwraps bodies the service sends as JSON-encoded strings.
// An unparsable string body is a protocol error.
func normalizeBody(raw json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if trimmed[0] != '"' {
		return trimmed, nil
	}
	var inner string
	if err := json.Unmarshal(trimmed, &inner); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	if inner == "" {
		return nil, nil
	}
	if !json.Valid([]byte(inner)) {
		return nil, fmt.Errorf("%w: not json: %.60s", ErrBadResponse, inner)
	}
	return json.RawMessage(inner), nil
}

func (c *SignalingChannel) completePending(resp *responseFrame) {
	c.reqMu.Lock()
	pr, ok := c.pending[resp.ID]
	if ok {
		delete(c.pending, resp.ID)
	}
	c.reqMu.Unlock()

	if !ok {
		c.logger.Debug().Uint64("id", resp.ID).Msg("response for unknown request")
		return
	}
	pr.resp = resp
	close(pr.done)
}

func (c *SignalingChannel) dropPending(id uint64) {
	c.reqMu.Lock()
	delete(c.pending, id)
	c.reqMu.Unlock()
}

// rejectPending fails every in-flight request, typically on transport loss.
func (c *SignalingChannel) rejectPending(cause error) {
	c.reqMu.Lock()
	pending := c.pending
	c.pending = make(map[uint64]*pendingRequest)
	c.reqMu.Unlock()

	for _, pr := range pending {
		pr.err = &RequestError{
			Tries:   pr.tries,
			Message: fmt.Sprintf("%s %s aborted: %v", pr.method, pr.path, cause),
			class:   cause,
		}
		close(pr.done)
	}
	if len(pending) > 0 {
		c.logger.Warn().Int("count", len(pending)).Msg("rejected pending requests")
	}
}
