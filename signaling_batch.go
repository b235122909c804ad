package respoke

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// batchPromise is the shared result of one batch window. Every caller that
// lands in the window holds the same promise.
type batchPromise struct {
	ids  []string
	seen map[string]bool
	done chan struct{}
	err  error
}

func (p *batchPromise) wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

var resolvedBatch = func() *batchPromise {
	p := &batchPromise{done: make(chan struct{})}
	close(p.done)
	return p
}()

// membershipBatch accumulates identifiers synchronously and flushes them as
// one RPC when the window timer fires. A new window opens with the first
// identifier added after a flush started.
type membershipBatch struct {
	mu        sync.Mutex
	window    time.Duration
	current   *batchPromise
	flush     func(ids []string) error
	onSuccess func(ids []string)
}

func newMembershipBatch(window time.Duration, flush func(ids []string) error, onSuccess func(ids []string)) *membershipBatch {
	return &membershipBatch{
		window:    window,
		flush:     flush,
		onSuccess: onSuccess,
	}
}

// add extends the current window with ids, opening a window if none is
// accumulating, and returns the window's promise. Duplicate ids within one
// window collapse; order of first appearance is preserved.
func (b *membershipBatch) add(ids []string) *batchPromise {
	if len(ids) == 0 {
		return resolvedBatch
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	p := b.current
	if p == nil {
		p = &batchPromise{
			seen: make(map[string]bool),
			done: make(chan struct{}),
		}
		b.current = p
		time.AfterFunc(b.window, func() { b.fire(p) })
	}
	for _, id := range ids {
		if !p.seen[id] {
			p.seen[id] = true
			p.ids = append(p.ids, id)
		}
	}
	return p
}

func (b *membershipBatch) fire(p *batchPromise) {
	b.mu.Lock()
	if b.current == p {
		b.current = nil
	}
	ids := p.ids
	b.mu.Unlock()

	p.err = b.flush(ids)
	if p.err == nil && b.onSuccess != nil {
		b.onSuccess(ids)
	}
	close(p.done)
}

// JoinGroups adds this connection to the named groups. Synchronous callers
// inside one batch window share a single /v1/groups/ RPC and its outcome.
func (c *SignalingChannel) JoinGroups(ctx context.Context, groupIDs ...string) error {
	return c.joinBatch.add(groupIDs).wait(ctx)
}

// LeaveGroups removes this connection from the named groups, batched like
// JoinGroups.
func (c *SignalingChannel) LeaveGroups(ctx context.Context, groupIDs ...string) error {
	return c.leaveBatch.add(groupIDs).wait(ctx)
}

// RegisterPresence subscribes to presence for the named endpoints. An
// endpoint whose registration already succeeded is skipped for good.
func (c *SignalingChannel) RegisterPresence(ctx context.Context, endpointIDs ...string) error {
	c.batchMu.Lock()
	fresh := make([]string, 0, len(endpointIDs))
	for _, id := range endpointIDs {
		if !c.registered[id] {
			fresh = append(fresh, id)
		}
	}
	c.batchMu.Unlock()

	return c.presenceBatch.add(fresh).wait(ctx)
}

func (c *SignalingChannel) markRegistered(endpointIDs []string) {
	c.batchMu.Lock()
	for _, id := range endpointIDs {
		c.registered[id] = true
	}
	c.batchMu.Unlock()
}

func (c *SignalingChannel) flushJoin(groupIDs []string) error {
	resp, err := c.request(context.Background(), http.MethodPost, "/v1/groups/", requestParams{
		body: map[string]any{"groups": groupIDs},
	})
	if err != nil {
		return err
	}
	return resp.Err()
}

func (c *SignalingChannel) flushLeave(groupIDs []string) error {
	resp, err := c.request(context.Background(), http.MethodDelete, "/v1/groups/", requestParams{
		body: map[string]any{"groups": groupIDs},
	})
	if err != nil {
		return err
	}
	return resp.Err()
}

func (c *SignalingChannel) flushPresence(endpointIDs []string) error {
	resp, err := c.request(context.Background(), http.MethodPost, "/v1/presenceobservers", requestParams{
		body: map[string]any{"endpointList": endpointIDs},
	})
	if err != nil {
		return err
	}
	return resp.Err()
}
