package respoke

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// reconnectLoop restores a lost session: wait, re-authenticate, reopen, let
// the owner rejoin its groups. A failure at any step restarts the cycle with
// a longer wait. Only one loop runs at a time.
func (c *SignalingChannel) reconnectLoop() {
	if !c.reconnecting.CompareAndSwap(false, true) {
		return
	}
	defer c.reconnecting.Store(false)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.reconnectInitial
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = c.cfg.reconnectMax
	bo.MaxElapsedTime = 0
	bo.Reset()

	for attempt := 1; ; attempt++ {
		wait := bo.NextBackOff()
		c.logger.Info().Int("attempt", attempt).Dur("wait", wait).Msg("reconnect scheduled")
		time.Sleep(wait)

		if c.closed.Load() {
			return
		}
		if err := c.reconnectOnce(); err != nil {
			c.logger.Warn().Err(err).Int("attempt", attempt).Msg("reconnect failed")
			continue
		}
		c.logger.Info().Int("attempt", attempt).Msg("reconnected")
		return
	}
}

// reconnectOnce runs one full reconnect cycle. In development mode a fresh
// token is minted; otherwise the stored token is presented again.
func (c *SignalingChannel) reconnectOnce() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.requestTimeout)
	defer cancel()

	c.mu.RLock()
	tokenID := c.tokenID
	c.mu.RUnlock()
	if c.cfg.developmentMode {
		tokenID = ""
	}

	if err := c.Open(ctx, tokenID); err != nil {
		return err
	}
	if err := c.delegate.handleReconnect(ctx); err != nil {
		// Session is up but state restore failed. Drop it and retry the
		// whole cycle.
		c.teardownSession()
		return err
	}
	if c.closed.Load() {
		c.teardownSession()
	}
	return nil
}

// teardownSession drops the current socket without marking the channel
// closed, so a reconnect may follow.
func (c *SignalingChannel) teardownSession() {
	c.mu.Lock()
	sess := c.sess
	c.sess = nil
	c.connectionID = ""
	c.mu.Unlock()

	if sess != nil {
		sess.close()
	}
	c.rejectPending(ErrDisconnected)
}
