// Package keepalive checks the upstream gateway session for the active
// connection profile and reconnects it when it has dropped.
package keepalive

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kjannette/trahn-marketdata/internal/models"
)

type Gateway interface {
	Health(ctx context.Context) (bool, error)
	Reconnect(ctx context.Context) error
}

type Notifier interface {
	KeepAliveFailure(ctx context.Context, res models.KeepAliveResult)
}

type Options struct {
	// Settle is the wait between a reconnect and the confirming health check.
	Settle   time.Duration
	Notifier Notifier
	Logger   *slog.Logger
}

type Checker struct {
	gw     Gateway
	settle time.Duration
	notify Notifier
	log    *slog.Logger

	mu      sync.Mutex
	profile string
	last    models.KeepAliveResult
}

func NewChecker(gw Gateway, profile string, opts Options) *Checker {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Checker{
		gw:      gw,
		settle:  opts.Settle,
		notify:  opts.Notifier,
		log:     log.With("component", "keepalive"),
		profile: profile,
	}
}

// SetProfile switches the active connection profile. An empty name disables
// checks until a profile is set again.
func (c *Checker) SetProfile(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.profile = name
}

func (c *Checker) Profile() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.profile
}

// Last returns the result of the most recent check.
func (c *Checker) Last() models.KeepAliveResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// PerformCheck probes the gateway once and, if the session is down, attempts a
// single reconnect followed by a confirming probe.
func (c *Checker) PerformCheck(ctx context.Context) models.KeepAliveResult {
	res := models.KeepAliveResult{ProfileName: c.Profile()}
	if res.ProfileName == "" {
		res.Message = "no active connection profile"
		c.store(res)
		return res
	}
	res.Checked = true

	ok, err := c.gw.Health(ctx)
	if ok {
		res.Connected = true
		res.Message = "connected"
		c.store(res)
		return res
	}
	c.log.Warn("gateway session down", "profile", res.ProfileName, "err", err)

	res.ReconnectAttempted = true
	if err := c.gw.Reconnect(ctx); err != nil {
		res.Message = fmt.Sprintf("reconnect failed: %v", err)
		c.fail(ctx, res)
		return res
	}

	if c.settle > 0 {
		select {
		case <-ctx.Done():
			res.Message = "check cancelled after reconnect"
			c.fail(ctx, res)
			return res
		case <-time.After(c.settle):
		}
	}

	ok, err = c.gw.Health(ctx)
	if !ok {
		res.Message = "still disconnected after reconnect"
		if err != nil {
			res.Message = fmt.Sprintf("%s: %v", res.Message, err)
		}
		c.fail(ctx, res)
		return res
	}

	res.Connected = true
	res.Message = "reconnected"
	c.log.Info("gateway session restored", "profile", res.ProfileName)
	c.store(res)
	return res
}

func (c *Checker) fail(ctx context.Context, res models.KeepAliveResult) {
	c.store(res)
	c.log.Error("keep-alive failed", "profile", res.ProfileName, "msg", res.Message)
	if c.notify != nil {
		c.notify.KeepAliveFailure(ctx, res)
	}
}

func (c *Checker) store(res models.KeepAliveResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last = res
}
