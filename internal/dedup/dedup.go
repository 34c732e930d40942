// Package dedup collapses concurrent identical fetches into one upstream call.
package dedup

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Group joins concurrent calls sharing a key: the first caller runs fn, the
// rest wait for and receive its result. Entries are removed as soon as fn
// returns, so later calls start a fresh fetch.
type Group[T any] struct {
	sf singleflight.Group

	mu      sync.Mutex
	callers map[string]int
}

// Do runs fn for key unless a call for key is already in flight. shared is true
// when the result was delivered to more than one caller. fn runs detached from
// the caller's cancellation; each caller still stops waiting when its own ctx
// is done.
func (g *Group[T]) Do(ctx context.Context, key string, fn func(context.Context) (T, error)) (v T, shared bool, err error) {
	detached := context.WithoutCancel(ctx)
	ch := g.sf.DoChan(key, func() (any, error) {
		return fn(detached)
	})
	_, release := g.Guard(key)
	defer release()

	select {
	case res := <-ch:
		if res.Err != nil {
			return v, res.Shared, res.Err
		}
		return res.Val.(T), res.Shared, nil
	case <-ctx.Done():
		return v, false, ctx.Err()
	}
}

// Callers reports how many callers are currently waiting on key. A caller is
// counted only once it has joined the pending call.
func (g *Group[T]) Callers(key string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.callers[key]
}

// InFlight reports the number of distinct keys with a pending call.
func (g *Group[T]) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.callers)
}

// Guard registers a caller for key and reports whether another caller was
// already registered. release unregisters it; calling it more than once is a
// no-op.
func (g *Group[T]) Guard(key string) (alreadyInFlight bool, release func()) {
	g.mu.Lock()
	if g.callers == nil {
		g.callers = make(map[string]int)
	}
	alreadyInFlight = g.callers[key] > 0
	g.callers[key]++
	g.mu.Unlock()

	var once sync.Once
	return alreadyInFlight, func() {
		once.Do(func() { g.leave(key) })
	}
}

func (g *Group[T]) leave(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.callers[key]--
	if g.callers[key] <= 0 {
		delete(g.callers, key)
	}
}
