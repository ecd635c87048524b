package connector

import (
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"

	"rtcd/internal/logging"
)

// TypedListener receives the already-decoded payload for a typed
// event. If it returns DataChanged set in its Result, the returned
// payload replaces the one passed to the next listener in the chain.
type TypedListener func(info *Info, payload any) (Result, any)

// UntypedListener receives only the connector Info.
type UntypedListener func(info *Info)

// ListenerID names a registered listener for later removal.
type ListenerID uint64

type typedEntry struct {
	id        ListenerID
	typ       reflect.Type
	fn        TypedListener
	autoclean bool
}

type untypedEntry struct {
	id        ListenerID
	fn        UntypedListener
	autoclean bool
}

// cacheKey indexes the typed-listener cache by event and concrete
// payload type, so Notify on a hot path with no matching listener
// skips straight past the decoded value without walking every entry.
type cacheKey struct {
	event Event
	typ   reflect.Type
}

// Chain is the ordered set of listeners attached to one connector for
// every event in the vocabulary. Registration is rare
// (connect/disconnect time); Notify is the hot path, so reads of the
// typed-listener cache are lock-free copy-on-write, mirroring
// logging.ComponentFilterHandler's levelSnapshot.
type Chain struct {
	log *slog.Logger

	mu      sync.Mutex // guards typed/untyped/nextID; not held during Notify dispatch
	nextID  ListenerID
	typed   map[Event][]typedEntry
	untyped map[Event][]untypedEntry

	cache atomic.Pointer[map[cacheKey][]typedEntry]
}

// NewChain returns an empty listener chain. logger is used only to
// report panics trapped from listener callbacks; a nil logger
// discards them.
func NewChain(logger *slog.Logger) *Chain {
	c := &Chain{
		log:     logging.Default(logger),
		typed:   make(map[Event][]typedEntry),
		untyped: make(map[Event][]untypedEntry),
	}
	empty := make(map[cacheKey][]typedEntry)
	c.cache.Store(&empty)
	return c
}

// AddTyped registers fn for event, decoded as payload type T. autoclean
// entries are dropped (without invocation) when the chain is
// destroyed via Close.
func AddTyped[T any](c *Chain, event Event, autoclean bool, fn func(info *Info, payload T) (Result, T)) ListenerID {
	typ := reflect.TypeFor[T]()
	wrapped := func(info *Info, payload any) (Result, any) {
		v, ok := payload.(T)
		if !ok {
			return 0, payload
		}
		r, newV := fn(info, v)
		if r&DataChanged != 0 {
			return r, newV
		}
		return r, payload
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	c.typed[event] = append(c.typed[event], typedEntry{id: id, typ: typ, fn: wrapped, autoclean: autoclean})
	c.rebuildCacheLocked()
	return id
}

// AddUntyped registers fn for event.
func (c *Chain) AddUntyped(event Event, autoclean bool, fn UntypedListener) ListenerID {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	c.untyped[event] = append(c.untyped[event], untypedEntry{id: id, fn: fn, autoclean: autoclean})
	return id
}

// Remove unregisters id from whichever event chain it belongs to.
func (c *Chain) Remove(id ListenerID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	changed := false
	for event, entries := range c.typed {
		for i, e := range entries {
			if e.id == id {
				c.typed[event] = append(entries[:i], entries[i+1:]...)
				changed = true
				break
			}
		}
	}
	for event, entries := range c.untyped {
		for i, e := range entries {
			if e.id == id {
				c.untyped[event] = append(entries[:i], entries[i+1:]...)
				break
			}
		}
	}
	if changed {
		c.rebuildCacheLocked()
	}
}

// Close drops every entry, autoclean or not. Autoclean entries are
// simply discarded, matching the "destroyed when the chain itself is
// destroyed" contract; non-autoclean entries must be removed by the
// caller first if they own external resources.
func (c *Chain) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.typed = make(map[Event][]typedEntry)
	c.untyped = make(map[Event][]untypedEntry)
	empty := make(map[cacheKey][]typedEntry)
	c.cache.Store(&empty)
}

func (c *Chain) rebuildCacheLocked() {
	next := make(map[cacheKey][]typedEntry, len(c.typed))
	for event, entries := range c.typed {
		for _, e := range entries {
			k := cacheKey{event: event, typ: e.typ}
			next[k] = append(next[k], e)
		}
	}
	c.cache.Store(&next)
}

// NotifyTyped dispatches a typed event. payload must already be
// decoded; every matching listener in registration order sees either
// the original payload or, once a prior listener returns DataChanged,
// that listener's replacement. The returned Result is the OR of every
// listener's Result.
func (c *Chain) NotifyTyped(event Event, info *Info, payload any) Result {
	typ := reflect.TypeOf(payload)
	cache := *c.cache.Load()
	entries := cache[cacheKey{event: event, typ: typ}]
	if len(entries) == 0 {
		return 0
	}

	var total Result
	cur := payload
	for _, e := range entries {
		r, newPayload := c.safeCallTyped(e, info, cur)
		total |= r
		if r&DataChanged != 0 {
			cur = newPayload
		}
	}
	return total
}

// NotifyUntyped dispatches an untyped event to every registered
// listener in order.
func (c *Chain) NotifyUntyped(event Event, info *Info) {
	c.mu.Lock()
	entries := append([]untypedEntry(nil), c.untyped[event]...)
	c.mu.Unlock()

	for _, e := range entries {
		c.safeCallUntyped(e, info)
	}
}

func (c *Chain) safeCallTyped(e typedEntry, info *Info, payload any) (r Result, out any) {
	out = payload
	defer func() {
		if rec := recover(); rec != nil {
			c.log.Error("connector listener panicked", "event", "typed", "listener_id", e.id, "recovered", rec)
			r, out = 0, payload
		}
	}()
	return e.fn(info, payload)
}

func (c *Chain) safeCallUntyped(e untypedEntry, info *Info) {
	defer func() {
		if rec := recover(); rec != nil {
			c.log.Error("connector listener panicked", "event", "untyped", "listener_id", e.id, "recovered", rec)
		}
	}()
	e.fn(info)
}
