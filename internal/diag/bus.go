// Package diag is an in-process feed of host diagnostics. The telemetry
// service subscribes to it to record model usage reported outside the
// regular event stream.
package diag

import "sync"

// TypeModelUsage is published after every model call.
const TypeModelUsage = "model.usage"

// Usage holds token counts of one model call.
type Usage struct {
	Input     *int64 `json:"input,omitempty"`
	Output    *int64 `json:"output,omitempty"`
	CacheRead *int64 `json:"cacheRead,omitempty"`
}

// Event is one diagnostic notification.
type Event struct {
	Type       string   `json:"type"`
	SessionKey string   `json:"sessionKey,omitempty"`
	Provider   string   `json:"provider,omitempty"`
	Model      string   `json:"model,omitempty"`
	Usage      Usage    `json:"usage"`
	DurationMs *int64   `json:"durationMs,omitempty"`
	CostUSD    *float64 `json:"costUsd,omitempty"`
}

// Bus fans diagnostics out to subscribers. The zero value is ready to use.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]func(Event)
}

// Subscribe registers fn and returns a function that removes it.
// Calling the returned function more than once is harmless.
func (b *Bus) Subscribe(fn func(Event)) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs == nil {
		b.subs = make(map[int]func(Event))
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Publish delivers e to every current subscriber on the caller's goroutine.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	fns := make([]func(Event), 0, len(b.subs))
	for _, fn := range b.subs {
		fns = append(fns, fn)
	}
	b.mu.RUnlock()

	for _, fn := range fns {
		fn(e)
	}
}

// Subscribers returns the number of registered subscribers.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
