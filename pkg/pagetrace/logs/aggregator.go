package logs

import "sync"

// Aggregator collects the log-write events of a single request. Create one
// per request; it must never be shared between requests.
type Aggregator struct {
	channel string

	mu    sync.Mutex
	buf   Buffer
	unsub func()
}

// NewAggregator returns an aggregator that keeps events whose channel equals
// channel, or every event when channel is empty.
func NewAggregator(channel string) *Aggregator {
	return &Aggregator{
		channel: channel,
		buf:     NewBuffer(),
	}
}

// Start clears the buffer and subscribes to stream for the given request
// scope. A previous subscription is dropped first.
func (a *Aggregator) Start(stream Stream, scope string) {
	a.mu.Lock()
	prev := a.unsub
	a.unsub = nil
	a.buf = NewBuffer()
	a.mu.Unlock()

	if prev != nil {
		prev()
	}

	unsub := stream.Subscribe(scope, a.OnEvent)

	a.mu.Lock()
	a.unsub = unsub
	a.mu.Unlock()
}

// OnEvent merges e into the buffer when it passes the channel filter.
func (a *Aggregator) OnEvent(e Event) {
	if a.channel != "" && a.channel != e.Channel {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.buf.Merge(e.Log)
}

// Snapshot returns a copy of everything collected so far without clearing
// the buffer.
func (a *Aggregator) Snapshot() Buffer {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.buf.Clone()
}

// Stop removes the subscription. It is idempotent.
func (a *Aggregator) Stop() {
	a.mu.Lock()
	unsub := a.unsub
	a.unsub = nil
	a.mu.Unlock()

	if unsub != nil {
		unsub()
	}
}
