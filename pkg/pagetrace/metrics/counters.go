package metrics

import (
	"context"
	"sync/atomic"
)

// CounterSource exposes the data-access and cache counters of one request.
type CounterSource interface {
	QueryCount() int
	CacheReads() int
	CacheWrites() int
}

// Counters is a request-scoped set of data-access counters. A nil *Counters
// is valid and counts nothing.
type Counters struct {
	queries     atomic.Int64
	cacheReads  atomic.Int64
	cacheWrites atomic.Int64
}

func NewCounters() *Counters {
	return &Counters{}
}

func (c *Counters) AddQuery() {
	if c != nil {
		c.queries.Add(1)
	}
}

func (c *Counters) AddCacheRead() {
	if c != nil {
		c.cacheReads.Add(1)
	}
}

func (c *Counters) AddCacheWrite() {
	if c != nil {
		c.cacheWrites.Add(1)
	}
}

func (c *Counters) QueryCount() int {
	if c == nil {
		return 0
	}
	return int(c.queries.Load())
}

func (c *Counters) CacheReads() int {
	if c == nil {
		return 0
	}
	return int(c.cacheReads.Load())
}

func (c *Counters) CacheWrites() int {
	if c == nil {
		return 0
	}
	return int(c.cacheWrites.Load())
}

type countersKey struct{}

// WithCounters attaches c to ctx.
func WithCounters(ctx context.Context, c *Counters) context.Context {
	return context.WithValue(ctx, countersKey{}, c)
}

// CountersFrom returns the counters attached to ctx, or nil.
func CountersFrom(ctx context.Context) *Counters {
	if ctx == nil {
		return nil
	}
	c, _ := ctx.Value(countersKey{}).(*Counters)
	return c
}
