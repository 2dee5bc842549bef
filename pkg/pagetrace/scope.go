package pagetrace

import (
	"context"
	"io/fs"

	"github.com/google/uuid"

	"github.com/chosenoffset/pagetrace/pkg/pagetrace/logs"
	"github.com/chosenoffset/pagetrace/pkg/pagetrace/metrics"
)

// Scope holds the state of one traced request. It lives in the request
// context from the moment the tracer accepts the request until the response
// has been written.
type Scope struct {
	// ID tags every log event emitted on behalf of the request.
	ID         string
	Start      metrics.Start
	Request    metrics.RequestInfo
	Aggregator *logs.Aggregator
	Counters   *metrics.Counters
	Resources  *metrics.Resources

	recorder *logs.Recorder
}

type scopeKey struct{}

func newScope(req metrics.RequestInfo, start metrics.Start, channel string, bus *logs.Bus, rec *logs.Recorder) *Scope {
	s := &Scope{
		ID:         uuid.NewString(),
		Start:      start,
		Request:    req,
		Aggregator: logs.NewAggregator(channel),
		Counters:   metrics.NewCounters(),
		Resources:  metrics.NewResources(),
		recorder:   rec,
	}
	s.Aggregator.Start(bus, s.ID)
	return s
}

// context attaches the scope and its collaborators to ctx.
func (s *Scope) context(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, scopeKey{}, s)
	ctx = logs.WithScope(ctx, s.ID)
	ctx = metrics.WithCounters(ctx, s.Counters)
	return metrics.WithResources(ctx, s.Resources)
}

// end detaches the scope from the bus and drops unsaved entries.
func (s *Scope) end() {
	s.Aggregator.Stop()
	s.recorder.Forget(s.ID)
}

// FromContext returns the scope of the traced request ctx belongs to.
func FromContext(ctx context.Context) (*Scope, bool) {
	s, ok := ctx.Value(scopeKey{}).(*Scope)
	return s, ok
}

// Record adds v to the trace of the current request under level. It does
// nothing outside a traced request.
func Record(ctx context.Context, level string, v any) {
	if s, ok := FromContext(ctx); ok {
		s.recorder.Record(ctx, level, v)
	}
}

// TrackFile counts a file loaded while serving the request.
func TrackFile(ctx context.Context, path string, size int64) {
	metrics.ResourcesFrom(ctx).Track(path, size)
}

// FS wraps fsys so files opened through it are tracked by the request.
// Outside a traced request fsys is returned unchanged.
func FS(ctx context.Context, fsys fs.FS) fs.FS {
	res := metrics.ResourcesFrom(ctx)
	if res == nil {
		return fsys
	}
	return metrics.TrackingFS(fsys, res)
}

func CacheRead(ctx context.Context)  { metrics.CountersFrom(ctx).AddCacheRead() }
func CacheWrite(ctx context.Context) { metrics.CountersFrom(ctx).AddCacheWrite() }
