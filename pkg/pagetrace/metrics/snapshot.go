// Package metrics computes the per-request statistics shown in the base tab
// of a trace: elapsed time, throughput, heap delta, loaded resources and the
// data-access counters of the request.
package metrics

import (
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// TimestampLayout is the layout of Snapshot.Timestamp.
const TimestampLayout = "2006-01-02 15:04:05"

// RequestInfo describes how the traced work was invoked. Host is empty for
// command-line invocations.
type RequestInfo struct {
	Host   string
	Proto  string
	Method string
	URL    string
	Argv   []string
	Time   time.Time
}

// FromHTTP describes an HTTP request.
func FromHTTP(r *http.Request) RequestInfo {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return RequestInfo{
		Host:   r.Host,
		Proto:  r.Proto,
		Method: r.Method,
		URL:    scheme + "://" + r.Host + r.URL.RequestURI(),
	}
}

// FromArgs describes a command-line invocation.
func FromArgs(argv []string) RequestInfo {
	cp := make([]string, len(argv))
	copy(cp, argv)
	return RequestInfo{Argv: cp}
}

// Line returns "<proto> <method> : <url>" for HTTP requests and
// "cmd:<argv>" otherwise.
func (ri RequestInfo) Line() string {
	if ri.Host != "" {
		return fmt.Sprintf("%s %s : %s", ri.Proto, ri.Method, ri.URL)
	}
	return "cmd:" + strings.Join(ri.Argv, " ")
}

// Throughput is requests per second, or infinity when no time elapsed.
type Throughput struct {
	PerSec   float64
	Infinite bool
}

func (t Throughput) String() string {
	if t.Infinite {
		return "∞"
	}
	return FormatNumber(t.PerSec, 2)
}

func (t Throughput) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// External carries the values supplied by collaborators outside this
// package. Nil sources count as zero.
type External struct {
	Counters   CounterSource
	Resources  ResourceSource
	SessionID  string
	HasSession bool
}

// Snapshot is an immutable set of statistics for one request.
type Snapshot struct {
	Elapsed             time.Duration `json:"elapsed"`
	Throughput          Throughput    `json:"throughput"`
	MemoryDeltaKB       float64       `json:"memory_delta_kb"`
	LoadedResourceCount int           `json:"loaded_resources"`
	QueryCount          int           `json:"queries"`
	CacheReads          int           `json:"cache_reads"`
	CacheWrites         int           `json:"cache_writes"`
	SessionID           string        `json:"session_id,omitempty"`
	HasSession          bool          `json:"has_session"`
	RequestLine         string        `json:"request_line"`
	Timestamp           string        `json:"timestamp"`
}

// ElapsedSeconds returns Elapsed as seconds formatted with six decimals.
func (s Snapshot) ElapsedSeconds() string {
	return FormatNumber(s.Elapsed.Seconds(), 6)
}

// MemoryKB returns MemoryDeltaKB formatted with two decimals.
func (s Snapshot) MemoryKB() string {
	return FormatNumber(s.MemoryDeltaKB, 2)
}

type computeOptions struct {
	now    func() time.Time
	memory MemoryReader
}

// Option customises Compute.
type Option func(*computeOptions)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *computeOptions) { o.now = now }
}

// WithMemoryReader replaces HeapAlloc.
func WithMemoryReader(mem MemoryReader) Option {
	return func(o *computeOptions) { o.memory = mem }
}

// Compute builds the snapshot of a request that started at start.
func Compute(start Start, req RequestInfo, ext External, opts ...Option) Snapshot {
	o := computeOptions{now: time.Now, memory: HeapAlloc}
	for _, opt := range opts {
		opt(&o)
	}

	now := o.now()
	elapsed := now.Sub(start.Time)
	if elapsed < 0 {
		elapsed = 0
	}

	throughput := Throughput{Infinite: true}
	if elapsed > 0 {
		throughput = Throughput{PerSec: 1 / elapsed.Seconds()}
	}

	memDelta := (float64(o.memory()) - float64(start.Memory)) / 1024

	snap := Snapshot{
		Elapsed:       elapsed,
		Throughput:    throughput,
		MemoryDeltaKB: memDelta,
		RequestLine:   req.Line(),
		SessionID:     ext.SessionID,
		HasSession:    ext.HasSession,
	}

	if ext.Resources != nil {
		snap.LoadedResourceCount = len(ext.Resources.Resources())
	}
	if ext.Counters != nil {
		snap.QueryCount = ext.Counters.QueryCount()
		snap.CacheReads = ext.Counters.CacheReads()
		snap.CacheWrites = ext.Counters.CacheWrites()
	}

	stamp := req.Time
	if stamp.IsZero() {
		stamp = now
	}
	snap.Timestamp = stamp.Format(TimestampLayout)

	return snap
}

// FormatNumber formats v with the given number of decimals and a comma as
// thousands separator, e.g. 1234.5 -> "1,234.50".
func FormatNumber(v float64, decimals int) string {
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return strconv.FormatFloat(v, 'f', decimals, 64)
	}

	s := strconv.FormatFloat(math.Abs(v), 'f', decimals, 64)
	intPart, frac := s, ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		intPart, frac = s[:i], s[i:]
	}

	var b strings.Builder
	if v < 0 && strings.Trim(s, "0.") != "" {
		b.WriteByte('-')
	}
	for i, c := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(c)
	}
	b.WriteString(frac)
	return b.String()
}
