// Package classify turns the logs and metrics of one request into the
// ordered tabs of a trace.
package classify

import (
	"fmt"
	"strings"

	"github.com/chosenoffset/pagetrace/pkg/pagetrace/logs"
	"github.com/chosenoffset/pagetrace/pkg/pagetrace/metrics"
)

// Reserved tab keys.
const (
	KeyBase = "base"
	KeyFile = "file"
)

// Labels of the base tab.
const (
	LabelRequest = "Request"
	LabelRuntime = "Runtime"
	LabelQueries = "Queries"
	LabelCache   = "Cache"
	LabelSession = "Session"
)

// TabSpec maps a key to a tab title. Key is "base", "file", a log level or
// several levels joined with "|".
type TabSpec struct {
	Key   string `yaml:"key" json:"key"`
	Title string `yaml:"title" json:"title"`
}

// TraceConfig is the ordered list of tabs to produce.
type TraceConfig struct {
	Tabs []TabSpec `yaml:"tabs" json:"tabs"`
}

// DefaultTraceConfig returns the standard six tabs.
func DefaultTraceConfig() TraceConfig {
	return TraceConfig{Tabs: []TabSpec{
		{Key: "base", Title: "Base"},
		{Key: "file", Title: "Files"},
		{Key: "info", Title: "Flow"},
		{Key: "notice|error", Title: "Errors"},
		{Key: "sql", Title: "SQL"},
		{Key: "debug|log", Title: "Debug"},
	}}
}

// Role selects how a renderer formats the entries of a tab.
type Role uint8

const (
	RoleDefault Role = iota
	RoleDebug
	RoleError
	RoleSQL
)

func (r Role) String() string {
	switch r {
	case RoleDebug:
		return "debug"
	case RoleError:
		return "error"
	case RoleSQL:
		return "sql"
	default:
		return "default"
	}
}

func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// RoleOf derives the role of a tab key from the levels it names. The first
// level that maps to a role wins.
func RoleOf(key string) Role {
	for _, level := range splitKey(key) {
		switch level {
		case logs.LevelDebug, logs.LevelLog:
			return RoleDebug
		case logs.LevelError, logs.LevelNotice:
			return RoleError
		case logs.LevelSQL:
			return RoleSQL
		}
	}
	return RoleDefault
}

// Tab is one titled section of a trace.
type Tab struct {
	Title   string       `json:"title"`
	Key     string       `json:"key"`
	Role    Role         `json:"role"`
	Payload logs.Payload `json:"payload"`
}

// Classify builds one tab per entry of cfg, in order. Titles are not
// deduplicated.
func Classify(cfg TraceConfig, buf logs.Buffer, snap metrics.Snapshot, files []metrics.Resource) []Tab {
	tabs := make([]Tab, 0, len(cfg.Tabs))
	for _, spec := range cfg.Tabs {
		key := strings.ToLower(strings.TrimSpace(spec.Key))
		tab := Tab{Title: spec.Title, Key: key, Role: RoleOf(key)}

		switch {
		case key == KeyBase:
			tab.Payload = BaseInfo(snap)
		case key == KeyFile:
			tab.Payload = FileInfo(files)
		case strings.Contains(key, "|"):
			var merged []logs.Payload
			for _, level := range splitKey(key) {
				merged = append(merged, buf[level]...)
			}
			tab.Payload = logs.List(merged...)
		default:
			if entries, ok := buf[key]; ok {
				tab.Payload = logs.List(entries...)
			} else {
				tab.Payload = logs.Text("")
			}
		}
		tabs = append(tabs, tab)
	}
	return tabs
}

// BaseInfo formats the snapshot as the keyed payload of the base tab.
func BaseInfo(snap metrics.Snapshot) logs.Payload {
	pairs := []logs.Pair{
		{Key: LabelRequest, Value: logs.Text(snap.Timestamp + " " + snap.RequestLine)},
		{Key: LabelRuntime, Value: logs.Text(fmt.Sprintf("%ss [ Throughput: %sreq/s ] Memory: %skb Resources: %d",
			snap.ElapsedSeconds(), snap.Throughput, snap.MemoryKB(), snap.LoadedResourceCount))},
		{Key: LabelQueries, Value: logs.Text(fmt.Sprintf("%d queries", snap.QueryCount))},
		{Key: LabelCache, Value: logs.Text(fmt.Sprintf("%d reads,%d writes", snap.CacheReads, snap.CacheWrites))},
	}
	if snap.HasSession {
		pairs = append(pairs, logs.Pair{Key: LabelSession, Value: logs.Text("SESSION_ID=" + snap.SessionID)})
	}
	return logs.Map(pairs...)
}

// FileInfo lists the loaded resources as "<path> ( <size> KB )".
func FileInfo(files []metrics.Resource) logs.Payload {
	items := make([]logs.Payload, len(files))
	for i, f := range files {
		items[i] = logs.Text(f.String())
	}
	return logs.List(items...)
}

func splitKey(key string) []string {
	parts := strings.Split(key, "|")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
