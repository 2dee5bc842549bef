package classify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chosenoffset/pagetrace/pkg/pagetrace/logs"
	"github.com/chosenoffset/pagetrace/pkg/pagetrace/metrics"
)

func testSnapshot() metrics.Snapshot {
	return metrics.Snapshot{
		Elapsed:             1500 * time.Microsecond,
		Throughput:          metrics.Throughput{PerSec: 666.666},
		MemoryDeltaKB:       12.5,
		LoadedResourceCount: 3,
		QueryCount:          4,
		CacheReads:          2,
		CacheWrites:         1,
		RequestLine:         "HTTP/1.1 GET : http://localhost/",
		Timestamp:           "2024-03-01 10:00:00",
	}
}

func TestClassifyMergedChannels(t *testing.T) {
	cfg := TraceConfig{Tabs: []TabSpec{
		{Key: "base", Title: "Base"},
		{Key: "notice|error", Title: "Errors"},
	}}
	buf := logs.Buffer{
		"notice": {logs.Text("a")},
		"error":  {logs.Text("b")},
	}

	tabs := Classify(cfg, buf, testSnapshot(), nil)
	require.Len(t, tabs, 2)
	assert.Equal(t, "Base", tabs[0].Title)
	assert.Equal(t, "Errors", tabs[1].Title)
	assert.Equal(t, RoleError, tabs[1].Role)

	items := tabs[1].Payload.Items()
	require.Len(t, items, 2)
	assert.Equal(t, "a", items[0].Text())
	assert.Equal(t, "b", items[1].Text())
}

func TestClassifyMergeOrder(t *testing.T) {
	cfg := TraceConfig{Tabs: []TabSpec{{Key: "error|notice", Title: "Errors"}}}
	buf := logs.Buffer{
		"notice": {logs.Text("n1"), logs.Text("n2")},
		"error":  {logs.Text("e1")},
	}

	tabs := Classify(cfg, buf, testSnapshot(), nil)
	var got []string
	for _, item := range tabs[0].Payload.Items() {
		got = append(got, item.Text())
	}
	assert.Equal(t, []string{"e1", "n1", "n2"}, got)
}

func TestClassifyOrderFollowsConfig(t *testing.T) {
	cfg := DefaultTraceConfig()
	tabs := Classify(cfg, logs.NewBuffer(), testSnapshot(), nil)

	require.Len(t, tabs, len(cfg.Tabs))
	for i, spec := range cfg.Tabs {
		assert.Equal(t, spec.Title, tabs[i].Title)
	}
}

func TestClassifyMissingChannel(t *testing.T) {
	cfg := TraceConfig{Tabs: []TabSpec{
		{Key: "info", Title: "Flow"},
		{Key: "debug|log", Title: "Debug"},
	}}

	tabs := Classify(cfg, logs.NewBuffer(), testSnapshot(), nil)
	require.Len(t, tabs, 2)

	assert.Equal(t, logs.KindText, tabs[0].Payload.Kind())
	assert.Equal(t, "", tabs[0].Payload.Text())
	assert.True(t, tabs[0].Payload.IsEmpty())

	assert.Equal(t, logs.KindList, tabs[1].Payload.Kind())
	assert.True(t, tabs[1].Payload.IsEmpty())
}

func TestClassifyKeysAreCaseInsensitive(t *testing.T) {
	cfg := TraceConfig{Tabs: []TabSpec{{Key: " SQL ", Title: "SQL"}, {Key: "BASE", Title: "Base"}}}
	buf := logs.Buffer{"sql": {logs.Text("select 1")}}

	tabs := Classify(cfg, buf, testSnapshot(), nil)
	assert.Equal(t, RoleSQL, tabs[0].Role)
	assert.Equal(t, 1, tabs[0].Payload.Len())
	assert.Equal(t, logs.KindMap, tabs[1].Payload.Kind())
}

func TestClassifyDuplicateTitles(t *testing.T) {
	cfg := TraceConfig{Tabs: []TabSpec{
		{Key: "info", Title: "Same"},
		{Key: "sql", Title: "Same"},
	}}
	buf := logs.Buffer{"info": {logs.Text("i")}, "sql": {logs.Text("s")}}

	tabs := Classify(cfg, buf, testSnapshot(), nil)
	require.Len(t, tabs, 2)
	assert.Equal(t, "i", tabs[0].Payload.Items()[0].Text())
	assert.Equal(t, "s", tabs[1].Payload.Items()[0].Text())
}

func TestBaseInfo(t *testing.T) {
	snap := testSnapshot()
	pairs := BaseInfo(snap).Pairs()
	require.Len(t, pairs, 4)

	assert.Equal(t, LabelRequest, pairs[0].Key)
	assert.Equal(t, "2024-03-01 10:00:00 HTTP/1.1 GET : http://localhost/", pairs[0].Value.Text())
	assert.Equal(t, LabelRuntime, pairs[1].Key)
	assert.Equal(t, "0.001500s [ Throughput: 666.67req/s ] Memory: 12.50kb Resources: 3", pairs[1].Value.Text())
	assert.Equal(t, "4 queries", pairs[2].Value.Text())
	assert.Equal(t, "2 reads,1 writes", pairs[3].Value.Text())

	snap.HasSession = true
	snap.SessionID = "s-1"
	pairs = BaseInfo(snap).Pairs()
	require.Len(t, pairs, 5)
	assert.Equal(t, LabelSession, pairs[4].Key)
	assert.Equal(t, "SESSION_ID=s-1", pairs[4].Value.Text())

	snap.Throughput = metrics.Throughput{Infinite: true}
	assert.Contains(t, BaseInfo(snap).Pairs()[1].Value.Text(), "Throughput: ∞req/s")
}

func TestFileInfo(t *testing.T) {
	files := []metrics.Resource{
		{Path: "/srv/views/index.html", Size: 2048},
		{Path: "/srv/views/big.html", Size: 1536 * 1024},
	}
	items := FileInfo(files).Items()
	require.Len(t, items, 2)
	assert.Equal(t, "/srv/views/index.html ( 2.00 KB )", items[0].Text())
	assert.Equal(t, "/srv/views/big.html ( 1,536.00 KB )", items[1].Text())

	assert.True(t, FileInfo(nil).IsEmpty())
}

func TestRoleOf(t *testing.T) {
	tests := map[string]Role{
		"base":         RoleDefault,
		"file":         RoleDefault,
		"info":         RoleDefault,
		"sql":          RoleSQL,
		"notice|error": RoleError,
		"debug|log":    RoleDebug,
		"log":          RoleDebug,
		"info|sql":     RoleSQL,
	}
	for key, want := range tests {
		assert.Equal(t, want, RoleOf(key), key)
	}
}
