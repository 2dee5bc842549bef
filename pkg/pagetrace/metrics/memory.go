package metrics

import (
	"runtime"
	"time"
)

// MemoryReader returns the number of heap bytes currently allocated.
type MemoryReader func() uint64

// HeapAlloc reads runtime.MemStats and returns HeapAlloc.
func HeapAlloc() uint64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.HeapAlloc
}

// Start is the reading taken when a request begins.
type Start struct {
	Time   time.Time
	Memory uint64
}

// Begin captures the current time and heap allocation.
func Begin() Start {
	return BeginWith(time.Now, HeapAlloc)
}

// BeginWith captures a Start using the given clock and memory reader.
func BeginWith(now func() time.Time, mem MemoryReader) Start {
	return Start{
		Time:   now(),
		Memory: mem(),
	}
}
