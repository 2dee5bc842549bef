package logs

import "sort"

// Entry is a single log value tagged with the level it was recorded under.
type Entry struct {
	Level   string
	Payload Payload
}

// Buffer maps a log level ("info", "sql", "error", ...) to the payloads
// recorded under it, oldest first.
type Buffer map[string][]Payload

// NewBuffer returns an empty buffer.
func NewBuffer() Buffer {
	return make(Buffer)
}

// Add appends a single payload under level.
func (b Buffer) Add(level string, p Payload) {
	b[level] = append(b[level], p)
}

// Merge appends every level of src onto b. Existing entries are never
// replaced.
func (b Buffer) Merge(src Buffer) {
	for level, payloads := range src {
		if len(payloads) == 0 {
			if _, ok := b[level]; !ok {
				b[level] = nil
			}
			continue
		}
		b[level] = append(b[level], payloads...)
	}
}

// Clone returns a copy that shares no slices with b.
func (b Buffer) Clone() Buffer {
	out := make(Buffer, len(b))
	for level, payloads := range b {
		cp := make([]Payload, len(payloads))
		copy(cp, payloads)
		out[level] = cp
	}
	return out
}

// Levels returns the buffer's levels in sorted order.
func (b Buffer) Levels() []string {
	levels := make([]string, 0, len(b))
	for level := range b {
		levels = append(levels, level)
	}
	sort.Strings(levels)
	return levels
}

// Len returns the total number of payloads across all levels.
func (b Buffer) Len() int {
	n := 0
	for _, payloads := range b {
		n += len(payloads)
	}
	return n
}
