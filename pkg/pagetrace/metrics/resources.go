package metrics

import (
	"context"
	"fmt"
	"io/fs"
	"sync"
)

// Resource is a file loaded while serving a request.
type Resource struct {
	Path string
	Size int64
}

// String formats the resource as "<path> ( <size> KB )".
func (r Resource) String() string {
	return fmt.Sprintf("%s ( %s KB )", r.Path, FormatNumber(float64(r.Size)/1024, 2))
}

// ResourceSource lists the resources loaded so far.
type ResourceSource interface {
	Resources() []Resource
}

// Resources records loaded files in load order. Each path is kept once.
// A nil *Resources is valid and records nothing.
type Resources struct {
	mu   sync.Mutex
	list []Resource
	seen map[string]int
}

func NewResources() *Resources {
	return &Resources{seen: make(map[string]int)}
}

// Track records path. Loading the same path again updates its size.
func (r *Resources) Track(path string, size int64) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if i, ok := r.seen[path]; ok {
		r.list[i].Size = size
		return
	}
	r.seen[path] = len(r.list)
	r.list = append(r.list, Resource{Path: path, Size: size})
}

func (r *Resources) Resources() []Resource {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Resource, len(r.list))
	copy(out, r.list)
	return out
}

func (r *Resources) Len() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.list)
}

type resourcesKey struct{}

// WithResources attaches r to ctx.
func WithResources(ctx context.Context, r *Resources) context.Context {
	return context.WithValue(ctx, resourcesKey{}, r)
}

// ResourcesFrom returns the resources attached to ctx, or nil.
func ResourcesFrom(ctx context.Context) *Resources {
	if ctx == nil {
		return nil
	}
	r, _ := ctx.Value(resourcesKey{}).(*Resources)
	return r
}

// TrackingFS wraps fsys so that every successfully opened regular file is
// recorded in r.
func TrackingFS(fsys fs.FS, r *Resources) fs.FS {
	return &trackingFS{fsys: fsys, res: r}
}

type trackingFS struct {
	fsys fs.FS
	res  *Resources
}

func (t *trackingFS) Open(name string) (fs.File, error) {
	f, err := t.fsys.Open(name)
	if err != nil {
		return nil, err
	}
	if info, statErr := f.Stat(); statErr == nil && info.Mode().IsRegular() {
		t.res.Track(name, info.Size())
	}
	return f, nil
}
