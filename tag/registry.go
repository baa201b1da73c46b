package tag

import (
	"sort"
	"sync"

	"github.com/mscada/tagbus/wire"
)

// A Registry owns all tags of a process. Tags are singletons by name: a
// second declaration with the same name and kind returns the existing
// instance. There is deliberately no package-global registry; the
// registry is threaded through constructors so tests can run in
// parallel.
type Registry struct {
	mu     sync.Mutex
	tags   map[string]*Tag
	notify func(*Tag)
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tags: make(map[string]*Tag)}
}

// Tag declares a tag, or returns the existing one if name is already
// declared with the same kind.
func (r *Registry) Tag(name string, kind wire.Kind) (*Tag, error) {
	if !validName(name) {
		return nil, ErrBadName
	}
	r.mu.Lock()
	t, ok := r.tags[name]
	if ok {
		r.mu.Unlock()
		if t.kind != kind {
			return nil, ErrKindMismatch
		}
		return t, nil
	}
	t = &Tag{name: name, kind: kind}
	r.tags[name] = t
	notify := r.notify
	r.mu.Unlock()
	if notify != nil {
		notify(t)
	}
	return t, nil
}

// Lookup returns the tag named name, or nil.
func (r *Registry) Lookup(name string) *Tag {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tags[name]
}

// All returns every tag, sorted by name.
func (r *Registry) All() []*Tag {
	r.mu.Lock()
	out := make([]*Tag, 0, len(r.tags))
	for _, t := range r.tags {
		out = append(out, t)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// SetNotify installs the single hook called whenever a new tag is
// declared. The bus client uses it to register late tags with the
// server.
func (r *Registry) SetNotify(fn func(*Tag)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notify = fn
}

func validName(name string) bool {
	if name == "" {
		return false
	}
	for i := 0; i < len(name); i++ {
		if name[i] <= ' ' || name[i] > '~' {
			return false
		}
	}
	return true
}
