package traverse

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
)

var (
	ErrKindNil        = errors.New("traverse: node kind is nil")
	ErrKindExists     = errors.New("traverse: type already registered")
	ErrRegistrySealed = errors.New("traverse: registry sealed")
)

// InternalKind destructures and rebuilds one container type.
//
// Destructure returns children in traversal order plus any per-instance
// structure (aux) Reconstruct needs, for example map keys.
type InternalKind interface {
	Name() string
	Destructure(obj any) (children []any, aux any, err error)
	Reconstruct(aux any, children []any) (any, error)
}

// LeafKind describes one array type. Describe returns metadata only.
type LeafKind interface {
	Name() string
	Describe(obj any) any
}

// Registry maps concrete types to node kinds. It is owned by whoever builds
// a Codec from it and is sealed at that point.
type Registry struct {
	mu       sync.RWMutex
	internal map[reflect.Type]InternalKind
	leaf     map[reflect.Type]LeafKind
	sealed   bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		internal: make(map[reflect.Type]InternalKind),
		leaf:     make(map[reflect.Type]LeafKind),
	}
}

// RegisterInternal binds typ to an internal node kind.
func (r *Registry) RegisterInternal(typ reflect.Type, kind InternalKind) error {
	if kind == nil {
		return ErrKindNil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkFree(typ); err != nil {
		return err
	}
	r.internal[typ] = kind
	return nil
}

// RegisterLeaf binds typ to a leaf node kind.
func (r *Registry) RegisterLeaf(typ reflect.Type, kind LeafKind) error {
	if kind == nil {
		return ErrKindNil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkFree(typ); err != nil {
		return err
	}
	r.leaf[typ] = kind
	return nil
}

func (r *Registry) checkFree(typ reflect.Type) error {
	if r.sealed {
		return fmt.Errorf("%w: cannot register %v", ErrRegistrySealed, typ)
	}
	if _, ok := r.internal[typ]; ok {
		return fmt.Errorf("%w: %v", ErrKindExists, typ)
	}
	if _, ok := r.leaf[typ]; ok {
		return fmt.Errorf("%w: %v", ErrKindExists, typ)
	}
	return nil
}

func (r *Registry) seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// Sealed reports whether a codec has taken ownership.
func (r *Registry) Sealed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sealed
}

// Names lists registered kind names in deterministic order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.internal)+len(r.leaf))
	for _, k := range r.internal {
		out = append(out, k.Name())
	}
	for _, k := range r.leaf {
		out = append(out, k.Name())
	}
	sort.Strings(out)
	return out
}

// Lookups run only after sealing, so they skip the lock.

func (r *Registry) internalKind(obj any) (InternalKind, bool) {
	if obj == nil {
		return nil, false
	}
	k, ok := r.internal[reflect.TypeOf(obj)]
	return k, ok
}

func (r *Registry) leafKind(obj any) (LeafKind, bool) {
	if obj == nil {
		return nil, false
	}
	k, ok := r.leaf[reflect.TypeOf(obj)]
	return k, ok
}
