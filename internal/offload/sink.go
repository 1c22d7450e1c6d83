// Package offload accumulates captured activations per submodule.
package offload

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/danmuck/flexmodel/internal/observability"
	"github.com/danmuck/flexmodel/internal/tensor"
)

var ErrUnknownMode = errors.New("offload: unknown mode")

// Mode selects where captured copies live.
type Mode string

const (
	// CPU copies to host memory without blocking the caller.
	CPU Mode = "CPU"
	// GPU keeps a detached clone on the tensor's own device.
	GPU Mode = "GPU"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToUpper(strings.TrimSpace(s))) {
	case CPU:
		return CPU, nil
	case GPU:
		return GPU, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
	}
}

// Guard reports whether this rank should capture. A nil Guard always
// captures.
type Guard func() bool

// Func captures one activation.
type Func func(t *tensor.Tensor)

// Sink maps module name to its captured tensors in call order. The
// activation is snapshotted before the capture function returns; only the
// hand-off to host memory completes asynchronously, so readers call Sync
// first.
type Sink struct {
	mode Mode

	mu      sync.Mutex
	landed  *sync.Cond // signalled when pending reaches zero
	entries map[string][]*tensor.Tensor
	pending int
}

func NewSink(mode Mode) *Sink {
	s := &Sink{mode: mode, entries: make(map[string][]*tensor.Tensor)}
	s.landed = sync.NewCond(&s.mu)
	return s
}

func (s *Sink) Mode() Mode { return s.mode }

// Offloader binds the capture function for module.
func (s *Sink) Offloader(module string, guard Guard) Func {
	mode := string(s.mode)
	return func(t *tensor.Tensor) {
		if guard != nil && !guard() {
			return
		}
		switch s.mode {
		case CPU:
			snap := t.Detach().Clone()
			dst := t.Empty(tensor.Host)
			s.mu.Lock()
			s.entries[module] = append(s.entries[module], dst)
			s.pending++
			s.mu.Unlock()
			go func() {
				_ = dst.CopyFrom(snap)
				s.mu.Lock()
				s.pending--
				if s.pending == 0 {
					s.landed.Broadcast()
				}
				s.mu.Unlock()
			}()
		default:
			s.append(module, t.Detach().Clone())
		}
		observability.RecordOffload(module, mode)
	}
}

func (s *Sink) append(module string, t *tensor.Tensor) {
	s.mu.Lock()
	s.entries[module] = append(s.entries[module], t)
	s.mu.Unlock()
}

// Sync blocks until every pending host copy has landed. It is safe to call
// while captures are still being issued.
func (s *Sink) Sync() {
	s.mu.Lock()
	s.waitLocked()
	s.mu.Unlock()
}

func (s *Sink) waitLocked() {
	for s.pending > 0 {
		s.landed.Wait()
	}
}

// Get returns module's captures. Contents of host copies are only defined
// after Sync.
func (s *Sink) Get(module string) []*tensor.Tensor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.entries[module])
}

func (s *Sink) Len(module string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries[module])
}

// Modules lists every module with at least one capture, sorted.
func (s *Sink) Modules() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Sorted(maps.Keys(s.entries))
}

// Snapshot syncs and returns a copy of the whole sink.
func (s *Sink) Snapshot() map[string][]*tensor.Tensor {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waitLocked()
	out := make(map[string][]*tensor.Tensor, len(s.entries))
	for k, v := range s.entries {
		out[k] = slices.Clone(v)
	}
	return out
}

// Reset waits for pending copies and drops every capture.
func (s *Sink) Reset() {
	s.mu.Lock()
	s.waitLocked()
	clear(s.entries)
	s.mu.Unlock()
}
