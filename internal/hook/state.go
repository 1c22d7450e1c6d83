package hook

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/danmuck/flexmodel/internal/distributed"
	"github.com/danmuck/flexmodel/internal/offload"
	"github.com/danmuck/flexmodel/internal/traverse"
)

var ErrSharedState = errors.New("hook: invalid shared state")

// SaveContext is scratch space editing functions use to keep state across
// calls and across hooks.
type SaveContext struct {
	values map[string]any
}

func NewSaveContext() *SaveContext {
	return &SaveContext{values: make(map[string]any)}
}

func (s *SaveContext) Set(key string, v any) { s.values[key] = v }

func (s *SaveContext) Get(key string) (any, bool) {
	v, ok := s.values[key]
	return v, ok
}

func (s *SaveContext) Delete(key string) { delete(s.values, key) }

func (s *SaveContext) Keys() []string { return slices.Sorted(maps.Keys(s.values)) }

// Components are auxiliary trainable modules addressable by name.
type Components map[string]any

// SharedState is owned by a session and shared by every hook attached to
// its model.
type SharedState struct {
	Backend     *distributed.Backend
	Codec       *traverse.Codec
	SaveCtx     *SaveContext
	Modules     Components
	OffloadMode offload.Mode
	Output      *offload.Sink
}

// NewSharedState builds the shared state with a fresh sink for mode.
func NewSharedState(b *distributed.Backend, codec *traverse.Codec, mode offload.Mode) *SharedState {
	return &SharedState{
		Backend:     b,
		Codec:       codec,
		SaveCtx:     NewSaveContext(),
		Modules:     make(Components),
		OffloadMode: mode,
		Output:      offload.NewSink(mode),
	}
}

func (s *SharedState) validate() error {
	switch {
	case s == nil:
		return fmt.Errorf("%w: nil", ErrSharedState)
	case s.Codec == nil:
		return fmt.Errorf("%w: no codec", ErrSharedState)
	case s.Output == nil:
		return fmt.Errorf("%w: no output sink", ErrSharedState)
	case s.SaveCtx == nil:
		return fmt.Errorf("%w: no save context", ErrSharedState)
	}
	if _, err := offload.ParseMode(string(s.OffloadMode)); err != nil {
		return fmt.Errorf("%w: %w", ErrSharedState, err)
	}
	if s.Output.Mode() != s.OffloadMode {
		return fmt.Errorf("%w: sink mode %s != offload mode %s", ErrSharedState, s.Output.Mode(), s.OffloadMode)
	}
	return nil
}

// authoritative captures on a single process, or on pipeline group members
// once activation parallel groups exist.
func authoritative(b *distributed.Backend) offload.Guard {
	return func() bool {
		return !b.IsInitialized() || (b.ActivationParallelIsInitialized() && b.InPipelineParallelGroup())
	}
}
