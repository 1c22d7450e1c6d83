// Package session wraps one rank's instrumented model run: it owns the
// distributed backend, the tree codec, the shared hook state and the
// registered hooks.
package session

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/danmuck/flexmodel/internal/config"
	"github.com/danmuck/flexmodel/internal/distributed"
	"github.com/danmuck/flexmodel/internal/hook"
	"github.com/danmuck/flexmodel/internal/offload"
	"github.com/danmuck/flexmodel/internal/tensor"
	"github.com/danmuck/flexmodel/internal/traverse"
	"github.com/rs/zerolog/log"
)

var (
	ErrDuplicateHook = errors.New("session: module already hooked")
	ErrUnknownEditor = errors.New("session: unknown editing function")
	ErrClosed        = errors.New("session: closed")
)

// Session is not safe for concurrent hook registration; lookups used by
// the admin server are.
type Session struct {
	cfg    config.SessionConfig
	shared *hook.SharedState

	mu     sync.RWMutex
	hooks  map[string]*hook.HookFunction
	closed bool
}

// New validates cfg, initialises the backend and activation parallel
// groups over comm and builds the shared hook state. The session takes
// ownership of comm.
func New(ctx context.Context, cfg config.SessionConfig, comm distributed.Communicator) (*Session, error) {
	return NewWithRegistry(ctx, cfg, comm, traverse.DefaultRegistry())
}

// NewWithRegistry is New with a caller-extended codec registry. The
// registry is sealed once the session exists.
func NewWithRegistry(ctx context.Context, cfg config.SessionConfig, comm distributed.Communicator, reg *traverse.Registry) (*Session, error) {
	if err := config.ValidateSessionConfig(cfg); err != nil {
		return nil, err
	}
	mode, err := offload.ParseMode(cfg.OffloadMode)
	if err != nil {
		return nil, err
	}
	b, err := distributed.Initialize(comm, cfg.WorldSize, cfg.TensorParallelSize, cfg.PipelineParallelSize, cfg.DataParallelSize)
	if err != nil {
		return nil, err
	}
	if err := b.InitializeActivationParallel(); err != nil {
		return nil, err
	}
	if err := barrier(ctx, b); err != nil {
		return nil, err
	}

	s := &Session{
		cfg:    cfg,
		shared: hook.NewSharedState(b, traverse.NewCodec(reg), mode),
		hooks:  make(map[string]*hook.HookFunction),
	}
	log.Info().
		Int("rank", b.Rank()).
		Str("mesh", b.Mesh().String()).
		Str("offload", string(mode)).
		Msg("session.New")
	return s, nil
}

// barrier returns once every rank in the world has reached it.
func barrier(ctx context.Context, b *distributed.Backend) error {
	if b.WorldSize() == 1 {
		return nil
	}
	world := distributed.Group{Ranks: make([]int, b.WorldSize())}
	for i := range world.Ranks {
		world.Ranks[i] = i
	}
	if _, err := distributed.AllGather(ctx, b.Communicator(), world, tensor.Zeros(1)); err != nil {
		return fmt.Errorf("session: startup barrier: %w", err)
	}
	return nil
}

func (s *Session) Config() config.SessionConfig { return s.cfg }

func (s *Session) Backend() *distributed.Backend { return s.shared.Backend }

func (s *Session) Shared() *hook.SharedState { return s.shared }

// Register attaches h as kind. Each module may be hooked once.
func (s *Session) Register(h *hook.HookFunction, kind hook.Kind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.hooks[h.ModuleName]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateHook, h.ModuleName)
	}
	if err := h.Attach(s.shared, kind); err != nil {
		return err
	}
	s.hooks[h.ModuleName] = h
	log.Debug().Str("module", h.ModuleName).Str("kind", kind.String()).Msg("session.Register")
	return nil
}

// RegisterHooksFromConfig builds and registers every configured hook.
// Editor names resolve against editors; an empty name is the default
// editing function.
func (s *Session) RegisterHooksFromConfig(editors map[string]hook.EditingFunc) error {
	for i, hc := range s.cfg.Hooks {
		var edit hook.EditingFunc
		if hc.Editor != "" {
			fn, ok := editors[hc.Editor]
			if !ok {
				return fmt.Errorf("hooks[%d] %s: %w: %q", i, hc.ModuleName, ErrUnknownEditor, hc.Editor)
			}
			edit = fn
		}
		kind, err := hook.ParseKind(hc.Kind)
		if err != nil {
			return fmt.Errorf("hooks[%d]: %w", i, err)
		}
		h, err := hook.New(hook.Config{
			ModuleName:      hc.ModuleName,
			ExpectedShape:   hc.ExpectedShape,
			EditingFunction: edit,
			UnpackIdx:       hc.UnpackIdx,
		})
		if err != nil {
			return fmt.Errorf("hooks[%d]: %w", i, err)
		}
		if err := s.Register(h, kind); err != nil {
			return fmt.Errorf("hooks[%d]: %w", i, err)
		}
	}
	return nil
}

// Hook returns the hook for module, or nil.
func (s *Session) Hook(module string) *hook.HookFunction {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hooks[module]
}

// Hooks returns every registered hook ordered by module name.
func (s *Session) Hooks() []*hook.HookFunction {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*hook.HookFunction, 0, len(s.hooks))
	for _, name := range slices.Sorted(maps.Keys(s.hooks)) {
		out = append(out, s.hooks[name])
	}
	return out
}

// Sync is the barrier before reading captured activations.
func (s *Session) Sync() { s.shared.Output.Sync() }

// Outputs syncs and returns every captured activation by module.
func (s *Session) Outputs() map[string][]*tensor.Tensor {
	return s.shared.Output.Snapshot()
}

// ResetOutputs discards every captured activation.
func (s *Session) ResetOutputs() { s.shared.Output.Reset() }

// Close waits for pending captures, tears down the backend and closes the
// communicator.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.Sync()
	b := s.shared.Backend
	comm := b.Communicator()
	b.DestroyActivationParallel()
	b.Destroy()
	return comm.Close()
}
