package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/danmuck/flexmodel/internal/config"
	"github.com/danmuck/flexmodel/internal/distributed"
	"github.com/danmuck/flexmodel/internal/distributed/local"
	"github.com/danmuck/flexmodel/internal/distributed/tcp"
	"github.com/danmuck/flexmodel/internal/observability"
	"github.com/danmuck/flexmodel/internal/server"
	"github.com/danmuck/flexmodel/internal/session"
	"github.com/danmuck/flexmodel/internal/tensor"
	"github.com/danmuck/flexmodel/internal/toymodel"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Runner drives the demo model under a session on every local rank, or on
// this process's rank of a TCP world.
type Runner struct {
	Config   config.SessionConfig
	Layers   int
	Hidden   int
	Batch    int
	Seq      int
	Steps    int
	Hold     bool
	Insecure bool

	// observe, when set, sees each rank's session after its forward passes.
	observe func(rank int, s *session.Session, out *tensor.Tensor)
}

// Run blocks until every step finishes, then until interrupted when Hold
// keeps the admin server up.
func (r *Runner) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return r.run(ctx)
}

func (r *Runner) run(ctx context.Context) error {
	switch r.Config.Transport {
	case config.TransportTCP:
		observability.InitLogger("flexctl", r.Config.Rank)
		cfg := tcp.DefaultConfig(r.Config.Rank, r.Config.Peers)
		cfg.Token = r.Config.SessionToken
		cfg.Insecure = r.Insecure
		if t := r.Config.TLS; t.Enabled() {
			cfg.TLS = &tcp.TLSFiles{CAFile: t.CAFile, CertFile: t.CertFile, KeyFile: t.KeyFile}
		}
		comm, err := tcp.Connect(ctx, cfg)
		if err != nil {
			return err
		}
		return r.runRank(ctx, comm)
	default:
		observability.InitLogger("flexctl", 0)
		return local.Run(ctx, r.Config.WorldSize, r.runRank)
	}
}

func (r *Runner) runRank(ctx context.Context, comm distributed.Communicator) error {
	rank := comm.Rank()
	s, err := session.New(ctx, r.Config, comm)
	if err != nil {
		_ = comm.Close()
		return err
	}
	defer s.Close()
	if err := s.RegisterHooksFromConfig(session.BuiltinEditors()); err != nil {
		return err
	}
	model, err := toymodel.New(s.Backend(), r.Layers, r.Hidden)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	serveCtx, stopServe := context.WithCancel(gctx)
	defer stopServe()
	if rank == 0 && r.Config.AdminAddr != "" {
		admin := server.New(fmt.Sprintf("rank-%d", rank), r.Config.AdminAddr, r.Config.CorsOrigins, s)
		g.Go(func() error { return admin.Serve(serveCtx) })
	}

	g.Go(func() error {
		defer func() {
			if !r.Hold {
				stopServe()
			}
		}()
		var out *tensor.Tensor
		var err error
		for step := 0; step < r.Steps; step++ {
			x := tensor.Arange(float32(step), r.Batch, r.Seq, r.Hidden).Scale(1 / float32(r.Batch*r.Seq*r.Hidden))
			if out, err = model.Forward(gctx, x, s); err != nil {
				return fmt.Errorf("step %d: %w", step, err)
			}
		}
		s.Sync()
		report(rank, s)
		if r.observe != nil {
			r.observe(rank, s, out)
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func report(rank int, s *session.Session) {
	for module, ts := range s.Outputs() {
		ev := log.Info().Int("rank", rank).Str("module", module).Int("captured", len(ts))
		if len(ts) > 0 {
			ev = ev.Ints("shape", ts[0].Shape()).Str("device", ts[0].Device().String())
		}
		ev.Msg("flexctl.report")
	}
	for _, key := range s.Shared().SaveCtx.Keys() {
		v, _ := s.Shared().SaveCtx.Get(key)
		log.Info().Int("rank", rank).Str("key", key).Interface("value", v).Msg("flexctl.save_ctx")
	}
}
