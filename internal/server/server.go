// Package server exposes a rank's hook state over a small admin HTTP API.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danmuck/flexmodel/internal/hook"
	"github.com/danmuck/flexmodel/internal/observability"
	"github.com/danmuck/flexmodel/internal/tensor"
	"github.com/danmuck/flexmodel/internal/transfer"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const version = "0.1.0"

// Source is the session surface the admin API reads.
type Source interface {
	Hooks() []*hook.HookFunction
	Outputs() map[string][]*tensor.Tensor
	ResetOutputs()
}

type Admin struct {
	ID       string
	Addr     string
	Appeared time.Time

	source Source
	router *gin.Engine
	srv    *http.Server
}

// New builds the admin router for source. Routes are registered
// immediately; Serve starts listening.
func New(id, addr string, corsOrigins []string, source Source) *Admin {
	observability.RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger, id))
	r.Use(observability.RequestMetricsMiddleware(id))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(corsOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	a := &Admin{
		ID:       id,
		Addr:     addr,
		Appeared: time.Now(),
		source:   source,
		router:   r,
	}
	a.registerRoutes()
	return a
}

func (a *Admin) HTTPRouter() *gin.Engine { return a.router }

// Serve blocks until ctx is done or the listener fails.
func (a *Admin) Serve(ctx context.Context) error {
	a.srv = &http.Server{Addr: a.Addr, Handler: a.router, ReadHeaderTimeout: 5 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- a.srv.ListenAndServe() }()
	log.Info().Str("admin", a.ID).Str("addr", a.Addr).Msg("admin server listening")

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.srv.Shutdown(shutdownCtx)
	}
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}

// hookView is the JSON shape of one registered hook.
type hookView struct {
	Module        string `json:"module"`
	Kind          string `json:"kind"`
	Phase         string `json:"phase"`
	ExpectedShape []int  `json:"expected_shape"`
	UnpackIdx     int    `json:"unpack_idx"`
	ShardAxis     *int   `json:"shard_axis,omitempty"`
}

func viewHook(h *hook.HookFunction) hookView {
	v := hookView{
		Module:        h.ModuleName,
		Kind:          h.Kind().String(),
		Phase:         h.Phase().String(),
		ExpectedShape: h.ExpectedShape,
		UnpackIdx:     h.UnpackIdx,
	}
	if p := h.Pipeline(); p != nil {
		axis := p.ShardAxis()
		if axis != transfer.NoShard {
			v.ShardAxis = &axis
		}
	}
	return v
}
