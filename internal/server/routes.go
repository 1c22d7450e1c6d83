package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (a *Admin) registerRoutes() {
	a.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(a.Appeared).String(),
			"service": a.ID,
			"version": version,
		})
	})

	a.router.GET("/ready", func(c *gin.Context) {
		hooks := a.source.Hooks()
		bound := 0
		for _, h := range hooks {
			if h.Pipeline() != nil {
				bound++
			}
		}
		c.JSON(http.StatusOK, gin.H{
			"ready":   true,
			"hooks":   len(hooks),
			"bound":   bound,
			"service": a.ID,
			"version": version,
		})
	})

	a.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	a.router.GET("/hooks", func(c *gin.Context) {
		hooks := a.source.Hooks()
		out := make([]hookView, 0, len(hooks))
		for _, h := range hooks {
			out = append(out, viewHook(h))
		}
		c.JSON(http.StatusOK, gin.H{"hooks": out})
	})

	a.router.GET("/activations", func(c *gin.Context) {
		out := make(map[string][][]int)
		for module, ts := range a.source.Outputs() {
			shapes := make([][]int, 0, len(ts))
			for _, t := range ts {
				shapes = append(shapes, t.Shape())
			}
			out[module] = shapes
		}
		c.JSON(http.StatusOK, gin.H{"activations": out})
	})

	a.router.POST("/activations/reset", func(c *gin.Context) {
		a.source.ResetOutputs()
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}
