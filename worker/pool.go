package worker

import (
	"context"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/sirupsen/logrus"

	"github.com/dinobot22/mineru-tianshu/store"
)

// Pool hosts every runtime of one worker process and answers its health
// endpoint.
type Pool struct {
	runtimes []*Runtime
	st       *store.Store
	logger   *logrus.Logger
}

func NewPool(runtimes []*Runtime, st *store.Store, logger *logrus.Logger) *Pool {
	return &Pool{runtimes: runtimes, st: st, logger: logger}
}

// Run starts every runtime and blocks until all loops exit.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, rt := range p.runtimes {
		wg.Add(1)
		go func(rt *Runtime) {
			defer wg.Done()
			rt.Run(ctx)
		}(rt)
	}
	wg.Wait()
}

// HealthHandler reports worker ids, queue stats, and host memory headroom.
func (p *Pool) HealthHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ids := make([]string, 0, len(p.runtimes))
		for _, rt := range p.runtimes {
			ids = append(ids, rt.ID())
		}

		resp := gin.H{
			"status":  "healthy",
			"workers": ids,
		}

		stats, err := p.st.Stats(c.Request.Context())
		if err != nil {
			p.logger.WithError(err).Error("health check: store unreachable")
			resp["status"] = "unhealthy"
			resp["error"] = err.Error()
			c.JSON(http.StatusServiceUnavailable, resp)
			return
		}
		resp["queue_stats"] = stats

		if vm, err := mem.VirtualMemory(); err == nil {
			resp["memory_available_bytes"] = vm.Available
		}
		c.JSON(http.StatusOK, resp)
	}
}
