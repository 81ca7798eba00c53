// Package health exposes the liveness and readiness probes.
package health

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Pinger reports whether the shared store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// MediaPool reports whether any media worker is available.
type MediaPool interface {
	Healthy() bool
}

// Live always succeeds while the process is up.
func Live(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Ready reports whether the node can take traffic: the store answers and the
// media pool has at least one worker.
func Ready(store Pinger, pool MediaPool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := store.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "reason": "store unreachable"})
			return
		}
		if pool != nil && !pool.Healthy() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "reason": "no media workers"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	}
}
