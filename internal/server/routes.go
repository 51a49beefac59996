package server

import (
	"net/http"
	"time"

	"github.com/danmuck/edgerpc/internal/auth"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

func (a *Admin) registerRoutes() {
	a.router.GET("/health", a.health)
	a.router.GET("/ready", a.readiness)
	a.router.GET("/sessions", a.listSessions)
	a.router.GET("/sessions/:id", a.getSession)
	a.router.DELETE("/sessions/:id", a.requireToken, a.closeSession)
	a.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

func (a *Admin) requireToken(c *gin.Context) {
	if a.tokens == nil {
		c.Next()
		return
	}
	if err := auth.Check(a.tokens, c.Request); err != nil {
		log.Warn().Str("path", c.FullPath()).Str("remote", c.ClientIP()).Msg("admin request unauthorized")
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Next()
}

func (a *Admin) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"service":        serviceName,
		"uptime_seconds": int64(time.Since(a.started) / time.Second),
	})
}

// readiness fails while the listener is down or every session slot is
// taken, so a balancer stops sending new links.
func (a *Admin) readiness(c *gin.Context) {
	limit := a.engine.Config().MaxSessions
	active := a.engine.ActiveSessions()
	body := gin.H{"active_sessions": active, "max_sessions": limit}
	switch {
	case !a.ready.Load():
		body["status"] = "starting"
		c.JSON(http.StatusServiceUnavailable, body)
	case limit > 0 && active >= limit:
		body["status"] = "busy"
		c.JSON(http.StatusServiceUnavailable, body)
	default:
		body["status"] = "ready"
		c.JSON(http.StatusOK, body)
	}
}

func (a *Admin) listSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": a.engine.Sessions()})
}

func (a *Admin) getSession(c *gin.Context) {
	s, ok := a.engine.Lookup(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, s.Info())
}

// closeSession requests a disconnect; teardown finishes asynchronously.
func (a *Admin) closeSession(c *gin.Context) {
	s, ok := a.engine.Lookup(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	s.Close()
	c.JSON(http.StatusAccepted, gin.H{"id": s.ID(), "status": "closing"})
}
