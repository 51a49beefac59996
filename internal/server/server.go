// Package server is the admin HTTP surface of the daemon.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/danmuck/edgerpc/internal/auth"
	"github.com/danmuck/edgerpc/internal/observability"
	"github.com/danmuck/edgerpc/internal/rpc"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const serviceName = "edgerpcd"

// Admin serves health, readiness, session and metrics endpoints for one
// engine.
type Admin struct {
	engine  *rpc.Engine
	router  *gin.Engine
	started time.Time
	ready   atomic.Bool
	httpSrv *http.Server
	tokens  auth.Validator
}

type Options struct {
	// CORSOrigins lists browser origins allowed to read the admin API.
	CORSOrigins []string
	// Token, when set, must accompany requests that change session state
	// as an "Authorization: Bearer" header.
	Token string
}

func New(engine *rpc.Engine, opts Options) *Admin {
	gin.SetMode(gin.ReleaseMode)
	observability.RegisterMetrics()

	router := gin.New()
	router.Use(gin.Recovery())
	if len(opts.CORSOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins: opts.CORSOrigins,
			AllowMethods: []string{"GET", "DELETE"},
			AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
			MaxAge:       12 * time.Hour,
		}))
	}
	router.Use(observability.RequestLogger(log.Logger, "/metrics", "/health"))
	router.Use(observability.RequestMetricsMiddleware(serviceName))

	a := &Admin{
		engine:  engine,
		router:  router,
		started: time.Now(),
	}
	if opts.Token != "" {
		a.tokens = auth.StaticToken{Token: opts.Token}
	}
	a.registerRoutes()
	return a
}

// SetReady flips the readiness probe once the listener is serving.
func (a *Admin) SetReady(ready bool) { a.ready.Store(ready) }

func (a *Admin) Handler() http.Handler { return a.router }

// Serve runs the admin server on ln until ctx ends.
func (a *Admin) Serve(ctx context.Context, ln net.Listener) error {
	a.httpSrv = &http.Server{
		Handler:           a.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- a.httpSrv.Serve(ln) }()
	log.Info().Str("addr", ln.Addr().String()).Msg("admin http listening")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.httpSrv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	<-errCh
	return nil
}
