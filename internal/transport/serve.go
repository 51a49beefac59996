package transport

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/danmuck/edgerpc/internal/rpc"
	"github.com/rs/zerolog/log"
)

// Serve accepts connections on ln and runs one session per connection
// until ctx ends. A connection arriving while the engine is busy is
// closed straight away.
func Serve(ctx context.Context, ln net.Listener, e *rpc.Engine, owner rpc.Owner, cfg Config) error {
	cfg = cfg.withDefaults()
	log.Info().
		Str("addr", ln.Addr().String()).
		Str("owner", owner.String()).
		Msg("transport listening")

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
		case <-stop:
		}
		_ = ln.Close()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		b := e.NewSession(owner).AttachDefaults()
		if cfg.ResetOnDecodeError {
			b.OnDecodeErrorReset(Abort(conn))
		}
		s, err := b.Build()
		if err != nil {
			log.Warn().
				Str("remote", conn.RemoteAddr().String()).
				Err(err).
				Msg("transport session refused")
			_ = conn.Close()
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			remote := conn.RemoteAddr().String()
			log.Info().Str("remote", remote).Str("session", s.ID()).Msg("transport client connected")
			err := Attach(ctx, conn, s, cfg)
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Warn().Str("remote", remote).Str("session", s.ID()).Err(err).Msg("transport client error")
				return
			}
			log.Info().Str("remote", remote).Str("session", s.ID()).Msg("transport client disconnected")
		}()
	}
}
