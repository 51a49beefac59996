// Package daemon assembles the engine, the bundled subsystems and the
// listeners of edgerpcd from one resolved config.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"github.com/danmuck/edgerpc/internal/config"
	"github.com/danmuck/edgerpc/internal/rpc"
	"github.com/danmuck/edgerpc/internal/server"
	"github.com/danmuck/edgerpc/internal/subsys/property"
	"github.com/danmuck/edgerpc/internal/subsys/storage"
	"github.com/danmuck/edgerpc/internal/subsys/system"
	"github.com/danmuck/edgerpc/internal/transport"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
)

// Daemon owns one engine and everything that feeds it.
type Daemon struct {
	cfg    config.Config
	engine *rpc.Engine
	store  *storage.Storage
	props  *property.Store

	ready      chan struct{}
	readyOnce  sync.Once
	mu         sync.Mutex
	listenAddr net.Addr
	adminAddr  net.Addr
}

func New(cfg config.Config) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	store, err := storage.New(cfg.Storage.Root)
	if err != nil {
		return nil, fmt.Errorf("daemon: storage: %w", err)
	}
	props := property.New(cfg.Device.Properties)
	props.Set("devinfo.device.name", cfg.Device.Name)

	engine, err := rpc.NewEngine(cfg.Engine,
		system.New(cfg.Device.Name, nil),
		store,
		props,
	)
	if err != nil {
		return nil, fmt.Errorf("daemon: engine: %w", err)
	}
	return &Daemon{
		cfg:    cfg,
		engine: engine,
		store:  store,
		props:  props,
		ready:  make(chan struct{}),
	}, nil
}

func (d *Daemon) Engine() *rpc.Engine { return d.engine }

// Ready is closed once every listener is bound.
func (d *Daemon) Ready() <-chan struct{} { return d.ready }

func (d *Daemon) markReady() {
	d.readyOnce.Do(func() { close(d.ready) })
}

func (d *Daemon) ListenAddr() net.Addr {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.listenAddr
}

// AdminAddr is nil when the admin server is disabled.
func (d *Daemon) AdminAddr() net.Addr {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.adminAddr
}

// Run serves the RPC listener, and the admin server when configured,
// until ctx ends or one of them fails.
func (d *Daemon) Run(ctx context.Context) error {
	ln, err := transport.Listen(d.cfg.Listen.Network, d.cfg.Listen.Address, d.cfg.Listen.Security)
	if err != nil {
		return fmt.Errorf("daemon: listen: %w", err)
	}

	var (
		admin   *server.Admin
		adminLn net.Listener
	)
	if d.cfg.Admin.Address != "" {
		adminLn, err = net.Listen("tcp", d.cfg.Admin.Address)
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("daemon: admin listen: %w", err)
		}
		admin = server.New(d.engine, server.Options{
			CORSOrigins: d.cfg.Admin.CORSOrigins,
			Token:       d.cfg.Admin.Token,
		})
	}

	d.mu.Lock()
	d.listenAddr = ln.Addr()
	if adminLn != nil {
		d.adminAddr = adminLn.Addr()
	}
	d.mu.Unlock()

	log.Info().
		Str("device", d.cfg.Device.Name).
		Str("storage_root", d.store.Root()).
		Int("max_sessions", d.engine.Config().MaxSessions).
		Bool("tls", d.cfg.Listen.Security.TLS.Enabled).
		Msg("edgerpcd starting")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return transport.Serve(gctx, ln, d.engine, d.cfg.Listen.Owner, d.cfg.Listen.Transport)
	})
	if admin != nil {
		g.Go(func() error {
			return admin.Serve(gctx, adminLn)
		})
		admin.SetReady(true)
	}
	d.markReady()

	err = g.Wait()
	log.Info().Err(err).Int("active_sessions", d.engine.ActiveSessions()).Msg("edgerpcd stopped")
	return err
}

// RunStdio serves a single session over in and out, such as a local
// shell's stdin and stdout. A terminal on in is switched to raw mode for
// the duration so control bytes pass through untouched.
func (d *Daemon) RunStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		state, err := term.MakeRaw(int(f.Fd()))
		if err != nil {
			return fmt.Errorf("daemon: raw mode: %w", err)
		}
		defer func() {
			if err := term.Restore(int(f.Fd()), state); err != nil {
				log.Warn().Err(err).Msg("restore terminal failed")
			}
		}()
	}

	s, err := d.engine.NewSession(rpc.OwnerCLI).AttachDefaults().Build()
	if err != nil {
		return err
	}
	d.markReady()
	log.Info().Str("session", s.ID()).Msg("edgerpcd serving stdio")
	err = transport.Attach(ctx, transport.Pipe(in, out), s, d.cfg.Listen.Transport)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
