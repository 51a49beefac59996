// Package edgetest wires subsystems to a client over an in-memory link.
package edgetest

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/danmuck/edgerpc/internal/client"
	"github.com/danmuck/edgerpc/internal/protocol/frame"
	"github.com/danmuck/edgerpc/internal/rpc"
	"github.com/danmuck/edgerpc/internal/transport"
)

const Timeout = 5 * time.Second

// Config is the engine config used by Dial.
func Config() rpc.Config {
	return rpc.Config{QueueSize: 512, MaxSessions: 4, MaxMessageBytes: 64 << 10}
}

// Dial opens a session with subs attached and returns a client talking
// to it through net.Pipe. Cleanup closes the client and waits for the
// session to tear down.
func Dial(t testing.TB, subs ...rpc.Subsystem) (*client.Client, *rpc.Engine) {
	t.Helper()
	e, err := rpc.NewEngine(Config(), subs...)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	s, err := e.Open(rpc.OwnerUnknown)
	if err != nil {
		t.Fatalf("open session: %v", err)
	}

	server, conn := net.Pipe()
	attached := make(chan error, 1)
	go func() {
		attached <- transport.Attach(context.Background(), server, s, transport.DefaultConfig())
	}()
	c := client.New(conn, frame.DefaultLimits())
	t.Cleanup(func() {
		_ = c.Close()
		select {
		case err := <-attached:
			if err != nil {
				t.Errorf("attach: %v", err)
			}
		case <-time.After(Timeout):
			t.Errorf("session did not tear down")
		}
	})
	return c, e
}

// Context returns a context that expires after Timeout.
func Context(t testing.TB) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), Timeout)
	t.Cleanup(cancel)
	return ctx
}
