package transport

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/danmuck/edgerpc/internal/rpc"
	"github.com/rs/zerolog/log"
)

var errSessionGone = errors.New("transport: session torn down")

// Attach pumps conn through s until the link drops, the session goes
// away or ctx ends. It returns once the session is torn down; a clean
// hang-up returns nil.
func Attach(ctx context.Context, conn io.ReadWriteCloser, s *rpc.Session, cfg Config) error {
	cfg = cfg.withDefaults()

	var (
		writeMu   sync.Mutex
		closeOnce sync.Once
	)
	closeConn := func() {
		closeOnce.Do(func() { _ = conn.Close() })
	}
	drained := make(chan struct{}, 1)

	s.SetSendBytesCallback(func(b []byte) {
		writeMu.Lock()
		err := writeBounded(conn, b, cfg.WriteTimeout, closeConn)
		writeMu.Unlock()
		if err != nil {
			log.Warn().Str("session", s.ID()).Err(err).Msg("transport write failed")
			s.Close()
			closeConn()
		}
	})
	s.SetBufferIsEmptyCallback(func() {
		select {
		case drained <- struct{}{}:
		default:
		}
	})
	s.SetClosedCallback(closeConn)

	readDone := make(chan error, 1)
	go func() {
		readDone <- pump(ctx, conn, s, cfg, drained)
	}()

	var err error
	select {
	case err = <-readDone:
	case <-ctx.Done():
		err = ctx.Err()
		closeConn()
		<-readDone
	case <-s.Done():
		closeConn()
		<-readDone
	}
	s.Close()
	<-s.Done()
	closeConn()

	if errors.Is(err, errSessionGone) {
		return nil
	}
	return err
}

// writeBounded writes b within timeout. Connections with deadlines get
// a write deadline; anything else is closed when the timer fires, which
// unblocks the pending Write.
func writeBounded(conn io.Writer, b []byte, timeout time.Duration, closeConn func()) error {
	if dc, ok := conn.(interface{ SetWriteDeadline(time.Time) error }); ok {
		if err := dc.SetWriteDeadline(time.Now().Add(timeout)); err == nil {
			_, err := conn.Write(b)
			return err
		}
	}
	timer := time.AfterFunc(timeout, closeConn)
	defer timer.Stop()
	_, err := conn.Write(b)
	return err
}

// pump reads conn and feeds the session. It never reads more than the
// inbound queue can take, so bytes the session refuses stay in the
// transport's own buffers.
func pump(ctx context.Context, r io.Reader, s *rpc.Session, cfg Config, drained <-chan struct{}) error {
	buf := make([]byte, cfg.ReadBufferSize)
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for {
		want := min(len(buf), s.AvailableCapacity())
		if want == 0 {
			if err := stall(ctx, s, cfg, 1, rng, drained); err != nil {
				return err
			}
			want = max(1, min(len(buf), s.AvailableCapacity()))
		}
		n, err := r.Read(buf[:want])
		if n > 0 {
			if ferr := feed(ctx, s, buf[:n], cfg, rng, drained); ferr != nil {
				return ferr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			return err
		}
	}
}

func feed(ctx context.Context, s *rpc.Session, p []byte, cfg Config, rng *rand.Rand, drained <-chan struct{}) error {
	attempt := 0
	for len(p) > 0 {
		n := s.Feed(p, cfg.FeedTimeout)
		p = p[n:]
		if n > 0 {
			attempt = 0
			continue
		}
		attempt++
		if err := stall(ctx, s, cfg, attempt, rng, drained); err != nil {
			return err
		}
	}
	return nil
}

func stall(ctx context.Context, s *rpc.Session, cfg Config, attempt int, rng *rand.Rand, drained <-chan struct{}) error {
	timer := time.NewTimer(NextBackoffDelay(cfg.Backoff, attempt, rng))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.Done():
		return errSessionGone
	case <-drained:
	case <-timer.C:
	}
	return nil
}

// Abort closes conn, resetting TCP connections instead of a graceful
// FIN so the peer sees the decode failure as a hard error.
func Abort(conn io.Closer) rpc.ResetFunc {
	return func(s *rpc.Session) {
		raw := conn
		if wrapped, ok := conn.(interface{ NetConn() net.Conn }); ok {
			raw = wrapped.NetConn()
		}
		if tc, ok := raw.(*net.TCPConn); ok {
			_ = tc.SetLinger(0)
		}
		log.Info().Str("session", s.ID()).Msg("transport abort after decode error")
		_ = conn.Close()
	}
}

// Pipe joins a reader and a writer, such as stdin and stdout, into one
// connection. Close closes both when they are closers.
func Pipe(r io.Reader, w io.Writer) io.ReadWriteCloser {
	return &pipe{Reader: r, Writer: w}
}

type pipe struct {
	io.Reader
	io.Writer
}

func (p *pipe) Close() error {
	var errs []error
	if c, ok := p.Reader.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	if c, ok := p.Writer.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}
