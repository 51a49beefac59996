package transport

import (
	"bytes"
	"context"
	"io"
	"math/rand"
	"net"
	"testing"
	"time"

	"github.com/danmuck/edgerpc/internal/protocol"
	"github.com/danmuck/edgerpc/internal/protocol/frame"
	"github.com/danmuck/edgerpc/internal/rpc"
	"github.com/danmuck/edgerpc/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

type echo struct{}

func (echo) Name() string { return "echo" }

func (echo) Attach(s *rpc.Session) (any, error) {
	s.Register(protocol.TagSystemPingRequest, rpc.Handler{
		Handle: func(s *rpc.Session, msg *protocol.Message, _ any) {
			_ = s.Send(&protocol.Message{
				CommandID: msg.CommandID,
				Content:   protocol.Content{Tag: protocol.TagSystemPingResponse, Payload: msg.Content.Payload},
			})
		},
	})
	return nil, nil
}

func (echo) Detach(any) {}

func testEngine(t *testing.T, maxSessions int) *rpc.Engine {
	t.Helper()
	e, err := rpc.NewEngine(rpc.Config{QueueSize: 128, MaxSessions: maxSessions, MaxMessageBytes: 4096}, echo{})
	require.NoError(t, err)
	return e
}

func writeMsg(t *testing.T, conn net.Conn, msg *protocol.Message) {
	t.Helper()
	b, err := protocol.Framed(msg)
	require.NoError(t, err)
	require.NoError(t, conn.SetWriteDeadline(time.Now().Add(2*time.Second)))
	_, err = conn.Write(b)
	require.NoError(t, err)
}

func readMsg(t *testing.T, conn net.Conn) (*protocol.Message, error) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	msg := &protocol.Message{}
	err := protocol.DecodeFrame(frame.ReaderPull(conn), frame.DefaultLimits(), msg, nil)
	return msg, err
}

func ping(id uint32, data string) *protocol.Message {
	return &protocol.Message{
		CommandID: id,
		Content:   protocol.Content{Tag: protocol.TagSystemPingRequest, Payload: []byte(data)},
	}
}

func startAttach(t *testing.T, ctx context.Context, e *rpc.Engine) (net.Conn, <-chan error) {
	t.Helper()
	return startAttachConfig(t, ctx, e, DefaultConfig())
}

func startAttachConfig(t *testing.T, ctx context.Context, e *rpc.Engine, cfg Config) (net.Conn, <-chan error) {
	t.Helper()
	server, client := net.Pipe()
	s, err := e.Open(rpc.OwnerNet)
	require.NoError(t, err)
	errCh := make(chan error, 1)
	go func() { errCh <- Attach(ctx, server, s, cfg) }()
	t.Cleanup(func() { _ = client.Close() })
	return client, errCh
}

func waitErr(t *testing.T, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(2 * time.Second):
		t.Fatalf("attach did not return")
		return nil
	}
}

func TestAttachRoundTripAndHangUp(t *testing.T) {
	testlog.Start(t)
	e := testEngine(t, 2)
	client, errCh := startAttach(t, context.Background(), e)

	payload := bytes.Repeat([]byte("ab"), 300)
	writeMsg(t, client, ping(21, string(payload)))
	resp, err := readMsg(t, client)
	require.NoError(t, err)
	require.Equal(t, uint32(21), resp.CommandID)
	require.Equal(t, protocol.TagSystemPingResponse, resp.Content.Tag)
	require.Equal(t, payload, resp.Content.Payload)

	require.NoError(t, client.Close())
	require.NoError(t, waitErr(t, errCh))
	require.Equal(t, 0, e.ActiveSessions())
}

func TestAttachStopSessionSeversLink(t *testing.T) {
	testlog.Start(t)
	e := testEngine(t, 2)
	client, errCh := startAttach(t, context.Background(), e)

	writeMsg(t, client, &protocol.Message{CommandID: 4, Content: protocol.Content{Tag: protocol.TagStopSession}})
	resp, err := readMsg(t, client)
	require.NoError(t, err)
	require.Equal(t, uint32(4), resp.CommandID)
	require.Equal(t, protocol.StatusOK, resp.Status)

	_, err = readMsg(t, client)
	require.ErrorIs(t, err, frame.ErrShortFrame)
	require.NoError(t, waitErr(t, errCh))
	require.Equal(t, 0, e.ActiveSessions())
}

func TestAttachDecodeErrorNotifiesThenCloses(t *testing.T) {
	testlog.Start(t)
	e := testEngine(t, 2)
	client, errCh := startAttach(t, context.Background(), e)

	// A zero-length frame has no content.
	require.NoError(t, client.SetWriteDeadline(time.Now().Add(2*time.Second)))
	_, err := client.Write([]byte{0x00})
	require.NoError(t, err)

	resp, err := readMsg(t, client)
	require.NoError(t, err)
	require.Equal(t, uint32(0), resp.CommandID)
	require.Equal(t, protocol.StatusErrorDecode, resp.Status)

	_, err = readMsg(t, client)
	require.Error(t, err)
	require.NoError(t, waitErr(t, errCh))
}

func TestAttachStalledReaderDoesNotBlockOtherSessions(t *testing.T) {
	testlog.Start(t)
	e := testEngine(t, 2)
	cfg := DefaultConfig()
	cfg.WriteTimeout = 200 * time.Millisecond

	stalled, stalledErr := startAttachConfig(t, context.Background(), e, cfg)
	healthy, healthyErr := startAttachConfig(t, context.Background(), e, cfg)

	// The stalled peer asks for a reply it never reads.
	writeMsg(t, stalled, ping(1, "never read"))

	start := time.Now()
	writeMsg(t, healthy, ping(2, "still served"))
	resp, err := readMsg(t, healthy)
	require.NoError(t, err)
	require.Equal(t, uint32(2), resp.CommandID)
	require.Equal(t, "still served", string(resp.Content.Payload))
	require.Less(t, time.Since(start), time.Second)

	// The stalled session is dropped once its write times out.
	require.NoError(t, waitErr(t, stalledErr))
	require.NoError(t, healthy.Close())
	require.NoError(t, waitErr(t, healthyErr))
	require.Equal(t, 0, e.ActiveSessions())
}

func TestWriteBoundedClosesWriterWithoutDeadline(t *testing.T) {
	testlog.Start(t)
	r, w := io.Pipe()
	defer r.Close()
	closed := make(chan struct{})
	err := writeBounded(w, []byte("stuck"), 50*time.Millisecond, func() {
		_ = w.Close()
		close(closed)
	})
	require.ErrorIs(t, err, io.ErrClosedPipe)
	select {
	case <-closed:
	default:
		t.Fatalf("close not called")
	}
}

func TestAttachContextCancel(t *testing.T) {
	testlog.Start(t)
	e := testEngine(t, 2)
	ctx, cancel := context.WithCancel(context.Background())
	_, errCh := startAttach(t, ctx, e)

	cancel()
	require.ErrorIs(t, waitErr(t, errCh), context.Canceled)
	require.Equal(t, 0, e.ActiveSessions())
}

func TestServeRejectsWhenBusy(t *testing.T) {
	testlog.Start(t)
	e := testEngine(t, 1)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	serveErr := make(chan error, 1)
	go func() { serveErr <- Serve(ctx, ln, e, rpc.OwnerNet, DefaultConfig()) }()

	first, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer first.Close()
	writeMsg(t, first, ping(1, "hello"))
	resp, err := readMsg(t, first)
	require.NoError(t, err)
	require.Equal(t, "hello", string(resp.Content.Payload))

	second, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer second.Close()
	require.NoError(t, second.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = second.Read(make([]byte, 1))
	require.ErrorIs(t, err, io.EOF)

	cancel()
	select {
	case err := <-serveErr:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatalf("serve did not stop")
	}
	require.Equal(t, 0, e.ActiveSessions())
}

func TestPipeClosesBothEnds(t *testing.T) {
	r, rw := io.Pipe()
	wr, w := io.Pipe()
	p := Pipe(r, w)

	go func() { _, _ = rw.Write([]byte("x")) }()
	buf := make([]byte, 1)
	_, err := io.ReadFull(p, buf)
	require.NoError(t, err)

	require.NoError(t, p.Close())
	_, err = rw.Write([]byte("y"))
	require.ErrorIs(t, err, io.ErrClosedPipe)
	_, err = wr.Read(buf)
	require.ErrorIs(t, err, io.EOF)
}

func TestNextBackoffDelayDeterministicNoJitter(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       false,
	}
	if got := NextBackoffDelay(cfg, 1, nil); got != 250*time.Millisecond {
		t.Fatalf("attempt1 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 2, nil); got != 500*time.Millisecond {
		t.Fatalf("attempt2 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 3, nil); got != time.Second {
		t.Fatalf("attempt3 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 6, nil); got != 5*time.Second {
		t.Fatalf("attempt6 got=%v", got)
	}
	if got := NextBackoffDelay(BackoffConfig{}, 3, nil); got != 0 {
		t.Fatalf("zero config got=%v", got)
	}
}

func TestNextBackoffDelayJitterRange(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       true,
	}
	rng := rand.New(rand.NewSource(7))
	for attempt := 1; attempt <= 4; attempt++ {
		base := NextBackoffDelay(BackoffConfig{InitialDelay: cfg.InitialDelay, Multiplier: 2, MaxDelay: cfg.MaxDelay}, attempt, nil)
		got := NextBackoffDelay(cfg, attempt, rng)
		if got < base/2 || got >= base*3/2 {
			t.Fatalf("attempt %d jitter out of range: %v (base %v)", attempt, got, base)
		}
	}
}
