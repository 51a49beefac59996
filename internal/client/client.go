package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/danmuck/edgerpc/internal/protocol"
	"github.com/danmuck/edgerpc/internal/protocol/frame"
	"github.com/rs/zerolog/log"
)

var (
	ErrClosed       = errors.New("client: connection closed")
	ErrPeerDecode   = errors.New("client: peer could not decode a request")
	ErrNoFragments  = errors.New("client: no request fragments")
	ErrUnexpectedID = errors.New("client: response for unknown command")
	ErrRequestDone  = errors.New("client: request already sent its final fragment")
)

// StatusError is a response that carried a non-OK status.
type StatusError struct {
	CommandID uint32
	Status    protocol.Status
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("client: command %d failed: %s", e.CommandID, e.Status)
}

// IsStatus reports whether err is a StatusError carrying status.
func IsStatus(err error, status protocol.Status) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Status == status
}

type call struct {
	frags []*protocol.Message
	done  chan struct{}
	err   error
}

// Client issues requests over one connection and matches responses by
// command id. It is safe for concurrent use.
type Client struct {
	conn   io.ReadWriteCloser
	limits frame.Limits

	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  uint32
	pending map[uint32]*call
	err     error
	closed  chan struct{}
}

// New starts a client on conn. The client owns conn from here on.
func New(conn io.ReadWriteCloser, limits frame.Limits) *Client {
	c := &Client{
		conn:    conn,
		limits:  limits,
		pending: make(map[uint32]*call),
		closed:  make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Dial connects to addr over network and starts a client. A non-nil
// tlsCfg wraps the connection in TLS.
func Dial(ctx context.Context, network, addr string, tlsCfg *tls.Config) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	if tlsCfg != nil {
		tc := tls.Client(conn, tlsCfg)
		if err := tc.HandshakeContext(ctx); err != nil {
			_ = conn.Close()
			return nil, err
		}
		conn = tc
	}
	return New(conn, frame.DefaultLimits()), nil
}

// Close drops the connection and fails every call in flight.
func (c *Client) Close() error {
	err := c.conn.Close()
	<-c.closed
	return err
}

// Done is closed once the connection has gone away.
func (c *Client) Done() <-chan struct{} { return c.closed }

func (c *Client) readLoop() {
	pull := frame.ReaderPull(c.conn)
	var err error
	for {
		msg := &protocol.Message{}
		if err = protocol.DecodeFrame(pull, c.limits, msg, nil); err != nil {
			break
		}
		c.deliver(msg)
	}
	if errors.Is(err, frame.ErrShortFrame) || errors.Is(err, net.ErrClosed) {
		err = ErrClosed
	}
	c.shutdown(err)
	_ = c.conn.Close()
	close(c.closed)
}

func (c *Client) deliver(msg *protocol.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if msg.CommandID == 0 {
		// Engine notice: the peer dropped bytes it could not decode, so
		// no pending call can be answered any more.
		log.Warn().Str("status", msg.Status.String()).Msg("client received engine notice")
		for id, cl := range c.pending {
			cl.err = fmt.Errorf("%w: %s", ErrPeerDecode, msg.Status)
			close(cl.done)
			delete(c.pending, id)
		}
		return
	}
	cl, ok := c.pending[msg.CommandID]
	if !ok {
		log.Debug().Uint32("command_id", msg.CommandID).Err(ErrUnexpectedID).Msg("client dropped response")
		return
	}
	cl.frags = append(cl.frags, msg)
	if msg.Status != protocol.StatusOK {
		cl.err = &StatusError{CommandID: msg.CommandID, Status: msg.Status}
	}
	if !msg.HasNext || cl.err != nil {
		close(cl.done)
		delete(c.pending, msg.CommandID)
	}
}

func (c *Client) shutdown(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		c.err = err
	}
	for id, cl := range c.pending {
		cl.err = c.err
		close(cl.done)
		delete(c.pending, id)
	}
}

func (c *Client) register() (uint32, *call, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return 0, nil, c.err
	}
	for {
		c.nextID++
		if c.nextID == 0 {
			continue
		}
		if _, busy := c.pending[c.nextID]; !busy {
			break
		}
	}
	cl := &call{done: make(chan struct{})}
	c.pending[c.nextID] = cl
	return c.nextID, cl, nil
}

func (c *Client) forget(id uint32) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Do sends one request and returns every response fragment.
func (c *Client) Do(ctx context.Context, content protocol.Content) ([]*protocol.Message, error) {
	return c.DoFragments(ctx, []protocol.Content{content})
}

// DoFragments sends contents as one request split over several envelopes
// sharing a command id, every one but the last flagged HasNext.
func (c *Client) DoFragments(ctx context.Context, contents []protocol.Content) ([]*protocol.Message, error) {
	if len(contents) == 0 {
		return nil, ErrNoFragments
	}
	req, err := c.Begin()
	if err != nil {
		return nil, err
	}
	for i, content := range contents {
		if err := req.Send(content, i < len(contents)-1); err != nil {
			return nil, err
		}
	}
	return req.Wait(ctx)
}

// Request is one command whose fragments are sent as they are produced.
// Fragments of different requests may interleave on the connection.
type Request struct {
	c    *Client
	id   uint32
	cl   *call
	last bool
}

// Begin reserves a command id for a request sent fragment by fragment.
func (c *Client) Begin() (*Request, error) {
	id, cl, err := c.register()
	if err != nil {
		return nil, err
	}
	return &Request{c: c, id: id, cl: cl}, nil
}

func (r *Request) ID() uint32 { return r.id }

// Send writes one fragment. hasNext false marks the final fragment; no
// fragment may follow it. A failed send abandons the request.
func (r *Request) Send(content protocol.Content, hasNext bool) error {
	if r.last {
		return ErrRequestDone
	}
	body, err := protocol.Encode(&protocol.Message{
		CommandID: r.id,
		HasNext:   hasNext,
		Content:   content,
	})
	if err == nil {
		err = r.c.writeFrame(body)
	}
	if err != nil {
		r.Abandon()
		return err
	}
	r.last = !hasNext
	return nil
}

// Abandon stops waiting for the response.
func (r *Request) Abandon() {
	r.last = true
	r.c.forget(r.id)
}

// Wait returns every response fragment. The peer may answer before the
// final fragment is sent, for example to reject the request.
func (r *Request) Wait(ctx context.Context) ([]*protocol.Message, error) {
	select {
	case <-r.cl.done:
		return r.cl.frags, r.cl.err
	case <-ctx.Done():
		r.c.forget(r.id)
		return nil, ctx.Err()
	}
}

// Answered reports whether the response is complete without blocking.
func (r *Request) Answered() bool {
	select {
	case <-r.cl.done:
		return true
	default:
		return false
	}
}

func (c *Client) writeFrame(body []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := frame.WriteFrame(c.conn, body); err != nil {
		if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
			return ErrClosed
		}
		return err
	}
	return nil
}

// callFragments sends v under tag and decodes each fragment into a T.
func callFragments[T any](ctx context.Context, c *Client, tag protocol.Tag, v any, want protocol.Tag) ([]T, error) {
	content, err := protocol.NewContent(tag, v)
	if err != nil {
		return nil, err
	}
	frags, err := c.Do(ctx, content)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(frags))
	for _, msg := range frags {
		var item T
		if err := msg.Content.Unmarshal(want, &item); err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, nil
}

func callOne[T any](ctx context.Context, c *Client, tag protocol.Tag, v any, want protocol.Tag) (T, error) {
	var zero T
	items, err := callFragments[T](ctx, c, tag, v, want)
	if err != nil {
		return zero, err
	}
	if len(items) == 0 {
		return zero, fmt.Errorf("client: empty %s response", want)
	}
	return items[len(items)-1], nil
}

// callEmpty sends v under tag and expects a status-only answer.
func (c *Client) callEmpty(ctx context.Context, tag protocol.Tag, v any) error {
	content, err := protocol.NewContent(tag, v)
	if err != nil {
		return err
	}
	_, err = c.Do(ctx, content)
	return err
}
