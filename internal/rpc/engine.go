package rpc

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/danmuck/edgerpc/internal/observability"
	"github.com/danmuck/edgerpc/internal/protocol"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Subsystem provides handlers to every session it is attached to.
type Subsystem interface {
	Name() string
	// Attach registers handlers on s and returns the state Detach will
	// receive. It runs before the session worker starts.
	Attach(s *Session) (any, error)
	// Detach releases what Attach allocated. It runs after the worker
	// has exited, in attach order.
	Detach(state any)
}

// Engine owns the execution serializer shared by its sessions.
type Engine struct {
	exec       sync.Mutex
	cfg        Config
	subsystems []Subsystem

	mu       sync.Mutex
	sessions map[string]*Session
	reserved int
}

// NewEngine builds an engine whose Open attaches subsystems in order.
func NewEngine(cfg Config, subsystems ...Subsystem) (*Engine, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	for i, sub := range subsystems {
		if sub == nil {
			return nil, fmt.Errorf("%w: index %d", ErrNilSubsystem, i)
		}
	}
	return &Engine{
		cfg:        cfg,
		subsystems: append([]Subsystem(nil), subsystems...),
		sessions:   make(map[string]*Session),
	}, nil
}

func (e *Engine) Config() Config { return e.cfg }

// Open starts a session with the engine's subsystems attached. It returns
// ErrBusy when MaxSessions sessions are live.
func (e *Engine) Open(owner Owner) (*Session, error) {
	return e.NewSession(owner).AttachDefaults().Build()
}

// NewSession starts a builder with no subsystems attached.
func (e *Engine) NewSession(owner Owner) *SessionBuilder {
	return &SessionBuilder{engine: e, owner: owner}
}

// ActiveSessions is the number of sessions not yet torn down.
func (e *Engine) ActiveSessions() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reserved
}

// Sessions lists live sessions ordered by open time.
func (e *Engine) Sessions() []Info {
	e.mu.Lock()
	live := make([]*Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		live = append(live, s)
	}
	e.mu.Unlock()

	out := make([]Info, 0, len(live))
	for _, s := range live {
		out = append(out, s.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out
}

// Lookup returns a live session by id.
func (e *Engine) Lookup(id string) (*Session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[id]
	return s, ok
}

func (e *Engine) reserve() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cfg.MaxSessions > 0 && e.reserved >= e.cfg.MaxSessions {
		return false
	}
	e.reserved++
	return true
}

func (e *Engine) unreserve() {
	e.mu.Lock()
	e.reserved--
	e.mu.Unlock()
}

func (e *Engine) track(s *Session) {
	e.mu.Lock()
	e.sessions[s.id] = s
	e.mu.Unlock()
	observability.SessionOpened(s.owner.String())
}

func (e *Engine) release(s *Session) {
	e.mu.Lock()
	delete(e.sessions, s.id)
	e.reserved--
	e.mu.Unlock()
	observability.SessionClosed(s.owner.String())
}

// SessionBuilder collects the subsystems and policies of one session.
type SessionBuilder struct {
	engine *Engine
	owner  Owner
	subs   []Subsystem
	reset  ResetFunc
	built  bool
}

// Attach appends subsystems; they attach in call order.
func (b *SessionBuilder) Attach(subs ...Subsystem) *SessionBuilder {
	b.subs = append(b.subs, subs...)
	return b
}

// AttachDefaults appends the engine's own subsystem list.
func (b *SessionBuilder) AttachDefaults() *SessionBuilder {
	if b.engine != nil {
		b.subs = append(b.subs, b.engine.subsystems...)
	}
	return b
}

// OnDecodeErrorReset sets the escalation run after a decode error.
func (b *SessionBuilder) OnDecodeErrorReset(fn ResetFunc) *SessionBuilder {
	b.reset = fn
	return b
}

// Build attaches every subsystem, registers the stop-session handler and
// starts the worker. A failed attach detaches the subsystems already
// attached and releases the engine slot.
func (b *SessionBuilder) Build() (*Session, error) {
	if b.engine == nil {
		return nil, ErrNilEngine
	}
	if b.built {
		return nil, ErrAlreadyBuilt
	}
	b.built = true
	e := b.engine
	if !e.reserve() {
		observability.RecordOpenRejected(b.owner.String())
		log.Warn().
			Str("owner", b.owner.String()).
			Int("max_sessions", e.cfg.MaxSessions).
			Msg("rpc open rejected: engine busy")
		return nil, ErrBusy
	}

	id := uuid.NewString()
	s := &Session{
		id:           id,
		owner:        b.owner,
		engine:       e,
		openedAt:     time.Now(),
		limits:       e.cfg.limits(),
		log:          log.With().Str("session", id).Str("owner", b.owner.String()).Logger(),
		handlers:     make(map[protocol.Tag]Handler),
		hooks:        make(map[protocol.Tag]protocol.SubDecodeFunc),
		reset:        b.reset,
		inbound:      newInboundQueue(e.cfg.QueueSize),
		disconnected: make(chan struct{}),
		exited:       make(chan struct{}),
		done:         make(chan struct{}),
	}

	for _, sub := range b.subs {
		if sub == nil {
			s.detachAll()
			e.unreserve()
			return nil, ErrNilSubsystem
		}
		state, err := sub.Attach(s)
		if err != nil {
			s.detachAll()
			e.unreserve()
			return nil, fmt.Errorf("%w: %s: %v", ErrAttachFailed, sub.Name(), err)
		}
		s.attached = append(s.attached, attachment{sub: sub, state: state})
	}
	s.Register(protocol.TagStopSession, Handler{Handle: handleStopSession})

	s.started.Store(true)
	e.track(s)
	s.log.Info().Int("handlers", len(s.handlers)).Msg("rpc session opened")
	go s.run()
	go s.supervise()
	return s, nil
}

func (s *Session) detachAll() {
	for _, a := range s.attached {
		a.sub.Detach(a.state)
	}
	s.attached = nil
}

// handleStopSession acknowledges the request and tells the transport
// side to sever the link. The session keeps running until Close.
func handleStopSession(s *Session, msg *protocol.Message, _ any) {
	_ = s.SendEmpty(msg.CommandID, protocol.StatusOK)
	s.notifyClosed()
}
