package property

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/danmuck/edgerpc/internal/protocol"
	"github.com/danmuck/edgerpc/internal/rpc"
	"github.com/danmuck/edgerpc/internal/subsys"
)

type GetRequest struct {
	Key string `cbor:"1,keyasint"`
}

type GetResponse struct {
	Key   string `cbor:"1,keyasint"`
	Value string `cbor:"2,keyasint"`
}

// Store is a dotted-key property set shared by every session.
type Store struct {
	mu    sync.RWMutex
	props map[string]string
}

// New returns a store holding a copy of initial.
func New(initial map[string]string) *Store {
	s := &Store{props: make(map[string]string, len(initial))}
	for k, v := range initial {
		s.Set(k, v)
	}
	return s
}

// Set upserts key; blank keys are ignored.
func (st *Store) Set(key, value string) {
	key = strings.TrimSpace(key)
	if key == "" {
		return
	}
	st.mu.Lock()
	st.props[key] = value
	st.mu.Unlock()
}

// Get lists the properties whose key equals prefix or lies beneath it,
// in key order. An empty prefix matches everything.
func (st *Store) Get(prefix string) []GetResponse {
	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	st.mu.RLock()
	out := make([]GetResponse, 0, len(st.props))
	for k, v := range st.props {
		if matches(k, prefix) {
			out = append(out, GetResponse{Key: k, Value: v})
		}
	}
	st.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func matches(key, prefix string) bool {
	if prefix == "" || key == prefix {
		return true
	}
	return strings.HasPrefix(key, prefix+".")
}

func (st *Store) Name() string { return "property" }

func (st *Store) Attach(s *rpc.Session) (any, error) {
	s.Register(protocol.TagPropertyGetRequest, rpc.Handler{Handle: st.get})
	return nil, nil
}

func (st *Store) Detach(any) {}

func (st *Store) get(s *rpc.Session, msg *protocol.Message, _ any) {
	var req GetRequest
	if !subsys.Decode(s, msg, &req) {
		return
	}
	found := st.Get(req.Key)
	if len(found) == 0 {
		subsys.Fail(s, msg.CommandID, fmt.Errorf("%w: no property under %q", subsys.ErrInvalidParameter, req.Key))
		return
	}
	subsys.RespondFragments(s, msg.CommandID, protocol.TagPropertyGetResponse, found)
}
