package storage

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/danmuck/edgerpc/internal/protocol"
	"github.com/danmuck/edgerpc/internal/protocol/frame"
	"github.com/danmuck/edgerpc/internal/rpc"
	"github.com/danmuck/edgerpc/internal/subsys"
	"github.com/rs/zerolog/log"
	"github.com/zeebo/blake3"
)

const (
	// ReadChunkSize is the payload size of one read response fragment.
	ReadChunkSize = 512
	// ListChunkSize is the number of entries per list response fragment.
	ListChunkSize = 8

	tempPrefix = ".edgerpc-write-"
)

type EntryType uint8

const (
	EntryFile EntryType = iota
	EntryDir
)

func (t EntryType) String() string {
	if t == EntryDir {
		return "dir"
	}
	return "file"
}

type Entry struct {
	Name string    `cbor:"1,keyasint"`
	Type EntryType `cbor:"2,keyasint"`
	Size int64     `cbor:"3,keyasint,omitempty"`
}

type PathRequest struct {
	Path string `cbor:"1,keyasint"`
}

type DeleteRequest struct {
	Path      string `cbor:"1,keyasint"`
	Recursive bool   `cbor:"2,keyasint,omitempty"`
}

type ListResponse struct {
	Entries []Entry `cbor:"1,keyasint"`
}

type ReadResponse struct {
	Data []byte `cbor:"1,keyasint"`
}

type StatResponse struct {
	Entry Entry `cbor:"1,keyasint"`
}

type ChecksumResponse struct {
	Sum string `cbor:"1,keyasint"`
}

// EncodeWriteChunk builds the raw payload of a write request fragment:
// a big-endian u16 path length, the path, then the file bytes.
func EncodeWriteChunk(path string, data []byte) ([]byte, error) {
	if len(path) > 0xffff {
		return nil, fmt.Errorf("%w: path too long", subsys.ErrInvalidParameter)
	}
	out := make([]byte, 2, 2+len(path)+len(data))
	binary.BigEndian.PutUint16(out, uint16(len(path)))
	out = append(out, path...)
	return append(out, data...), nil
}

// Storage serves a directory tree. Requests cannot reach outside root.
type Storage struct {
	root string
}

// New returns a storage subsystem rooted at root, creating it if needed.
func New(root string) (*Storage, error) {
	resolved := strings.TrimSpace(root)
	if resolved == "" {
		return nil, fmt.Errorf("storage: %w: empty root", subsys.ErrInvalidParameter)
	}
	abs, err := filepath.Abs(resolved)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, err
	}
	rootPath, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, err
	}
	return &Storage{root: rootPath}, nil
}

func (st *Storage) Root() string { return st.root }

func (st *Storage) Name() string { return "storage" }

// sessionState holds the write in progress for one session. It is only
// touched from that session's worker and from Detach.
type sessionState struct {
	pending *pendingWrite
	// skipped holds command ids whose remaining fragments are dropped
	// because the write already failed or was superseded.
	skipped map[uint32]struct{}
}

func (ss *sessionState) skip(commandID uint32) {
	if ss.skipped == nil {
		ss.skipped = make(map[uint32]struct{})
	}
	ss.skipped[commandID] = struct{}{}
}

func (ss *sessionState) skipping(commandID uint32) bool {
	_, ok := ss.skipped[commandID]
	return ok
}

func (st *Storage) Attach(s *rpc.Session) (any, error) {
	state := &sessionState{}
	s.Register(protocol.TagStorageListRequest, rpc.Handler{Handle: st.list})
	s.Register(protocol.TagStorageReadRequest, rpc.Handler{Handle: st.read})
	s.Register(protocol.TagStorageWriteRequest, rpc.Handler{
		SubDecode: st.writeHook,
		Handle:    st.write,
		State:     state,
	})
	s.Register(protocol.TagStorageStatRequest, rpc.Handler{Handle: st.stat})
	s.Register(protocol.TagStorageDeleteRequest, rpc.Handler{Handle: st.delete})
	s.Register(protocol.TagStorageMkdirRequest, rpc.Handler{Handle: st.mkdir})
	s.Register(protocol.TagStorageChecksumRequest, rpc.Handler{Handle: st.checksum})
	return state, nil
}

func (st *Storage) Detach(state any) {
	ss, ok := state.(*sessionState)
	if !ok || ss.pending == nil {
		return
	}
	log.Debug().Str("path", ss.pending.target).Msg("storage dropping unfinished write")
	ss.pending.abort()
	ss.pending = nil
}

// resolve maps a request path onto the filesystem. A leading slash is
// relative to root; temp files are hidden. Symlinks along the existing
// part of the path must not lead outside root.
func (st *Storage) resolve(p string) (string, error) {
	if strings.IndexByte(p, 0) >= 0 {
		return "", fmt.Errorf("%w: path contains NUL", subsys.ErrInvalidParameter)
	}
	rel := strings.TrimLeft(strings.TrimSpace(p), "/")
	full := filepath.Clean(filepath.Join(st.root, filepath.FromSlash(rel)))
	if !isWithin(full, st.root) {
		return "", fmt.Errorf("%w: %q escapes root", subsys.ErrDenied, p)
	}
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if strings.HasPrefix(part, tempPrefix) {
			return "", fmt.Errorf("%w: %q is reserved", subsys.ErrDenied, p)
		}
	}
	target, err := evalExisting(full)
	if err != nil {
		return "", err
	}
	if !isWithin(target, st.root) {
		log.Warn().Str("path", p).Str("target", target).Msg("storage path escapes root through a symlink")
		return "", fmt.Errorf("%w: %q escapes root", subsys.ErrDenied, p)
	}
	return full, nil
}

// evalExisting follows symlinks in the longest existing prefix of path
// and appends the missing remainder unchanged.
func evalExisting(path string) (string, error) {
	var rest []string
	p := path
	for {
		linked, err := filepath.EvalSymlinks(p)
		if err == nil {
			return filepath.Join(append([]string{linked}, rest...)...), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(p)
		if parent == p {
			return "", err
		}
		rest = append([]string{filepath.Base(p)}, rest...)
		p = parent
	}
}

func isWithin(path string, root string) bool {
	p := filepath.Clean(path)
	r := filepath.Clean(root)
	if p == r {
		return true
	}
	return strings.HasPrefix(p, r+string(os.PathSeparator))
}

func (st *Storage) resolveRequest(s *rpc.Session, msg *protocol.Message) (string, bool) {
	var req PathRequest
	if !subsys.Decode(s, msg, &req) {
		return "", false
	}
	full, err := st.resolve(req.Path)
	if err != nil {
		subsys.Fail(s, msg.CommandID, err)
		return "", false
	}
	return full, true
}

func (st *Storage) list(s *rpc.Session, msg *protocol.Message, _ any) {
	full, ok := st.resolveRequest(s, msg)
	if !ok {
		return
	}
	info, err := os.Stat(full)
	if err != nil {
		subsys.Fail(s, msg.CommandID, err)
		return
	}
	if !info.IsDir() {
		subsys.Fail(s, msg.CommandID, fmt.Errorf("%w: %s", subsys.ErrNotDir, info.Name()))
		return
	}
	dirents, err := os.ReadDir(full)
	if err != nil {
		subsys.Fail(s, msg.CommandID, err)
		return
	}

	entries := make([]Entry, 0, len(dirents))
	for _, d := range dirents {
		if strings.HasPrefix(d.Name(), tempPrefix) {
			continue
		}
		e := Entry{Name: d.Name(), Type: EntryFile}
		if d.IsDir() {
			e.Type = EntryDir
		} else if fi, err := d.Info(); err == nil {
			e.Size = fi.Size()
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	chunks := make([]ListResponse, 0, len(entries)/ListChunkSize+1)
	for len(entries) > ListChunkSize {
		chunks = append(chunks, ListResponse{Entries: entries[:ListChunkSize]})
		entries = entries[ListChunkSize:]
	}
	if len(entries) > 0 || len(chunks) == 0 {
		chunks = append(chunks, ListResponse{Entries: entries})
	}
	subsys.RespondFragments(s, msg.CommandID, protocol.TagStorageListResponse, chunks)
}

func (st *Storage) read(s *rpc.Session, msg *protocol.Message, _ any) {
	full, ok := st.resolveRequest(s, msg)
	if !ok {
		return
	}
	f, err := openFile(full)
	if err != nil {
		subsys.Fail(s, msg.CommandID, err)
		return
	}
	defer f.Close()

	cur := make([]byte, ReadChunkSize)
	next := make([]byte, ReadChunkSize)
	n, err := readChunk(f, cur)
	if err != nil {
		subsys.Fail(s, msg.CommandID, err)
		return
	}
	for {
		m := 0
		if n == ReadChunkSize {
			if m, err = readChunk(f, next); err != nil {
				subsys.Fail(s, msg.CommandID, err)
				return
			}
		}
		last := m == 0
		if !subsys.Fragment(s, msg.CommandID, protocol.TagStorageReadResponse, ReadResponse{Data: cur[:n]}, !last) {
			return
		}
		if last {
			return
		}
		cur, next, n = next, cur, m
	}
}

// readChunk fills p as far as the file allows.
func readChunk(r io.Reader, p []byte) (int, error) {
	n, err := io.ReadFull(r, p)
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return n, nil
	}
	return n, err
}

// openFile opens a regular file for reading.
func openFile(full string) (*os.File, error) {
	f, err := os.Open(full)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if info.IsDir() {
		_ = f.Close()
		return nil, fmt.Errorf("%w: %s is a directory", subsys.ErrInvalidParameter, info.Name())
	}
	return f, nil
}

func (st *Storage) stat(s *rpc.Session, msg *protocol.Message, _ any) {
	full, ok := st.resolveRequest(s, msg)
	if !ok {
		return
	}
	info, err := os.Lstat(full)
	if err != nil {
		subsys.Fail(s, msg.CommandID, err)
		return
	}
	e := Entry{Name: info.Name(), Type: EntryFile, Size: info.Size()}
	if full == st.root {
		e.Name = "/"
	}
	if info.IsDir() {
		e.Type = EntryDir
		e.Size = 0
	}
	subsys.Respond(s, msg.CommandID, protocol.TagStorageStatResponse, StatResponse{Entry: e})
}

func (st *Storage) delete(s *rpc.Session, msg *protocol.Message, _ any) {
	var req DeleteRequest
	if !subsys.Decode(s, msg, &req) {
		return
	}
	full, err := st.resolve(req.Path)
	if err != nil {
		subsys.Fail(s, msg.CommandID, err)
		return
	}
	if full == st.root {
		subsys.Fail(s, msg.CommandID, fmt.Errorf("%w: cannot delete root", subsys.ErrDenied))
		return
	}
	if req.Recursive {
		err = os.RemoveAll(full)
	} else {
		err = os.Remove(full)
	}
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		subsys.Fail(s, msg.CommandID, err)
		return
	}
	_ = s.SendEmpty(msg.CommandID, protocol.StatusOK)
}

func (st *Storage) mkdir(s *rpc.Session, msg *protocol.Message, _ any) {
	full, ok := st.resolveRequest(s, msg)
	if !ok {
		return
	}
	if err := os.Mkdir(full, 0o755); err != nil {
		subsys.Fail(s, msg.CommandID, err)
		return
	}
	_ = s.SendEmpty(msg.CommandID, protocol.StatusOK)
}

func (st *Storage) checksum(s *rpc.Session, msg *protocol.Message, _ any) {
	full, ok := st.resolveRequest(s, msg)
	if !ok {
		return
	}
	f, err := openFile(full)
	if err != nil {
		subsys.Fail(s, msg.CommandID, err)
		return
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		subsys.Fail(s, msg.CommandID, err)
		return
	}
	subsys.Respond(s, msg.CommandID, protocol.TagStorageChecksumReply, ChecksumResponse{
		Sum: hex.EncodeToString(h.Sum(nil)),
	})
}

// Sum returns the hex BLAKE3 digest of data, as Checksum reports it.
func Sum(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// writeChunk is what the write hook leaves in msg.Content.Value.
type writeChunk struct {
	written int64
	skip    bool
	err     error
	// superseded is the command id of an unfinished write this fragment
	// replaced, zero when none.
	superseded uint32
}

type pendingWrite struct {
	commandID uint32
	path      string
	target    string
	file      *os.File
}

func (p *pendingWrite) abort() {
	name := p.file.Name()
	_ = p.file.Close()
	_ = os.Remove(name)
}

func (p *pendingWrite) commit() error {
	name := p.file.Name()
	if err := p.file.Sync(); err != nil {
		p.abort()
		return err
	}
	if err := p.file.Close(); err != nil {
		_ = os.Remove(name)
		return err
	}
	if err := os.Rename(name, p.target); err != nil {
		_ = os.Remove(name)
		return err
	}
	return nil
}

// writeHook streams the file bytes of a write fragment into a temp file
// beside the target while the frame is still being decoded. Request
// problems are reported to the handler through the chunk; only a broken
// stream fails the decode.
func (st *Storage) writeHook(payload *frame.Stream, msg *protocol.Message, state any) error {
	ss := state.(*sessionState)
	chunk := &writeChunk{}
	msg.Content.Value = chunk

	if ss.skipping(msg.CommandID) {
		chunk.skip = true
		return nil
	}

	var lenBuf [2]byte
	if err := payload.ReadFull(lenBuf[:]); err != nil {
		if payload.Aborted() {
			return err
		}
		chunk.err = fmt.Errorf("%w: short write header", subsys.ErrInvalidParameter)
		return nil
	}
	pathLen := uint64(binary.BigEndian.Uint16(lenBuf[:]))
	if pathLen > payload.Left() {
		chunk.err = fmt.Errorf("%w: path length %d exceeds payload", subsys.ErrInvalidParameter, pathLen)
		return nil
	}
	pathBuf := make([]byte, pathLen)
	if err := payload.ReadFull(pathBuf); err != nil {
		return err
	}

	pw, err := st.pendingFor(ss, chunk, msg.CommandID, string(pathBuf))
	if err != nil {
		chunk.err = err
		return nil
	}
	chunk.written, err = io.Copy(pw.file, payload)
	if err != nil {
		if payload.Aborted() {
			return err
		}
		chunk.err = err
	}
	return nil
}

// pendingFor returns the write in progress for commandID, opening a new
// one when this is the first fragment. An unfinished write of another
// command is discarded and recorded on chunk so the handler can fail it.
func (st *Storage) pendingFor(ss *sessionState, chunk *writeChunk, commandID uint32, path string) (*pendingWrite, error) {
	if pw := ss.pending; pw != nil {
		if pw.commandID == commandID {
			if pw.path != path {
				return nil, fmt.Errorf("%w: fragment path %q does not match %q", subsys.ErrInvalidParameter, path, pw.path)
			}
			return pw, nil
		}
		pw.abort()
		ss.pending = nil
		ss.skip(pw.commandID)
		chunk.superseded = pw.commandID
	}

	target, err := st.resolve(path)
	if err != nil {
		return nil, err
	}
	if target == st.root {
		return nil, fmt.Errorf("%w: cannot write root", subsys.ErrInvalidParameter)
	}
	if info, err := os.Stat(target); err == nil && info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", fs.ErrExist, path)
	}
	f, err := os.CreateTemp(filepath.Dir(target), tempPrefix+"*")
	if err != nil {
		return nil, err
	}
	ss.pending = &pendingWrite{commandID: commandID, path: path, target: target, file: f}
	return ss.pending, nil
}

// write answers once the last fragment of a write has been streamed.
func (st *Storage) write(s *rpc.Session, msg *protocol.Message, state any) {
	ss := state.(*sessionState)
	chunk, ok := msg.Content.Value.(*writeChunk)
	if !ok {
		subsys.Fail(s, msg.CommandID, fmt.Errorf("%w: write payload missing", subsys.ErrInvalidParameter))
		return
	}
	if chunk.skip {
		if !msg.HasNext {
			delete(ss.skipped, msg.CommandID)
		}
		return
	}
	if chunk.superseded != 0 {
		log.Debug().Uint32("command_id", chunk.superseded).Str("session", s.ID()).Msg("storage write superseded")
		_ = s.SendEmpty(chunk.superseded, protocol.StatusErrorBusy)
	}
	if chunk.err != nil {
		if ss.pending != nil && ss.pending.commandID == msg.CommandID {
			ss.pending.abort()
			ss.pending = nil
		}
		if msg.HasNext {
			ss.skip(msg.CommandID)
		}
		subsys.Fail(s, msg.CommandID, chunk.err)
		return
	}
	if msg.HasNext {
		return
	}

	pw := ss.pending
	ss.pending = nil
	if err := pw.commit(); err != nil {
		subsys.Fail(s, msg.CommandID, err)
		return
	}
	log.Debug().Str("path", pw.path).Str("session", s.ID()).Msg("storage write committed")
	_ = s.SendEmpty(msg.CommandID, protocol.StatusOK)
}
