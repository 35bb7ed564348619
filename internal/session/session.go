// Package session implements the Session component of §4.D: peer API
// version and reference count, the attach/detach lifecycle, the
// at-most-one open Store, and the create/open/close-store state
// machine. The Store-Open-Behavior table and the method surface are
// grounded directly on the original simustor::Session class; the
// reader/writer split (configuration lock list vs. the single store
// reference) follows its separate _lock/_storeLock fields, expressed
// here as two Go mutexes with a fixed lock order (session before
// store) to avoid the deadlock §5 calls out.
package session

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/simutrace/simutrace/internal/errkind"
	"github.com/simutrace/simutrace/internal/ids"
	"github.com/simutrace/simutrace/internal/segmentpool"
	"github.com/simutrace/simutrace/internal/store"
	"github.com/simutrace/simutrace/internal/stream"
	"github.com/simutrace/simutrace/internal/types"
)

// BackendFactory creates a fresh, unopened store.Backend for a new
// store. Session is backend-agnostic; internal/sessionmgr supplies the
// concrete factory (internal/backend/fsbackend in the default build).
type BackendFactory func() store.Backend

// StoreProvider mediates access to a store by path so that two
// sessions opening the same specifier share one underlying *store.Store
// and its backend lock instead of racing to flock the same directory
// twice (§4.E "store-path dedup with attach-count"). internal/sessionmgr
// provides the refcounted implementation; directProvider below is a
// dedup-free fallback for a Session used standalone (e.g. in tests).
type StoreProvider interface {
	Acquire(ctx context.Context, specifier string, alwaysCreate bool) (*store.Store, error)
	Release(ctx context.Context, specifier string) error
}

// directProvider creates and closes a store directly with no sharing,
// used when a Session is built without a sessionmgr.StoreManager.
type directProvider struct {
	backendFactory BackendFactory
	ids            *ids.Allocator

	mu     sync.Mutex
	opened map[string]*store.Store
}

func (p *directProvider) Acquire(ctx context.Context, specifier string, alwaysCreate bool) (*store.Store, error) {
	id := p.ids.Next()
	backend := p.backendFactory()

	var (
		st  *store.Store
		err error
	)

	if !storeExists(specifier) || alwaysCreate {
		st, err = store.Create(ctx, id, specifier, alwaysCreate, backend)
	} else {
		st, err = store.Open(ctx, id, specifier, backend)
	}

	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.opened[specifier] = st
	p.mu.Unlock()

	return st, nil
}

func (p *directProvider) Release(ctx context.Context, specifier string) error {
	p.mu.Lock()
	st, ok := p.opened[specifier]
	delete(p.opened, specifier)
	p.mu.Unlock()

	if !ok {
		return nil
	}

	return st.Close(ctx)
}

// Session is one client's attachment to the server: its peer version,
// reference count, configuration lock list, and (at most) one open
// Store.
type Session struct {
	id             ids.ObjectId
	peerAPIVersion uint16
	environment    map[string]string

	refCount int32
	alive    atomic.Bool

	mu           sync.RWMutex
	lockList     map[string]bool // settings the client has pinned via the lock list
	settings     map[string]string
	logVerbosity string

	storeMu   sync.RWMutex
	theStore  *store.Store
	specifier string

	provider StoreProvider
}

// New creates a Session for a newly accepted client connection whose
// stores are acquired through provider (ordinarily a
// sessionmgr.StoreManager shared across the server's sessions).
func New(id ids.ObjectId, peerAPIVersion uint16, environment map[string]string, provider StoreProvider) *Session {
	s := &Session{
		id:             id,
		peerAPIVersion: peerAPIVersion,
		environment:    environment,
		refCount:       1, // the creating connection holds the first reference
		lockList:       make(map[string]bool),
		settings:       make(map[string]string),
		provider:       provider,
	}
	s.alive.Store(true)

	return s
}

// NewStandalone creates a Session with no shared store registry: each
// CreateStore/OpenStore call acquires and releases its backend directly.
// Used for single-session tests and simple embeddings.
func NewStandalone(id ids.ObjectId, peerAPIVersion uint16, environment map[string]string, backendFactory BackendFactory) *Session {
	var alloc ids.Allocator

	return New(id, peerAPIVersion, environment, &directProvider{
		backendFactory: backendFactory,
		ids:            &alloc,
		opened:         make(map[string]*store.Store),
	})
}

// ID returns the session's id.
func (s *Session) ID() ids.ObjectId { return s.id }

// PeerAPIVersion returns the API version the client negotiated at
// attach time.
func (s *Session) PeerAPIVersion() uint16 { return s.peerAPIVersion }

// Environment returns the session's root environment (workspace paths,
// server identity) as published to SessionQuery.
func (s *Session) Environment() map[string]string { return s.environment }

// IsAlive reports whether the session has not yet been closed.
func (s *Session) IsAlive() bool { return s.alive.Load() }

// Attach increments the reference count, used by a port binding that
// shares this session across more than one connection.
func (s *Session) Attach() {
	atomic.AddInt32(&s.refCount, 1)
}

// Detach decrements the reference count and reports whether it reached
// zero (the caller should then release the session).
func (s *Session) Detach() bool {
	return atomic.AddInt32(&s.refCount, -1) == 0
}

// storeExists reports whether specifier already names a store,
// currently true only for a filesystem path backend; other backend
// kinds should be probed through their own factory-provided check in
// a fuller build.
func storeExists(specifier string) bool {
	_, err := os.Stat(specifier)
	return err == nil
}

// CreateStore implements the original Store-Open-Behavior table:
//
//	Store Exists  AlwaysCreate  Behavior
//	     0             0        New Store
//	     1             0        Open
//	     0             1        New Store
//	     1             1        New Store / Drop Old
func (s *Session) CreateStore(ctx context.Context, specifier string, alwaysCreate bool) error {
	s.storeMu.Lock()
	defer s.storeMu.Unlock()

	if s.theStore != nil {
		return errkind.New(errkind.InvalidOperation, "session already has an open store")
	}

	st, err := s.provider.Acquire(ctx, specifier, alwaysCreate)
	if err != nil {
		return err
	}

	s.theStore = st
	s.specifier = specifier

	return nil
}

// OpenStore is CreateStore with alwaysCreate=false: it opens an
// existing store or, if none exists yet, creates it.
func (s *Session) OpenStore(ctx context.Context, specifier string) error {
	return s.CreateStore(ctx, specifier, false)
}

// CloseStore closes and releases the session's store reference.
func (s *Session) CloseStore(ctx context.Context) error {
	s.storeMu.Lock()
	defer s.storeMu.Unlock()

	if s.theStore == nil {
		return errkind.New(errkind.InvalidOperation, "session has no open store")
	}

	err := s.provider.Release(ctx, s.specifier)
	s.theStore = nil
	s.specifier = ""

	return err
}

// store returns the session's open store, or a NotFound error.
func (s *Session) store() (*store.Store, error) {
	s.storeMu.RLock()
	defer s.storeMu.RUnlock()

	if s.theStore == nil {
		return nil, errkind.New(errkind.NotFound, "session has no open store")
	}

	return s.theStore, nil
}

// RegisterStreamBuffer forwards to the open store's buffer pool
// registry.
func (s *Session) RegisterStreamBuffer(cfg segmentpool.Config) (ids.ObjectId, *segmentpool.Buffer, error) {
	st, err := s.store()
	if err != nil {
		return ids.Invalid, nil, err
	}

	return st.RegisterStreamBuffer(cfg, nil)
}

// RegisterStream forwards to the open store's stream registry.
func (s *Session) RegisterStream(bufferID ids.ObjectId, desc types.StreamDescriptor, gen *stream.Generator) (ids.ObjectId, *stream.Stream, error) {
	st, err := s.store()
	if err != nil {
		return ids.Invalid, nil, err
	}

	return st.RegisterStream(bufferID, desc, gen)
}

// RegisterDataPool forwards to the open store's data pool registry.
func (s *Session) RegisterDataPool(name string) (ids.ObjectId, *store.DataPool, error) {
	st, err := s.store()
	if err != nil {
		return ids.Invalid, nil, err
	}

	return st.RegisterDataPool(name)
}

// EnumerateStreamBuffers forwards to the open store.
func (s *Session) EnumerateStreamBuffers() ([]ids.ObjectId, error) {
	st, err := s.store()
	if err != nil {
		return nil, err
	}

	return st.EnumerateStreamBuffers(), nil
}

// EnumerateStreams forwards to the open store, listing regular and
// dynamic streams, plus hidden ones when includeHidden is set.
func (s *Session) EnumerateStreams(includeHidden bool) ([]ids.ObjectId, error) {
	st, err := s.store()
	if err != nil {
		return nil, err
	}

	filter := types.SefRegular | types.SefDynamic
	if includeHidden {
		filter |= types.SefHidden
	}

	return st.EnumerateStreams(filter), nil
}

// CommitSegment forwards to the open store, handing a closed segment's
// durable bytes to its backend and transitioning its bookkeeping
// (§4.C "Store ... the backend commit path").
func (s *Session) CommitSegment(ctx context.Context, streamID ids.ObjectId, seq uint64, ctrl *types.SegmentControlElement, data []byte) error {
	st, err := s.store()
	if err != nil {
		return err
	}

	return st.CommitSegment(ctx, streamID, seq, ctrl, data)
}

// Stream returns a registered stream from the open store.
func (s *Session) Stream(id ids.ObjectId) (*stream.Stream, error) {
	st, err := s.store()
	if err != nil {
		return nil, err
	}

	strm, ok := st.Stream(id)
	if !ok {
		return nil, errkind.New(errkind.NotFound, "unknown stream")
	}

	return strm, nil
}

// StreamBuffer returns a registered stream buffer from the open store.
func (s *Session) StreamBuffer(id ids.ObjectId) (*segmentpool.Buffer, error) {
	st, err := s.store()
	if err != nil {
		return nil, err
	}

	buf, ok := st.StreamBuffer(id)
	if !ok {
		return nil, errkind.New(errkind.NotFound, "unknown stream buffer")
	}

	return buf, nil
}

// SetConfigLockList pins a set of setting keys against further
// modification by ApplySetting (§9 Open Question: SessionSetConfiguration
// is accepted at any time, but a locked key affecting an already
// registered resource is rejected).
func (s *Session) SetConfigLockList(keys []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lockList = make(map[string]bool, len(keys))
	for _, k := range keys {
		s.lockList[k] = true
	}
}

// ApplySetting parses one "key = value" assignment in the style of the
// original libconfig-backed _applySetting and applies it, rejecting the
// change with a Configuration error if the key is on the lock list or
// if it would affect a store whose configuration is already locked.
func (s *Session) ApplySetting(setting string) error {
	key, value, ok := splitSetting(setting)
	if !ok {
		return errkind.Newf(errkind.Argument, "malformed setting %q", setting)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lockList[key] {
		return errkind.Newf(errkind.Configuration, "setting %q is locked for this session", key)
	}

	if strings.HasPrefix(key, "store.") {
		if st, err := s.store(); err == nil && st.ConfigurationLocked() {
			return errkind.Newf(errkind.Configuration, "store configuration is locked, cannot apply %q", key)
		}
	}

	if key == "log.verbosity" {
		s.logVerbosity = value
	}

	s.settings[key] = value

	return nil
}

func splitSetting(setting string) (key, value string, ok bool) {
	parts := strings.SplitN(setting, "=", 2)
	if len(parts) != 2 {
		return "", "", false
	}

	return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]), true
}

// Setting returns a previously applied setting's value.
func (s *Session) Setting(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.settings[key]

	return v, ok
}

// Close tears down the session: closes any open store and marks the
// session dead. A second Close fails with InvalidOperation; the other
// methods do not check whether the session is still alive.
func (s *Session) Close(ctx context.Context) error {
	if !s.alive.CompareAndSwap(true, false) {
		return errkind.New(errkind.InvalidOperation, "session is already closed")
	}

	s.storeMu.Lock()
	defer s.storeMu.Unlock()

	if s.theStore == nil {
		return nil
	}

	err := s.provider.Release(ctx, s.specifier)
	s.theStore = nil
	s.specifier = ""

	return err
}

// String renders the session for logging.
func (s *Session) String() string {
	return fmt.Sprintf("Session{id=%d peerApiVersion=%d alive=%t}", s.id, s.peerAPIVersion, s.IsAlive())
}
