// Package sessionmgr implements the Session & Store Managers of §4.E:
// the server-wide session registry, a store-path dedup/attach-count
// registry so two sessions opening the same store share one backend
// instance, and the parallel, bounded-timeout shutdown sequence built
// on golang.org/x/sync/errgroup. Grounded on the original
// ServerSessionManager (session id allocation, create/open-local-
// session entry points) generalized from its single-process, pointer-
// owning model to Go's RWMutex-guarded maps plus explicit reference
// counting.
package sessionmgr

import (
	"context"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/simutrace/simutrace/internal/errkind"
	"github.com/simutrace/simutrace/internal/ids"
	"github.com/simutrace/simutrace/internal/logging"
	"github.com/simutrace/simutrace/internal/session"
	"github.com/simutrace/simutrace/internal/store"
)

var log = logging.Module("simutrace/sessionmgr")

// storeEntry is one dedup slot in StoreManager's registry: the opened
// store plus how many sessions currently hold it.
type storeEntry struct {
	store    *store.Store
	refCount int
}

// StoreManager mediates store access by path so concurrent sessions
// opening the same specifier share one *store.Store and its backend
// lock (§4.E "store-path dedup with attach-count") instead of each
// independently trying to flock the same directory.
type StoreManager struct {
	backendFactory session.BackendFactory
	ids            ids.Allocator

	mu     sync.Mutex
	stores map[string]*storeEntry
}

// NewStoreManager creates a StoreManager whose stores are opened
// through backendFactory (internal/backend/fsbackend.New in the
// default build).
func NewStoreManager(backendFactory session.BackendFactory) *StoreManager {
	return &StoreManager{
		backendFactory: backendFactory,
		stores:         make(map[string]*storeEntry),
	}
}

// Acquire returns the store at specifier, opening or creating it if
// this is the first session to reference it, and incrementing its
// attach count otherwise. It implements the same Store-Open-Behavior
// table as session.Session.CreateStore for the first acquisition of a
// path; subsequent acquisitions of an already-open path ignore
// alwaysCreate (the store is already open, by definition it exists).
func (m *StoreManager) Acquire(ctx context.Context, specifier string, alwaysCreate bool) (*store.Store, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, ok := m.stores[specifier]; ok {
		entry.refCount++
		return entry.store, nil
	}

	id := m.ids.Next()
	backend := m.backendFactory()

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

	m.stores[specifier] = &storeEntry{store: st, refCount: 1}

	return st, nil
}

// Release decrements the attach count of the store at specifier,
// physically closing it once the last session releases it.
func (m *StoreManager) Release(ctx context.Context, specifier string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.stores[specifier]
	if !ok {
		return errkind.New(errkind.NotFound, "store is not open")
	}

	entry.refCount--
	if entry.refCount > 0 {
		return nil
	}

	delete(m.stores, specifier)

	return entry.store.Close(ctx)
}

// OpenStoreCount reports how many distinct store paths are currently
// open, used by internal/metrics.
func (m *StoreManager) OpenStoreCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.stores)
}

func storeExists(specifier string) bool {
	_, err := os.Stat(specifier)
	return err == nil
}

// SessionManager owns the server-wide session registry: id allocation,
// lookup, and a bounded-timeout parallel close of every live session at
// shutdown.
type SessionManager struct {
	stores       *StoreManager
	closeTimeout time.Duration
	logBase      *zap.Logger

	ids ids.Allocator

	mu       sync.RWMutex
	sessions map[ids.ObjectId]*session.Session
}

// NewSessionManager creates a SessionManager whose sessions share
// stores, closeTimeout bounds Close's shutdown wait, and logBase (may
// be nil) is the base logger each operation's scoped logger is built
// on.
func NewSessionManager(stores *StoreManager, closeTimeout time.Duration, logBase *zap.Logger) *SessionManager {
	if logBase == nil {
		logBase = zap.NewNop()
	}

	return &SessionManager{
		stores:       stores,
		closeTimeout: closeTimeout,
		logBase:      logBase,
		sessions:     make(map[ids.ObjectId]*session.Session),
	}
}

// CreateSession allocates a new session id and registers a Session for
// it.
func (m *SessionManager) CreateSession(peerAPIVersion uint16, environment map[string]string) *session.Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.ids.Next()
	s := session.New(id, peerAPIVersion, environment, m.stores)
	m.sessions[id] = s

	return s
}

// Session returns a registered session by id.
func (m *SessionManager) Session(id ids.ObjectId) (*session.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, errkind.New(errkind.NotFound, "unknown session")
	}

	return s, nil
}

// CloseSession closes one session. The session stays registered after
// close (Session.Close is the idempotency gate: a second CloseSession
// on the same id reaches the same *session.Session and fails with
// InvalidOperation rather than resolving to NotFound).
func (m *SessionManager) CloseSession(ctx context.Context, id ids.ObjectId) error {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()

	if !ok {
		return errkind.New(errkind.NotFound, "unknown session")
	}

	return s.Close(ctx)
}

// EnumerateSessions returns the ids of every currently live session.
func (m *SessionManager) EnumerateSessions() []ids.ObjectId {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ids.ObjectId, 0, len(m.sessions))
	for id, s := range m.sessions {
		if s.IsAlive() {
			out = append(out, id)
		}
	}

	return out
}

// Close closes every live session in parallel, bounded by
// closeTimeout, the way the work queue's shutdown bounds worker drain
// (§5 "bounded close-timeout exists per session").
func (m *SessionManager) Close(ctx context.Context) error {
	m.mu.Lock()
	sessions := make([]*session.Session, 0, len(m.sessions))
	for id, s := range m.sessions {
		if s.IsAlive() {
			sessions = append(sessions, s)
		}

		delete(m.sessions, id)
	}
	m.mu.Unlock()

	closeCtx, cancel := context.WithTimeout(ctx, m.closeTimeout)
	defer cancel()

	group, gctx := errgroup.WithContext(closeCtx)

	logCtx := logging.Scoped(ctx, m.logBase, "sessionmgr")

	for _, s := range sessions {
		s := s
		group.Go(func() error {
			if err := s.Close(gctx); err != nil {
				log(logCtx).Warn("session close failed: %v", err)
				return err
			}

			return nil
		})
	}

	return group.Wait()
}
