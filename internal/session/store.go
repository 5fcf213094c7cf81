package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultSweepInterval is how often the background sweep removes
	// sessions past their expiry.
	DefaultSweepInterval = time.Minute
	// DefaultPersistInterval is how often the table is snapshotted to disk.
	DefaultPersistInterval = 30 * time.Second
)

// Store holds active sessions in memory, sweeps expired ones, and
// periodically snapshots the table to disk so a restart does not log every
// user out. Refresh concurrency is coordinated through the store's
// singleflight group, keyed by session ID.
type Store struct {
	path         string
	sweepEvery   time.Duration
	persistEvery time.Duration
	logger       *slog.Logger
	now          func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Record

	refresh singleflight.Group

	done      chan struct{}
	loopDone  chan struct{}
	closeOnce sync.Once
}

// Opt configures a Store.
type Opt func(*Store)

// WithPath enables file persistence at the given path. Without it the store
// is memory-only (used in tests).
func WithPath(path string) Opt {
	return func(s *Store) { s.path = path }
}

// WithSweepInterval overrides the background sweep cadence.
func WithSweepInterval(d time.Duration) Opt {
	return func(s *Store) { s.sweepEvery = d }
}

// WithPersistInterval overrides the snapshot cadence.
func WithPersistInterval(d time.Duration) Opt {
	return func(s *Store) { s.persistEvery = d }
}

// WithClock overrides the store's clock, for tests.
func WithClock(now func() time.Time) Opt {
	return func(s *Store) { s.now = now }
}

// New builds a store, reloading any persisted snapshot, and starts the
// background sweep/persist loop. Callers must Close it to get the final
// synchronous persist.
func New(opts ...Opt) (*Store, error) {
	s := &Store{
		sweepEvery:   DefaultSweepInterval,
		persistEvery: DefaultPersistInterval,
		logger:       slog.Default().With(slog.String("component", "session-store")),
		now:          time.Now,
		sessions:     make(map[string]*Record),
		done:         make(chan struct{}),
		loopDone:     make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}

	if s.path != "" {
		if err := s.load(); err != nil {
			return nil, err
		}
	}

	go s.loop()

	return s, nil
}

// Create stores the record under a freshly generated opaque session ID and
// returns the ID.
func (s *Store) Create(rec *Record) string {
	id := uuid.NewString()
	s.mu.Lock()
	s.sessions[id] = rec.clone()
	s.mu.Unlock()
	return id
}

// Get returns the session, or nil when it does not exist or is past
// ExpiresAt. Expired sessions are deleted opportunistically.
func (s *Store) Get(id string) *Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.sessions[id]
	if !ok {
		return nil
	}
	if s.now().After(rec.ExpiresAt) {
		delete(s.sessions, id)
		return nil
	}
	return rec.clone()
}

// Peek returns the session without enforcing ExpiresAt. Refresh needs this:
// a session past its token expiry but within the absolute ceiling is still
// renewable.
func (s *Store) Peek(id string) *Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.sessions[id]
	if !ok {
		return nil
	}
	return rec.clone()
}

// Set replaces the stored record for id.
func (s *Store) Set(id string, rec *Record) {
	s.mu.Lock()
	s.sessions[id] = rec.clone()
	s.mu.Unlock()
}

// Delete removes the session.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

// Len reports the number of stored sessions, expired or not.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// RefreshGroup is the per-session refresh coalescing primitive. Concurrent
// callers refreshing the same session ID share a single in-flight
// operation and receive its result.
func (s *Store) RefreshGroup() *singleflight.Group {
	return &s.refresh
}

// Sweep removes all sessions past their absolute ceiling, and those past
// token expiry with no refresh token left to renew them. It returns the
// number removed.
func (s *Store) Sweep() int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int
	for id, rec := range s.sessions {
		if now.After(rec.AbsoluteExpiresAt) || (now.After(rec.ExpiresAt) && rec.RefreshToken == "") {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed
}

// Close stops the background loop and performs a final synchronous persist.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		<-s.loopDone
		if s.path != "" {
			err = s.persist()
		}
	})
	return err
}

func (s *Store) loop() {
	defer close(s.loopDone)

	sweep := time.NewTicker(s.sweepEvery)
	defer sweep.Stop()
	persist := time.NewTicker(s.persistEvery)
	defer persist.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-sweep.C:
			if n := s.Sweep(); n > 0 {
				s.logger.Debug("swept expired sessions", "count", n)
			}
		case <-persist.C:
			if s.path == "" {
				continue
			}
			if err := s.persist(); err != nil {
				// non-fatal: sessions are re-derivable by re-authentication
				s.logger.Warn("persisting session table", "err", err.Error())
			}
		}
	}
}
