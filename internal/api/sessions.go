package api

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/akl-rail-map/railmap/internal/animate"
	"github.com/akl-rail-map/railmap/internal/mapview"
	"github.com/akl-rail-map/railmap/internal/render"
)

// ErrSessionNotFound is returned for an unknown or reaped session id.
var ErrSessionNotFound = errors.New("session not found")

// managedSession pairs a map session with the in-process surface it drives.
type managedSession struct {
	session *mapview.Session
	surface *render.Memory
	cancel  context.CancelFunc
}

// SessionManager owns every live map session.
type SessionManager struct {
	catalog *Catalog
	cfg     mapview.Config
	seed    uint64
	idle    time.Duration
	now     func() time.Time

	// newScheduler builds the frame scheduler for one session.
	newScheduler func(ctx context.Context) animate.Scheduler

	mu       sync.Mutex
	sessions map[string]*managedSession
	created  uint64
}

// ManagerOption configures a SessionManager.
type ManagerOption func(*SessionManager)

// WithSeed makes tie-breaking reproducible. Each session gets its own stream.
func WithSeed(seed uint64) ManagerOption {
	return func(m *SessionManager) { m.seed = seed }
}

// WithIdleTimeout sets how long an unused session lives.
func WithIdleTimeout(d time.Duration) ManagerOption {
	return func(m *SessionManager) { m.idle = d }
}

// WithManagerClock replaces time.Now.
func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *SessionManager) { m.now = now }
}

// WithSchedulerFactory replaces the ticker scheduler used for breathing.
func WithSchedulerFactory(f func(ctx context.Context) animate.Scheduler) ManagerOption {
	return func(m *SessionManager) { m.newScheduler = f }
}

// NewSessionManager creates a manager that builds sessions from catalog.
func NewSessionManager(catalog *Catalog, cfg mapview.Config, opts ...ManagerOption) *SessionManager {
	m := &SessionManager{
		catalog:  catalog,
		cfg:      cfg,
		idle:     30 * time.Minute,
		now:      time.Now,
		sessions: make(map[string]*managedSession),
		newScheduler: func(ctx context.Context) animate.Scheduler {
			return animate.NewTickerScheduler(ctx)
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.cfg.Now == nil {
		m.cfg.Now = m.now
	}
	return m
}

// Create starts a session, attaching every loaded dataset and the stations
// concurrently.
func (m *SessionManager) Create(ctx context.Context, camera render.Camera) (*mapview.Session, *render.Memory, error) {
	sessionCtx, cancel := context.WithCancel(context.Background())
	surface := render.NewMemory(
		render.WithScheduler(m.newScheduler(sessionCtx)),
		render.WithCamera(camera),
	)

	m.mu.Lock()
	m.created++
	n := m.created
	m.mu.Unlock()

	cfg := m.cfg
	if m.seed != 0 {
		cfg.Rand = rand.New(rand.NewPCG(m.seed, n))
	}
	session := mapview.New(surface, cfg, mapview.Chrome{})

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, name := range m.catalog.Loaded() {
		d, _ := m.catalog.Dataset(name)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := session.AttachDataset(name, cloneCollection(d.Features)); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}()
	}
	if stations := m.catalog.Stations(); stations != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := session.AttachStations(cloneCollection(stations)); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if err := errors.Join(errs...); err != nil {
		session.Close()
		cancel()
		return nil, nil, fmt.Errorf("failed to create session: %w", err)
	}
	if err := ctx.Err(); err != nil {
		session.Close()
		cancel()
		return nil, nil, err
	}

	m.mu.Lock()
	m.sessions[session.ID] = &managedSession{session: session, surface: surface, cancel: cancel}
	m.mu.Unlock()

	log.Printf("Session %s: created", session.ID)
	return session, surface, nil
}

// Get returns a live session and its surface.
func (m *SessionManager) Get(id string) (*mapview.Session, *render.Memory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ms, ok := m.sessions[id]
	if !ok {
		return nil, nil, ErrSessionNotFound
	}
	return ms.session, ms.surface, nil
}

// Close tears down one session.
func (m *SessionManager) Close(id string) error {
	m.mu.Lock()
	ms, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if !ok {
		return ErrSessionNotFound
	}
	ms.session.Close()
	ms.cancel()
	log.Printf("Session %s: closed", id)
	return nil
}

// Len returns the number of live sessions.
func (m *SessionManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Reap closes sessions idle for longer than the idle timeout and returns
// how many were closed.
func (m *SessionManager) Reap() int {
	cutoff := m.now().Add(-m.idle)

	m.mu.Lock()
	var stale []*managedSession
	for id, ms := range m.sessions {
		if ms.session.LastUsed().Before(cutoff) {
			stale = append(stale, ms)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, ms := range stale {
		ms.session.Close()
		ms.cancel()
	}
	if len(stale) > 0 {
		log.Printf("Cleanup: closed %d idle sessions", len(stale))
	}
	return len(stale)
}

// Run reaps idle sessions on a ticker until ctx is done, then closes the rest.
func (m *SessionManager) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.CloseAll()
			return
		case <-ticker.C:
			m.Reap()
		}
	}
}

// CloseAll tears down every session.
func (m *SessionManager) CloseAll() {
	m.mu.Lock()
	all := m.sessions
	m.sessions = make(map[string]*managedSession)
	m.mu.Unlock()

	for _, ms := range all {
		ms.session.Close()
		ms.cancel()
	}
}
