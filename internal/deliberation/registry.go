package deliberation

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/opinionsim/internal/session"
)

// Registry hands out one Manager per session, loading sessions from the
// store on first use. Options.Store must be set.
type Registry struct {
	opts Options

	mu       sync.Mutex
	managers map[string]*Manager
}

// NewRegistry creates a registry sharing opts between its managers
func NewRegistry(opts Options) *Registry {
	if opts.Store == nil {
		opts.Store = session.NewInMemoryStore()
	}
	return &Registry{opts: opts, managers: make(map[string]*Manager)}
}

// Store returns the backing session store
func (r *Registry) Store() session.Store { return r.opts.Store }

// Create persists st as a new session and returns its manager. An empty
// id gets a generated one.
func (r *Registry) Create(ctx context.Context, st *session.State) (*Manager, error) {
	if st.ID() == "" {
		rec := st.Record()
		rec.ID = uuid.NewString()
		st = session.FromRecord(rec, nil)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.managers[st.ID()]; ok {
		return nil, fmt.Errorf("session %s already exists", st.ID())
	}
	if err := r.opts.Store.SaveSession(ctx, st.Record()); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	m := NewManager(st, r.opts)
	r.managers[st.ID()] = m
	log.Info().Str("session_id", st.ID()).Int("agents", len(st.Agents())).Msg("Session created")
	return m, nil
}

// Get returns the manager of session id, loading it from the store when it
// is not resident. Unknown ids yield session.ErrNotFound.
func (r *Registry) Get(ctx context.Context, id string) (*Manager, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.managers[id]; ok {
		return m, nil
	}

	st, err := session.Load(ctx, r.opts.Store, id)
	if err != nil {
		return nil, err
	}
	m := NewManager(st, r.opts)
	r.managers[id] = m
	return m, nil
}

// List returns the persisted records of every session
func (r *Registry) List(ctx context.Context) ([]session.Record, error) {
	return r.opts.Store.ListSessions(ctx)
}

// Shutdown cancels every active run and waits for them to stop
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	managers := make([]*Manager, 0, len(r.managers))
	for _, m := range r.managers {
		managers = append(managers, m)
	}
	r.mu.Unlock()

	for _, m := range managers {
		if _, err := m.Cancel(); err != nil {
			continue
		}
		if _, err := m.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}
