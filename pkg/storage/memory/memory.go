// Package memory provides an in-memory implementation of the session and
// workflow stores for testing and lightweight deployments. Records are
// lost when the process restarts.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tbraun/agentflow/pkg/api"
	"github.com/tbraun/agentflow/pkg/storage"
	"github.com/tbraun/agentflow/pkg/transport"
)

// Store is an in-memory SessionStore and WorkflowStore.
type Store struct {
	mu        sync.RWMutex
	sessions  map[string]*api.Session
	workflows map[string]*api.Workflow
}

var (
	_ transport.SessionStore  = (*Store)(nil)
	_ transport.WorkflowStore = (*Store)(nil)
)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		sessions:  make(map[string]*api.Session),
		workflows: make(map[string]*api.Workflow),
	}
}

// GetSession retrieves a session by ID.
func (s *Store) GetSession(_ context.Context, id string) (*api.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return copySession(sess), nil
}

// CreateSession persists a newly created session.
func (s *Store) CreateSession(_ context.Context, sess *api.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[sess.ID]; exists {
		return storage.ErrConflict
	}
	stored := copySession(sess)
	stored.CreatedAt = time.Now()
	stored.UpdatedAt = stored.CreatedAt
	s.sessions[sess.ID] = stored
	return nil
}

// AppendMessage persists the session's mutable fields after a run.
func (s *Store) AppendMessage(_ context.Context, id string, sess *api.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.sessions[id]
	if !ok {
		return storage.ErrNotFound
	}
	updated := copySession(sess)
	updated.ID = id
	updated.CreatedAt = stored.CreatedAt
	updated.UpdatedAt = time.Now()
	s.sessions[id] = updated
	return nil
}

// HealthCheck always succeeds for the in-memory store.
func (s *Store) HealthCheck(context.Context) error { return nil }

// Close releases nothing for the in-memory store.
func (s *Store) Close() error { return nil }

// GetWorkflow retrieves a workflow definition by ID.
func (s *Store) GetWorkflow(_ context.Context, id string) (*api.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wf, ok := s.workflows[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *wf
	return &cp, nil
}

// SaveWorkflow creates or replaces a workflow definition.
func (s *Store) SaveWorkflow(_ context.Context, wf *api.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *wf
	now := time.Now()
	if existing, ok := s.workflows[wf.ID]; ok {
		cp.CreatedAt = existing.CreatedAt
	} else if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	s.workflows[wf.ID] = &cp
	return nil
}

// ListWorkflows returns the definitions visible to the caller: owned, or
// team-shared by one of the caller's tenants.
func (s *Store) ListWorkflows(_ context.Context, opts transport.ListOptions) (*transport.WorkflowList, error) {
	opts = opts.Normalize()

	s.mu.RLock()
	var matched []*api.Workflow
	for _, wf := range s.workflows {
		if !visible(wf, opts) {
			continue
		}
		if opts.Keywords != "" && !strings.Contains(strings.ToLower(wf.Title), strings.ToLower(opts.Keywords)) {
			continue
		}
		cp := *wf
		matched = append(matched, &cp)
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		a, b := orderKey(matched[i], opts.OrderBy), orderKey(matched[j], opts.OrderBy)
		if opts.Desc {
			return a.After(b)
		}
		return a.Before(b)
	})

	total := len(matched)
	start := (opts.Page - 1) * opts.PerPage
	if start > total {
		start = total
	}
	end := start + opts.PerPage
	if end > total {
		end = total
	}

	return &transport.WorkflowList{Data: matched[start:end], Total: total}, nil
}

func visible(wf *api.Workflow, opts transport.ListOptions) bool {
	if wf.OwnerID == opts.OwnerID {
		return true
	}
	if wf.Permission != api.PermissionTeam {
		return false
	}
	for _, tid := range opts.TeamIDs {
		if wf.OwnerID == tid {
			return true
		}
	}
	return false
}

func orderKey(wf *api.Workflow, orderBy string) time.Time {
	if orderBy == "create_time" {
		return wf.CreatedAt
	}
	return wf.UpdatedAt
}

// copySession clones a session deeply enough that callers mutating their
// copy cannot corrupt the stored record.
func copySession(sess *api.Session) *api.Session {
	cp := *sess
	cp.Messages = make([]api.Message, len(sess.Messages))
	copy(cp.Messages, sess.Messages)
	cp.References = make([]api.Reference, len(sess.References))
	copy(cp.References, sess.References)
	return &cp
}
