package snapshot

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

var ErrNotFound = errors.New("snapshot not found")

// View statuses.
const (
	// StatusFresh means Snapshot is the result of the latest run.
	StatusFresh = "fresh"
	// StatusStale means the latest run failed and Snapshot is the last good result.
	StatusStale = "stale"
	// StatusUnavailable means the latest run failed and no data was ever collected.
	StatusUnavailable = "unavailable"
)

// View is what readers get for a cluster: the latest snapshot, or the latest
// failure together with any older data that is now stale.
type View struct {
	Identity  Identity         `json:"identity"`
	Status    string           `json:"status"`
	Snapshot  *ClusterSnapshot `json:"snapshot,omitempty"`
	Error     string           `json:"error,omitempty"`
	UpdatedAt time.Time        `json:"updatedAt"`
}

// Store retrieves the latest view per cluster identity.
type Store interface {
	// Get returns the view recorded for exactly identity.
	Get(ctx context.Context, identity Identity) (View, error)
	// GetByCluster returns the most recently updated view among all
	// identities named clusterName, whatever their context.
	GetByCluster(ctx context.Context, clusterName string) (View, error)
}

// MemoryStore keeps the most recent view of every cluster identity seen since
// start. Identities sharing a name but differing in context are kept apart.
type MemoryStore struct {
	mu    sync.RWMutex
	views map[Identity]View
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{views: map[Identity]View{}}
}

// Put replaces the view for the view's identity.
func (s *MemoryStore) Put(view View) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.views[view.Identity] = view
}

func (s *MemoryStore) Get(_ context.Context, identity Identity) (View, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	identity.Name = strings.TrimSpace(identity.Name)
	identity.Context = strings.TrimSpace(identity.Context)
	view, ok := s.views[identity]
	if !ok {
		return View{}, ErrNotFound
	}
	return view, nil
}

func (s *MemoryStore) GetByCluster(_ context.Context, clusterName string) (View, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	clusterName = strings.TrimSpace(clusterName)
	var (
		latest View
		found  bool
	)
	for identity, view := range s.views {
		if identity.Name != clusterName {
			continue
		}
		if !found || view.UpdatedAt.After(latest.UpdatedAt) {
			latest, found = view, true
		}
	}
	if !found {
		return View{}, ErrNotFound
	}
	return latest, nil
}
