package snapshot

import (
	"context"
	"errors"
	"testing"
	"time"

	clocktesting "k8s.io/utils/clock/testing"
)

type staleErr struct {
	last ClusterSnapshot
	ok   bool
}

func (e staleErr) Error() string                     { return "run failed" }
func (e staleErr) LastGood() (ClusterSnapshot, bool) { return e.last, e.ok }

func TestMemoryStoreReturnsClusterView(t *testing.T) {
	store := NewMemoryStore()
	store.Put(View{Identity: Identity{Name: "prod"}, Status: StatusFresh})

	view, err := store.GetByCluster(context.Background(), "prod")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if view.Identity.Name != "prod" {
		t.Fatalf("expected prod, got %q", view.Identity.Name)
	}
}

func TestMemoryStoreReturnsNotFoundForUnknownCluster(t *testing.T) {
	store := NewMemoryStore()
	_, err := store.GetByCluster(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestHubRecordsFreshSnapshot(t *testing.T) {
	now := time.Date(2026, 2, 14, 12, 0, 0, 0, time.UTC)
	hub := NewHub(NewMemoryStore(), clocktesting.NewFakePassiveClock(now), nil)
	id := Identity{Name: "prod"}

	hub.OnSnapshot(id, ClusterSnapshot{ID: "snap-1", Identity: id})

	view, err := hub.Store().GetByCluster(context.Background(), "prod")
	if err != nil {
		t.Fatalf("expected view, got %v", err)
	}
	if view.Status != StatusFresh {
		t.Fatalf("expected fresh status, got %q", view.Status)
	}
	if view.Snapshot == nil || view.Snapshot.ID != "snap-1" {
		t.Fatalf("unexpected snapshot: %#v", view.Snapshot)
	}
	if !view.UpdatedAt.Equal(now) {
		t.Fatalf("expected updatedAt %v, got %v", now, view.UpdatedAt)
	}
}

func TestHubDistinguishesStaleFromUnavailable(t *testing.T) {
	hub := NewHub(NewMemoryStore(), nil, nil)

	hub.OnError(Identity{Name: "never"}, errors.New("resolve cluster never: no such context"))
	view, _ := hub.Store().GetByCluster(context.Background(), "never")
	if view.Status != StatusUnavailable {
		t.Fatalf("expected unavailable, got %q", view.Status)
	}
	if view.Snapshot != nil {
		t.Fatalf("expected no snapshot for a cluster that never had data")
	}

	hub.OnError(Identity{Name: "prod"}, staleErr{last: ClusterSnapshot{ID: "old"}, ok: true})
	view, _ = hub.Store().GetByCluster(context.Background(), "prod")
	if view.Status != StatusStale {
		t.Fatalf("expected stale, got %q", view.Status)
	}
	if view.Snapshot == nil || view.Snapshot.ID != "old" {
		t.Fatalf("expected last good snapshot to be kept, got %#v", view.Snapshot)
	}
	if view.Error != "run failed" {
		t.Fatalf("unexpected error text %q", view.Error)
	}
}

func TestHubWatcherReceivesNewestView(t *testing.T) {
	hub := NewHub(NewMemoryStore(), nil, nil)
	views, cancel := hub.Watch()
	defer cancel()

	id := Identity{Name: "prod"}
	hub.OnSnapshot(id, ClusterSnapshot{ID: "first"})
	hub.OnSnapshot(id, ClusterSnapshot{ID: "second"})

	select {
	case view := <-views:
		if view.Snapshot == nil || view.Snapshot.ID != "second" {
			t.Fatalf("expected newest view, got %#v", view.Snapshot)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for view")
	}
}

func TestHubWatchCancelClosesChannel(t *testing.T) {
	hub := NewHub(NewMemoryStore(), nil, nil)
	views, cancel := hub.Watch()
	cancel()
	cancel()

	if _, ok := <-views; ok {
		t.Fatalf("expected closed channel after cancel")
	}
	hub.OnSnapshot(Identity{Name: "prod"}, ClusterSnapshot{})
}

func TestMemoryStoreKeepsContextsOfOneClusterApart(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2026, 2, 14, 12, 0, 0, 0, time.UTC)
	admin := Identity{Name: "prod", Context: "admin@prod"}
	viewer := Identity{Name: "prod", Context: "viewer@prod"}

	store.Put(View{Identity: admin, Status: StatusFresh, UpdatedAt: now})
	store.Put(View{Identity: viewer, Status: StatusUnavailable, UpdatedAt: now.Add(time.Minute)})

	view, err := store.Get(context.Background(), admin)
	if err != nil || view.Status != StatusFresh {
		t.Fatalf("expected admin view to survive, got %#v (%v)", view, err)
	}
	view, err = store.Get(context.Background(), viewer)
	if err != nil || view.Status != StatusUnavailable {
		t.Fatalf("expected viewer view, got %#v (%v)", view, err)
	}
	if _, err := store.Get(context.Background(), Identity{Name: "prod"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for an unseen context, got %v", err)
	}

	view, err = store.GetByCluster(context.Background(), "prod")
	if err != nil || view.Identity != viewer {
		t.Fatalf("expected the latest view by name, got %#v (%v)", view.Identity, err)
	}
	store.Put(View{Identity: admin, Status: StatusStale, UpdatedAt: now.Add(2 * time.Minute)})
	view, _ = store.GetByCluster(context.Background(), "prod")
	if view.Identity != admin || view.Status != StatusStale {
		t.Fatalf("expected refreshed admin view, got %#v", view)
	}
}
