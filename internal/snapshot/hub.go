package snapshot

import (
	"errors"
	"log/slog"
	"sync"

	"k8s.io/utils/clock"
)

// LastGoodCarrier is implemented by run failures that still know the last
// good snapshot for the same cluster.
type LastGoodCarrier interface {
	LastGood() (ClusterSnapshot, bool)
}

// Hub receives published results, records them in a MemoryStore and fans
// them out to watchers. A watcher that falls behind only ever misses
// intermediate views; the newest one is always delivered.
type Hub struct {
	store  *MemoryStore
	clock  clock.PassiveClock
	logger *slog.Logger

	mu       sync.Mutex
	nextID   int
	watchers map[int]chan View
}

// NewHub creates a hub writing into store.
func NewHub(store *MemoryStore, clk clock.PassiveClock, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Hub{
		store:    store,
		clock:    clk,
		logger:   logger,
		watchers: map[int]chan View{},
	}
}

// OnSnapshot records a fresh snapshot.
func (h *Hub) OnSnapshot(identity Identity, snap ClusterSnapshot) {
	h.publish(View{
		Identity:  identity,
		Status:    StatusFresh,
		Snapshot:  &snap,
		UpdatedAt: h.clock.Now().UTC(),
	})
}

// OnError records a failed run, keeping older data only when the failure says
// it belongs to the same cluster.
func (h *Hub) OnError(identity Identity, err error) {
	view := View{
		Identity:  identity,
		Status:    StatusUnavailable,
		UpdatedAt: h.clock.Now().UTC(),
	}
	if err != nil {
		view.Error = err.Error()
	}

	var carrier LastGoodCarrier
	if errors.As(err, &carrier) {
		if last, ok := carrier.LastGood(); ok {
			view.Status = StatusStale
			view.Snapshot = &last
		}
	}
	h.publish(view)
}

// Store returns the backing store.
func (h *Hub) Store() *MemoryStore {
	return h.store
}

// Watch registers a watcher. The returned cancel func must be called to
// release it; the channel is closed afterwards.
func (h *Hub) Watch() (<-chan View, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	ch := make(chan View, 1)
	h.watchers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.watchers, id)
			close(ch)
		})
	}
}

func (h *Hub) publish(view View) {
	h.store.Put(view)

	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.watchers {
		select {
		case ch <- view:
			continue
		default:
		}
		// Replace the undelivered view with the newer one.
		select {
		case <-ch:
			h.logger.Debug("watcher lagging, dropped older view", "watcher", id, "cluster", view.Identity.Name)
		default:
		}
		select {
		case ch <- view:
		default:
		}
	}
}
