// Package refresh owns the observed cluster identity and publishes the
// result of the most recent aggregation run for it.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dlbewley/cluster-pulse/internal/metrics"
	"github.com/dlbewley/cluster-pulse/internal/snapshot"
)

var (
	ErrNoIdentity = errors.New("no cluster identity selected")
	ErrClosed     = errors.New("refresh controller closed")
)

// Phase is the controller's position in its run lifecycle.
type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseFetching Phase = "fetching"
	PhaseReady    Phase = "ready"
	PhaseFailed   Phase = "failed"
)

// State is a copy of the controller state. Snapshot is set only in
// PhaseReady. Stale holds the last Ready snapshot of the same identity while
// a newer run is in flight or after it failed; it is never reported as
// current.
type State struct {
	Phase    Phase
	Identity snapshot.Identity
	Token    uint64
	Snapshot *snapshot.ClusterSnapshot
	Err      error
	HadData  bool
	Stale    *snapshot.ClusterSnapshot
}

// Runner produces a snapshot for an identity. *aggregate.Aggregator
// satisfies it.
type Runner interface {
	Run(ctx context.Context, identity snapshot.Identity) (snapshot.ClusterSnapshot, error)
}

// Subscriber receives published results. Callbacks run on the run's
// goroutine and must not call SetIdentity, Refresh or Close.
type Subscriber interface {
	OnSnapshot(identity snapshot.Identity, snap snapshot.ClusterSnapshot)
	OnError(identity snapshot.Identity, err error)
}

// RunError is published when the current run failed. It tells consumers
// whether older data for the same identity exists.
type RunError struct {
	Identity snapshot.Identity
	Err      error
	HadData  bool
	Stale    *snapshot.ClusterSnapshot
}

func (e *RunError) Error() string {
	if e.HadData {
		return fmt.Sprintf("refresh %s (showing stale data): %v", e.Identity, e.Err)
	}
	return fmt.Sprintf("refresh %s: %v", e.Identity, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

// LastGood returns the last good snapshot for the failed identity.
func (e *RunError) LastGood() (snapshot.ClusterSnapshot, bool) {
	if e.Stale == nil {
		return snapshot.ClusterSnapshot{}, false
	}
	return *e.Stale, true
}

// Controller runs at most one aggregation at a time. Every SetIdentity or
// Refresh issues a new token and cancels the previous run; results carrying
// an older token are dropped.
type Controller struct {
	runner Runner
	logger *slog.Logger

	baseCtx    context.Context
	baseCancel context.CancelFunc

	// publishMu orders token changes against deliveries so a superseded
	// result is never delivered after a newer token was issued.
	publishMu sync.Mutex

	mu        sync.Mutex
	state     State
	lastGood  *snapshot.ClusterSnapshot
	cancelRun context.CancelFunc
	sub       Subscriber
	subSeq    uint64
	closed    bool

	wg sync.WaitGroup
}

// New creates an idle controller.
func New(runner Runner, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		runner:     runner,
		logger:     logger.With("component", "refresh"),
		baseCtx:    ctx,
		baseCancel: cancel,
		state:      State{Phase: PhaseIdle},
	}
}

// Subscribe installs sub as the only subscriber, replacing any previous
// one. The returned func removes it; a delivery already under way may still
// complete.
func (c *Controller) Subscribe(sub Subscriber) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.subSeq++
	seq := c.subSeq
	c.sub = sub

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if c.subSeq == seq {
				c.sub = nil
			}
		})
	}
}

// SetIdentity selects identity and starts a run for it, superseding any run
// in flight. It returns the run's token.
func (c *Controller) SetIdentity(identity snapshot.Identity) (uint64, error) {
	return c.start(identity, false)
}

// Refresh starts a new run for the current identity.
func (c *Controller) Refresh() (uint64, error) {
	return c.start(snapshot.Identity{}, true)
}

// State returns a copy of the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Close cancels any run in flight and waits for it to return. Its result is
// not published.
func (c *Controller) Close() {
	c.publishMu.Lock()
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		c.state.Token++
		if c.cancelRun != nil {
			c.cancelRun()
			c.cancelRun = nil
		}
		c.baseCancel()
	}
	c.mu.Unlock()
	c.publishMu.Unlock()

	c.wg.Wait()
}

func (c *Controller) start(identity snapshot.Identity, current bool) (uint64, error) {
	c.publishMu.Lock()
	defer c.publishMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, ErrClosed
	}
	if current {
		if c.state.Phase == PhaseIdle {
			c.mu.Unlock()
			return 0, ErrNoIdentity
		}
		identity = c.state.Identity
	}

	if c.state.Phase == PhaseIdle || c.state.Identity != identity {
		c.lastGood = nil
	}
	if c.cancelRun != nil {
		c.cancelRun()
	}
	ctx, cancel := context.WithCancel(c.baseCtx)
	c.cancelRun = cancel

	token := c.state.Token + 1
	c.state = State{
		Phase:    PhaseFetching,
		Identity: identity,
		Token:    token,
		HadData:  c.lastGood != nil,
		Stale:    c.lastGood,
	}
	c.mu.Unlock()

	c.logger.Debug("run started", "cluster", identity.Name, "token", token)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()
		snap, err := c.runner.Run(ctx, identity)
		c.complete(identity, token, snap, err)
	}()
	return token, nil
}

func (c *Controller) complete(identity snapshot.Identity, token uint64, snap snapshot.ClusterSnapshot, err error) {
	c.publishMu.Lock()
	defer c.publishMu.Unlock()

	c.mu.Lock()
	if token != c.state.Token {
		current := c.state.Token
		c.mu.Unlock()
		metrics.StaleResultsDiscardedTotal.Inc()
		c.logger.Debug("discarding superseded result", "cluster", identity.Name, "token", token, "currentToken", current)
		return
	}
	c.cancelRun = nil

	if err == nil {
		c.lastGood = &snap
		c.state = State{
			Phase:    PhaseReady,
			Identity: identity,
			Token:    token,
			Snapshot: &snap,
			HadData:  true,
		}
		sub := c.sub
		c.mu.Unlock()

		for _, kind := range snapshot.Kinds {
			if snap.Failed(kind) {
				continue
			}
			metrics.ResourceCount.WithLabelValues(identity.Name, string(kind)).Set(float64(count(snap.Overview, kind)))
		}
		c.logger.Info("snapshot published", "cluster", identity.Name, "token", token, "partial", snap.Partial)
		if sub != nil {
			sub.OnSnapshot(identity, snap)
		}
		return
	}

	runErr := &RunError{
		Identity: identity,
		Err:      err,
		HadData:  c.lastGood != nil,
		Stale:    c.lastGood,
	}
	c.state = State{
		Phase:    PhaseFailed,
		Identity: identity,
		Token:    token,
		Err:      runErr,
		HadData:  runErr.HadData,
		Stale:    runErr.Stale,
	}
	sub := c.sub
	c.mu.Unlock()

	c.logger.Warn("run failed", "cluster", identity.Name, "token", token, "hadData", runErr.HadData, "error", err)
	if sub != nil {
		sub.OnError(identity, runErr)
	}
}

func count(overview snapshot.Overview, kind snapshot.ResourceKind) int {
	switch kind {
	case snapshot.KindNodes:
		return overview.Nodes
	case snapshot.KindPods:
		return overview.Pods
	default:
		return overview.Services
	}
}
