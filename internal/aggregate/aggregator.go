// Package aggregate builds cluster snapshots from concurrently fetched
// resource collections.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/utils/clock"

	"github.com/dlbewley/cluster-pulse/internal/classify"
	"github.com/dlbewley/cluster-pulse/internal/cluster"
	"github.com/dlbewley/cluster-pulse/internal/metrics"
	"github.com/dlbewley/cluster-pulse/internal/resources"
	"github.com/dlbewley/cluster-pulse/internal/snapshot"
)

const (
	// DefaultFetchTimeout bounds one kind's fetch, retries and backoff included.
	DefaultFetchTimeout = 10 * time.Second
	// DefaultFetchAttempts is how often a kind is tried on transport failure.
	DefaultFetchAttempts = 2
	// DefaultRetryBackoff is the delay before the first retry.
	DefaultRetryBackoff = 200 * time.Millisecond
)

// AggregationError reports a run in which every resource kind failed.
type AggregationError struct {
	Identity snapshot.Identity
	Errs     []error
}

func (e *AggregationError) Error() string {
	messages := make([]string, 0, len(e.Errs))
	for _, err := range e.Errs {
		messages = append(messages, err.Error())
	}
	return fmt.Sprintf("aggregate cluster %s: all resource fetches failed: %s", e.Identity, strings.Join(messages, "; "))
}

func (e *AggregationError) Unwrap() []error { return e.Errs }

// Options tunes an Aggregator. Zero values select the defaults.
type Options struct {
	// FetchTimeout bounds each kind's fetch including retries.
	FetchTimeout time.Duration
	// FetchAttempts is the number of tries for a kind that fails in transport.
	FetchAttempts int
	// RetryBackoff is the delay before the first retry; it doubles per retry.
	RetryBackoff time.Duration
	Clock        clock.PassiveClock
	Logger       *slog.Logger
}

// Aggregator turns a cluster identity into a ClusterSnapshot. It holds no
// per-run state, so concurrent runs are independent.
type Aggregator struct {
	resolver      cluster.Resolver
	client        resources.Client
	fetchTimeout  time.Duration
	fetchAttempts int
	retryBackoff  time.Duration
	clock         clock.PassiveClock
	logger        *slog.Logger
}

// New constructs an Aggregator over an injected resolver and client.
func New(resolver cluster.Resolver, client resources.Client, opts Options) *Aggregator {
	a := &Aggregator{
		resolver:      resolver,
		client:        client,
		fetchTimeout:  opts.FetchTimeout,
		fetchAttempts: opts.FetchAttempts,
		retryBackoff:  opts.RetryBackoff,
		clock:         opts.Clock,
		logger:        opts.Logger,
	}
	if a.fetchTimeout <= 0 {
		a.fetchTimeout = DefaultFetchTimeout
	}
	if a.fetchAttempts <= 0 {
		a.fetchAttempts = DefaultFetchAttempts
	}
	if a.retryBackoff <= 0 {
		a.retryBackoff = DefaultRetryBackoff
	}
	if a.clock == nil {
		a.clock = clock.RealClock{}
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	return a
}

type fetchResult struct {
	collection resources.Collection
	err        error
}

// Run resolves identity, fetches every resource kind once and concurrently,
// and merges the results. Kinds that fail are recorded in the snapshot's
// Errors; the run itself fails only on resolution failure, cancellation, or
// when every kind failed (*AggregationError).
func (a *Aggregator) Run(ctx context.Context, identity snapshot.Identity) (snapshot.ClusterSnapshot, error) {
	start := a.clock.Now()
	logger := a.logger.With("cluster", identity.Name)

	endpoint, err := a.resolver.Resolve(ctx, identity)
	if err != nil {
		var resolutionErr *cluster.ResolutionError
		if !errors.As(err, &resolutionErr) {
			err = &cluster.ResolutionError{Identity: identity, Err: err}
		}
		metrics.RunsTotal.WithLabelValues(metrics.OutcomeResolutionFailed).Inc()
		logger.Error("cluster resolution failed", "error", err)
		return snapshot.ClusterSnapshot{}, err
	}

	results := make([]fetchResult, len(snapshot.Kinds))
	var g errgroup.Group
	for i, kind := range snapshot.Kinds {
		i, kind := i, kind
		g.Go(func() error {
			collection, err := a.fetch(ctx, endpoint, kind)
			results[i] = fetchResult{collection: collection, err: err}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		metrics.RunsTotal.WithLabelValues(metrics.OutcomeCanceled).Inc()
		logger.Debug("aggregation canceled", "error", err)
		return snapshot.ClusterSnapshot{}, fmt.Errorf("aggregate cluster %s: %w", identity, err)
	}

	snap := snapshot.ClusterSnapshot{
		ID:       uuid.NewString(),
		Identity: identity,
		Nodes:    []snapshot.NodeStatus{},
		Pods:     []snapshot.PodStatus{},
		Errors:   []snapshot.SourceError{},
	}
	var failures []error
	for i, kind := range snapshot.Kinds {
		result := results[i]
		if result.err != nil {
			reason := resources.Reason(result.err)
			failures = append(failures, result.err)
			snap.Errors = append(snap.Errors, snapshot.SourceError{
				Source:  kind,
				Reason:  reason,
				Message: result.err.Error(),
			})
			metrics.FetchFailuresTotal.WithLabelValues(string(kind), reason).Inc()
			logger.Warn("resource fetch failed", "kind", kind, "reason", reason, "error", result.err)
			continue
		}

		switch kind {
		case snapshot.KindNodes:
			snap.Nodes = classify.Nodes(result.collection.Nodes)
			snap.Overview.Nodes = len(snap.Nodes)
		case snapshot.KindPods:
			snap.Pods = classify.Pods(result.collection.Pods)
			snap.Overview.Pods = len(snap.Pods)
		case snapshot.KindServices:
			snap.Overview.Services = len(result.collection.Services)
		}
	}

	durationMs := a.clock.Since(start).Milliseconds()
	if len(failures) == len(snapshot.Kinds) {
		err := &AggregationError{Identity: identity, Errs: failures}
		metrics.RunsTotal.WithLabelValues(metrics.OutcomeFailed).Inc()
		logger.Error("cluster aggregation failed", "durationMs", durationMs, "error", err)
		return snapshot.ClusterSnapshot{}, err
	}

	snap.Partial = len(failures) > 0
	snap.FetchedAt = a.clock.Now().UTC()

	outcome := metrics.OutcomeComplete
	if snap.Partial {
		outcome = metrics.OutcomePartial
	}
	metrics.RunsTotal.WithLabelValues(outcome).Inc()
	metrics.RunDurationSeconds.Observe(a.clock.Since(start).Seconds())

	logger.Info(
		"cluster snapshot aggregated",
		"durationMs", durationMs,
		"nodeCount", snap.Overview.Nodes,
		"podCount", snap.Overview.Pods,
		"serviceCount", snap.Overview.Services,
		"partial", snap.Partial,
		"errorCount", len(snap.Errors),
	)
	return snap, nil
}

// fetch retrieves one kind within the fetch timeout, retrying transport
// failures with exponential backoff. Backoff waits end with ctx.
func (a *Aggregator) fetch(ctx context.Context, endpoint resources.Endpoint, kind snapshot.ResourceKind) (resources.Collection, error) {
	ctx, cancel := context.WithTimeout(ctx, a.fetchTimeout)
	defer cancel()

	backoff := wait.Backoff{
		Steps:    a.fetchAttempts,
		Duration: a.retryBackoff,
		Factor:   2.0,
		Jitter:   0.1,
	}

	var (
		collection resources.Collection
		lastErr    error
		attempt    int
	)
	err := wait.ExponentialBackoffWithContext(ctx, backoff, func(ctx context.Context) (bool, error) {
		attempt++
		result, err := a.fetchOnce(ctx, endpoint, kind)
		if err == nil {
			collection = result
			return true, nil
		}
		lastErr = err
		if !resources.Retriable(err) {
			return false, err
		}
		if attempt < a.fetchAttempts {
			a.logger.Debug("retrying resource fetch", "cluster", endpoint.Cluster, "kind", kind, "attempt", attempt, "error", err)
		}
		return false, nil
	})
	switch {
	case err == nil:
		return collection, nil
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		// The deadline or a cancel ended a backoff wait.
		if lastErr == nil {
			return resources.Collection{}, resources.Classify(kind, err)
		}
		return resources.Collection{}, resources.Classify(kind, fmt.Errorf("%w; last attempt: %v", err, lastErr))
	case wait.Interrupted(err) && lastErr != nil:
		// Attempts exhausted.
		return resources.Collection{}, lastErr
	default:
		return resources.Collection{}, resources.Classify(kind, err)
	}
}

// fetchOnce enforces the deadline even when the client does not honor ctx;
// a late response is dropped.
func (a *Aggregator) fetchOnce(ctx context.Context, endpoint resources.Endpoint, kind snapshot.ResourceKind) (resources.Collection, error) {
	done := make(chan fetchResult, 1)
	go func() {
		collection, err := a.client.Fetch(ctx, endpoint, kind)
		done <- fetchResult{collection: collection, err: err}
	}()

	select {
	case result := <-done:
		return result.collection, resources.Classify(kind, result.err)
	case <-ctx.Done():
		return resources.Collection{}, resources.Classify(kind, ctx.Err())
	}
}
