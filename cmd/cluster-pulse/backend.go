package main

import (
	"log/slog"

	"github.com/dlbewley/cluster-pulse/internal/aggregate"
	"github.com/dlbewley/cluster-pulse/internal/cluster"
	"github.com/dlbewley/cluster-pulse/internal/config"
	"github.com/dlbewley/cluster-pulse/internal/resources"
	"github.com/dlbewley/cluster-pulse/internal/snapshot"
)

const inClusterName = "in-cluster"

// backend is the resolver/client pair for one way of reaching clusters.
type backend struct {
	mode     string
	resolver cluster.Resolver
	client   resources.Client
	discover cluster.Discoverer
	// fallback is observed when no cluster is configured.
	fallback *snapshot.Identity
}

func buildBackend(cfg config.Config, logger *slog.Logger) backend {
	switch {
	case cfg.FixtureDir != "":
		resolver := cluster.NewFixtureResolver(cfg.FixtureDir)
		return backend{
			mode:     "fixture",
			resolver: resolver,
			client:   resources.NewFixtureClient(cfg.FixtureDir),
			discover: resolver.Clusters,
		}
	case cfg.InCluster:
		local := snapshot.Identity{Name: inClusterName}
		return backend{
			mode:     "in-cluster",
			resolver: cluster.NewInClusterResolver(),
			client:   resources.NewKubeClient(logger.With("component", "client")),
			discover: func() ([]snapshot.Identity, error) {
				return []snapshot.Identity{local}, nil
			},
			fallback: &local,
		}
	default:
		resolver := cluster.NewKubeconfigResolver(cfg.Kubeconfig, cfg.FetchTimeout)
		return backend{
			mode:     "kubeconfig",
			resolver: resolver,
			client:   resources.NewKubeClient(logger.With("component", "client")),
			discover: resolver.Contexts,
		}
	}
}

// initialIdentity picks the cluster to observe at startup.
func (b backend) initialIdentity(cfg config.Config) (snapshot.Identity, bool) {
	if identity, ok := cfg.InitialIdentity(); ok {
		return identity, true
	}
	if b.fallback != nil {
		return *b.fallback, true
	}
	return snapshot.Identity{}, false
}

func (b backend) aggregator(cfg config.Config, logger *slog.Logger) *aggregate.Aggregator {
	return aggregate.New(b.resolver, b.client, aggregate.Options{
		FetchTimeout:  cfg.FetchTimeout,
		FetchAttempts: cfg.FetchAttempts,
		RetryBackoff:  cfg.RetryBackoff,
		Logger:        logger.With("component", "aggregator"),
	})
}
