// Package cluster maps a cluster identity to a reachable control-plane
// endpoint. Credentials are loaded here and handed on inside the endpoint's
// rest.Config; nothing downstream inspects them.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/dlbewley/cluster-pulse/internal/resources"
	"github.com/dlbewley/cluster-pulse/internal/snapshot"
)

var ErrUnknownCluster = errors.New("unknown cluster")

// ResolutionError reports that an identity could not be mapped to an endpoint.
type ResolutionError struct {
	Identity snapshot.Identity
	Err      error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve cluster %s: %v", e.Identity, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// Resolver maps an identity to an endpoint. Failures are *ResolutionError.
type Resolver interface {
	Resolve(ctx context.Context, identity snapshot.Identity) (resources.Endpoint, error)
}

// KubeconfigResolver resolves identities to kubeconfig contexts. The context
// defaults to the identity name.
type KubeconfigResolver struct {
	loadingRules   *clientcmd.ClientConfigLoadingRules
	requestTimeout time.Duration
}

// NewKubeconfigResolver loads kubeconfig from path, or from the default
// locations ($KUBECONFIG, ~/.kube/config) when path is empty.
func NewKubeconfigResolver(path string, requestTimeout time.Duration) *KubeconfigResolver {
	rules := clientcmd.NewDefaultClientConfigLoadingRules()
	if strings.TrimSpace(path) != "" {
		rules.ExplicitPath = path
	}
	return &KubeconfigResolver{loadingRules: rules, requestTimeout: requestTimeout}
}

// Resolve implements Resolver.
func (r *KubeconfigResolver) Resolve(_ context.Context, identity snapshot.Identity) (resources.Endpoint, error) {
	contextName := identity.Context
	if contextName == "" {
		contextName = identity.Name
	}
	if strings.TrimSpace(contextName) == "" {
		return resources.Endpoint{}, &ResolutionError{Identity: identity, Err: fmt.Errorf("cluster name is required")}
	}

	clientConfig := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(
		r.loadingRules,
		&clientcmd.ConfigOverrides{CurrentContext: contextName},
	)
	raw, err := clientConfig.RawConfig()
	if err != nil {
		return resources.Endpoint{}, &ResolutionError{Identity: identity, Err: fmt.Errorf("load kubeconfig: %w", err)}
	}
	if _, ok := raw.Contexts[contextName]; !ok {
		return resources.Endpoint{}, &ResolutionError{Identity: identity, Err: fmt.Errorf("%w: no kubeconfig context %q", ErrUnknownCluster, contextName)}
	}

	restConfig, err := clientConfig.ClientConfig()
	if err != nil {
		return resources.Endpoint{}, &ResolutionError{Identity: identity, Err: fmt.Errorf("build client config for context %q: %w", contextName, err)}
	}
	if r.requestTimeout > 0 {
		restConfig.Timeout = r.requestTimeout
	}

	return resources.Endpoint{Cluster: identity.Name, Host: restConfig.Host, Config: restConfig}, nil
}

// Contexts lists the kubeconfig contexts as identities.
func (r *KubeconfigResolver) Contexts() ([]snapshot.Identity, error) {
	raw, err := r.loadingRules.Load()
	if err != nil {
		return nil, fmt.Errorf("load kubeconfig: %w", err)
	}
	identities := make([]snapshot.Identity, 0, len(raw.Contexts))
	for name := range raw.Contexts {
		identities = append(identities, snapshot.Identity{Name: name, Context: name})
	}
	return identities, nil
}

// InClusterResolver resolves every identity to the cluster the process runs in.
type InClusterResolver struct {
	loadConfig func() (*rest.Config, error)
}

// NewInClusterResolver uses the pod's service account.
func NewInClusterResolver() *InClusterResolver {
	return &InClusterResolver{loadConfig: rest.InClusterConfig}
}

// Resolve implements Resolver.
func (r *InClusterResolver) Resolve(_ context.Context, identity snapshot.Identity) (resources.Endpoint, error) {
	restConfig, err := r.loadConfig()
	if err != nil {
		return resources.Endpoint{}, &ResolutionError{Identity: identity, Err: fmt.Errorf("load in-cluster config: %w", err)}
	}
	return resources.Endpoint{Cluster: identity.Name, Host: restConfig.Host, Config: restConfig}, nil
}

// FixtureResolver resolves identities to fixture directories under dir.
type FixtureResolver struct {
	dir string
}

// NewFixtureResolver creates a resolver for resources.FixtureClient layouts.
func NewFixtureResolver(dir string) *FixtureResolver {
	return &FixtureResolver{dir: dir}
}

// Resolve implements Resolver.
func (r *FixtureResolver) Resolve(_ context.Context, identity snapshot.Identity) (resources.Endpoint, error) {
	name := strings.TrimSpace(identity.Name)
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return resources.Endpoint{}, &ResolutionError{Identity: identity, Err: fmt.Errorf("invalid cluster name %q", identity.Name)}
	}

	path := filepath.Join(r.dir, name)
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return resources.Endpoint{}, &ResolutionError{Identity: identity, Err: fmt.Errorf("%w: no fixture directory %s", ErrUnknownCluster, path)}
		}
		return resources.Endpoint{}, &ResolutionError{Identity: identity, Err: err}
	}
	if !info.IsDir() {
		return resources.Endpoint{}, &ResolutionError{Identity: identity, Err: fmt.Errorf("%s is not a directory", path)}
	}
	return resources.Endpoint{Cluster: name, Host: "file://" + path}, nil
}

// Clusters lists the fixture directories as identities.
func (r *FixtureResolver) Clusters() ([]snapshot.Identity, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("read fixture dir: %w", err)
	}
	var identities []snapshot.Identity
	for _, entry := range entries {
		if entry.IsDir() {
			identities = append(identities, snapshot.Identity{Name: entry.Name()})
		}
	}
	return identities, nil
}
