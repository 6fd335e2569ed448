package resources

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"

	"github.com/dlbewley/cluster-pulse/internal/snapshot"
)

// maxCachedClients bounds the REST client cache; it is reset when full.
const maxCachedClients = 32

// KubeClient reads collections from GET {host}/api/v1/{kind}. REST clients
// are built once per distinct endpoint configuration and reused across
// fetches and runs.
type KubeClient struct {
	logger *slog.Logger

	mu      sync.Mutex
	clients map[configKey]rest.Interface
}

// NewKubeClient builds a client for resolved Kubernetes endpoints.
func NewKubeClient(logger *slog.Logger) *KubeClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &KubeClient{logger: logger, clients: map[configKey]rest.Interface{}}
}

// Fetch implements Client.
func (c *KubeClient) Fetch(ctx context.Context, endpoint Endpoint, kind snapshot.ResourceKind) (Collection, error) {
	if !kind.Valid() {
		return Collection{}, fmt.Errorf("unsupported resource kind %q", kind)
	}
	if endpoint.Config == nil {
		return Collection{}, &TransportError{Kind: kind, Err: fmt.Errorf("endpoint %q has no client config", endpoint.Cluster)}
	}

	restClient, err := c.restClient(endpoint.Config)
	if err != nil {
		return Collection{}, &TransportError{Kind: kind, Err: fmt.Errorf("create kubernetes client: %w", err)}
	}

	start := time.Now()
	raw, err := restClient.Get().AbsPath("/api/v1", string(kind)).DoRaw(ctx)
	durationMs := time.Since(start).Milliseconds()
	if err != nil {
		c.logger.Debug("resource request failed", "cluster", endpoint.Cluster, "kind", kind, "durationMs", durationMs, "error", err)
		return Collection{}, Classify(kind, err)
	}

	collection, err := decodeCollection(kind, raw, nil)
	if err != nil {
		c.logger.Debug("resource decode failed", "cluster", endpoint.Cluster, "kind", kind, "responseBytes", len(raw), "error", err)
		return Collection{}, err
	}

	c.logger.Debug("resource collection fetched",
		"cluster", endpoint.Cluster,
		"kind", kind,
		"items", collection.Len(),
		"responseBytes", len(raw),
		"durationMs", durationMs,
	)
	return collection, nil
}

// configKey identifies the parts of a rest.Config that shape the transport
// and credentials. Configs carrying custom funcs or transports have no key.
type configKey struct {
	host, apiPath, userAgent     string
	username, password           string
	bearerToken, bearerTokenFile string
	impersonate                  string
	insecure                     bool
	serverName                   string
	certFile, keyFile, caFile    string
	certData, keyData, caData    string
	exec                         string
	qps                          float32
	burst                        int
	timeout                      time.Duration
}

func keyFor(cfg *rest.Config) (configKey, bool) {
	if cfg.Transport != nil || cfg.WrapTransport != nil || cfg.Dial != nil || cfg.Proxy != nil ||
		cfg.RateLimiter != nil || cfg.AuthProvider != nil {
		return configKey{}, false
	}
	key := configKey{
		host:            cfg.Host,
		apiPath:         cfg.APIPath,
		userAgent:       cfg.UserAgent,
		username:        cfg.Username,
		password:        cfg.Password,
		bearerToken:     cfg.BearerToken,
		bearerTokenFile: cfg.BearerTokenFile,
		impersonate:     cfg.Impersonate.UserName,
		insecure:        cfg.Insecure,
		serverName:      cfg.ServerName,
		certFile:        cfg.CertFile,
		keyFile:         cfg.KeyFile,
		caFile:          cfg.CAFile,
		certData:        string(cfg.CertData),
		keyData:         string(cfg.KeyData),
		caData:          string(cfg.CAData),
		qps:             cfg.QPS,
		burst:           cfg.Burst,
		timeout:         cfg.Timeout,
	}
	if exec := cfg.ExecProvider; exec != nil {
		if exec.Config != nil {
			return configKey{}, false
		}
		parts := append([]string{exec.APIVersion, exec.Command}, exec.Args...)
		for _, env := range exec.Env {
			parts = append(parts, env.Name+"="+env.Value)
		}
		key.exec = strings.Join(parts, "\x00")
	}
	return key, true
}

func (c *KubeClient) restClient(cfg *rest.Config) (rest.Interface, error) {
	key, cacheable := keyFor(cfg)
	if cacheable {
		c.mu.Lock()
		restClient, ok := c.clients[key]
		c.mu.Unlock()
		if ok {
			return restClient, nil
		}
	}

	clientset, err := kubernetes.NewForConfig(rest.CopyConfig(cfg))
	if err != nil {
		return nil, err
	}
	restClient := clientset.CoreV1().RESTClient()
	if cacheable {
		c.mu.Lock()
		if len(c.clients) >= maxCachedClients {
			clear(c.clients)
		}
		c.clients[key] = restClient
		c.mu.Unlock()
	}
	return restClient, nil
}

func (c *KubeClient) cachedClients() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.clients)
}
