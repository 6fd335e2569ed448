package resources

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"sigs.k8s.io/yaml"

	"github.com/dlbewley/cluster-pulse/internal/snapshot"
)

// FixtureClient serves collections from list documents on disk, laid out as
// <dir>/<cluster>/<kind>.yaml (or .json). It backs demo and offline runs.
type FixtureClient struct {
	dir string
}

// NewFixtureClient creates a file-backed client rooted at dir.
func NewFixtureClient(dir string) *FixtureClient {
	return &FixtureClient{dir: dir}
}

// Fetch implements Client. A missing fixture file is reported as a transport
// failure so a partially populated directory yields a partial snapshot.
func (c *FixtureClient) Fetch(ctx context.Context, endpoint Endpoint, kind snapshot.ResourceKind) (Collection, error) {
	if !kind.Valid() {
		return Collection{}, fmt.Errorf("unsupported resource kind %q", kind)
	}
	if err := ctx.Err(); err != nil {
		return Collection{}, Classify(kind, err)
	}

	data, path, err := c.read(endpoint.Cluster, kind)
	if err != nil {
		return Collection{}, &TransportError{Kind: kind, Err: err}
	}

	collection, err := decodeCollection(kind, data, func(data []byte, v any) error {
		return yaml.Unmarshal(data, v)
	})
	if err != nil {
		return Collection{}, fmt.Errorf("%s: %w", path, err)
	}
	return collection, nil
}

func (c *FixtureClient) read(cluster string, kind snapshot.ResourceKind) ([]byte, string, error) {
	var lastErr error
	for _, ext := range []string{".yaml", ".yml", ".json"} {
		path := filepath.Join(c.dir, cluster, string(kind)+ext)
		data, err := os.ReadFile(path)
		if err == nil {
			return data, path, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return nil, path, err
		}
		lastErr = err
	}
	return nil, "", fmt.Errorf("no %s fixture for cluster %q: %w", kind, cluster, lastErr)
}
