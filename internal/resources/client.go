// Package resources fetches raw resource collections from a Kubernetes
// control plane. A Client performs exactly one round trip per Fetch and never
// retries; callers own the retry policy.
package resources

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/rest"

	"github.com/dlbewley/cluster-pulse/internal/snapshot"
)

// Endpoint is a resolved control plane. Config carries transport and
// credentials and is only read by the client that dials it.
type Endpoint struct {
	Cluster string
	Host    string
	Config  *rest.Config
}

// Collection holds the records of one kind in API order. Only the field
// matching Kind is populated.
type Collection struct {
	Kind     snapshot.ResourceKind
	Nodes    []corev1.Node
	Pods     []corev1.Pod
	Services []corev1.Service
}

// Len returns the number of records in the collection.
func (c Collection) Len() int {
	switch c.Kind {
	case snapshot.KindNodes:
		return len(c.Nodes)
	case snapshot.KindPods:
		return len(c.Pods)
	case snapshot.KindServices:
		return len(c.Services)
	default:
		return 0
	}
}

// Client fetches one resource collection. Failures are *TransportError,
// *AuthError or *DecodeError.
type Client interface {
	Fetch(ctx context.Context, endpoint Endpoint, kind snapshot.ResourceKind) (Collection, error)
}

var listKinds = map[snapshot.ResourceKind]string{
	snapshot.KindNodes:    "NodeList",
	snapshot.KindPods:     "PodList",
	snapshot.KindServices: "ServiceList",
}

type unmarshalFunc func(data []byte, v any) error

// decodeCollection maps a list document to typed records.
func decodeCollection(kind snapshot.ResourceKind, data []byte, unmarshal unmarshalFunc) (Collection, error) {
	if unmarshal == nil {
		unmarshal = json.Unmarshal
	}

	var meta struct {
		Kind string `json:"kind"`
	}
	if err := unmarshal(data, &meta); err != nil {
		return Collection{}, &DecodeError{Kind: kind, Err: err}
	}
	if meta.Kind != "" && meta.Kind != listKinds[kind] {
		return Collection{}, &DecodeError{Kind: kind, Err: fmt.Errorf("expected %s, got %s", listKinds[kind], meta.Kind)}
	}

	collection := Collection{Kind: kind}
	var names []string
	switch kind {
	case snapshot.KindNodes:
		var list corev1.NodeList
		if err := unmarshal(data, &list); err != nil {
			return Collection{}, &DecodeError{Kind: kind, Err: err}
		}
		collection.Nodes = list.Items
		for _, item := range list.Items {
			names = append(names, item.Name)
		}
	case snapshot.KindPods:
		var list corev1.PodList
		if err := unmarshal(data, &list); err != nil {
			return Collection{}, &DecodeError{Kind: kind, Err: err}
		}
		collection.Pods = list.Items
		for _, item := range list.Items {
			names = append(names, item.Name)
		}
	case snapshot.KindServices:
		var list corev1.ServiceList
		if err := unmarshal(data, &list); err != nil {
			return Collection{}, &DecodeError{Kind: kind, Err: err}
		}
		collection.Services = list.Items
		for _, item := range list.Items {
			names = append(names, item.Name)
		}
	default:
		return Collection{}, fmt.Errorf("unsupported resource kind %q", kind)
	}

	for i, name := range names {
		if strings.TrimSpace(name) == "" {
			return Collection{}, &DecodeError{Kind: kind, Err: fmt.Errorf("item %d is missing metadata.name", i)}
		}
	}
	return collection, nil
}
