package snapshot

import "time"

// ResourceKind names one resource collection served by the control plane.
type ResourceKind string

const (
	KindNodes    ResourceKind = "nodes"
	KindPods     ResourceKind = "pods"
	KindServices ResourceKind = "services"
)

// Kinds lists every collection a snapshot is built from, in snapshot order.
var Kinds = []ResourceKind{KindNodes, KindPods, KindServices}

// Valid reports whether k is one of Kinds.
func (k ResourceKind) Valid() bool {
	switch k {
	case KindNodes, KindPods, KindServices:
		return true
	default:
		return false
	}
}

// NoImage is reported as the primary image of a pod that declares no containers.
const NoImage = "none"

// Identity selects the observed cluster. Context names a kubeconfig context;
// it is empty when the cluster is reached in-cluster or from fixtures.
type Identity struct {
	Name    string `json:"name"`
	Context string `json:"context,omitempty"`
}

func (i Identity) String() string {
	if i.Context == "" || i.Context == i.Name {
		return i.Name
	}
	return i.Name + "(" + i.Context + ")"
}

// NodeStatus is the display form of one node. Utilization is nil when the
// node does not report a usable capacity.
type NodeStatus struct {
	Name              string `json:"name"`
	Ready             bool   `json:"ready"`
	CPUUtilizationPct *int   `json:"cpuUtilizationPct,omitempty"`
	MemUtilizationPct *int   `json:"memUtilizationPct,omitempty"`
}

// PodStatus is the display form of one pod.
type PodStatus struct {
	Name         string `json:"name"`
	Namespace    string `json:"namespace,omitempty"`
	Phase        string `json:"phase"`
	PrimaryImage string `json:"primaryImage"`
}

// Overview holds the aggregate counts shown on the dashboard.
type Overview struct {
	Nodes    int `json:"nodes"`
	Pods     int `json:"pods"`
	Services int `json:"services"`
}

// Failure reasons recorded in SourceError.Reason.
const (
	ReasonTransport = "transport"
	ReasonTimeout   = "timeout"
	ReasonAuth      = "auth"
	ReasonDecode    = "decode"
)

// SourceError records why one resource kind is missing from a snapshot.
type SourceError struct {
	Source  ResourceKind `json:"source"`
	Reason  string       `json:"reason"`
	Message string       `json:"message"`
}

// ClusterSnapshot is one aggregation result. Treat it as read-only: newer
// data always arrives as a new value.
type ClusterSnapshot struct {
	ID        string        `json:"id"`
	Identity  Identity      `json:"identity"`
	Overview  Overview      `json:"overview"`
	Nodes     []NodeStatus  `json:"nodes"`
	Pods      []PodStatus   `json:"pods"`
	FetchedAt time.Time     `json:"fetchedAt"`
	Partial   bool          `json:"partial"`
	Errors    []SourceError `json:"errors"`
}

// Failed reports whether kind was recorded as a failed source.
func (s ClusterSnapshot) Failed(kind ResourceKind) bool {
	for _, e := range s.Errors {
		if e.Source == kind {
			return true
		}
	}
	return false
}
