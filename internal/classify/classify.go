// Package classify turns raw Kubernetes records into dashboard rows. All
// functions are pure.
package classify

import (
	"math"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"

	"github.com/dlbewley/cluster-pulse/internal/snapshot"
)

// Node classifies one node record.
func Node(node *corev1.Node) snapshot.NodeStatus {
	return snapshot.NodeStatus{
		Name:              node.Name,
		Ready:             nodeReady(node),
		CPUUtilizationPct: utilization(node.Status.Allocatable, node.Status.Capacity, corev1.ResourceCPU),
		MemUtilizationPct: utilization(node.Status.Allocatable, node.Status.Capacity, corev1.ResourceMemory),
	}
}

// Pod classifies one pod record.
func Pod(pod *corev1.Pod) snapshot.PodStatus {
	image := snapshot.NoImage
	if len(pod.Spec.Containers) > 0 {
		image = pod.Spec.Containers[0].Image
	}
	return snapshot.PodStatus{
		Name:         pod.Name,
		Namespace:    pod.Namespace,
		Phase:        string(pod.Status.Phase),
		PrimaryImage: image,
	}
}

// Nodes classifies nodes in input order.
func Nodes(nodes []corev1.Node) []snapshot.NodeStatus {
	out := make([]snapshot.NodeStatus, 0, len(nodes))
	for i := range nodes {
		out = append(out, Node(&nodes[i]))
	}
	return out
}

// Pods classifies pods in input order.
func Pods(pods []corev1.Pod) []snapshot.PodStatus {
	out := make([]snapshot.PodStatus, 0, len(pods))
	for i := range pods {
		out = append(out, Pod(&pods[i]))
	}
	return out
}

// A node without a Ready condition is not ready.
func nodeReady(node *corev1.Node) bool {
	for _, cond := range node.Status.Conditions {
		if cond.Type == corev1.NodeReady {
			return cond.Status == corev1.ConditionTrue
		}
	}
	return false
}

// utilization returns round(allocatable/capacity*100) clamped to [0,100], or
// nil when either side is missing or capacity is not positive.
func utilization(allocatable, capacity corev1.ResourceList, name corev1.ResourceName) *int {
	alloc, ok := allocatable[name]
	if !ok {
		return nil
	}
	capQty, ok := capacity[name]
	if !ok {
		return nil
	}

	num, den := quantityValue(name, alloc), quantityValue(name, capQty)
	if den <= 0 {
		return nil
	}

	pct := int(math.Round(num / den * 100))
	pct = min(max(pct, 0), 100)
	return &pct
}

// CPU is compared in millicores so fractional cores keep their precision.
func quantityValue(name corev1.ResourceName, q resource.Quantity) float64 {
	if name == corev1.ResourceCPU {
		return float64(q.MilliValue())
	}
	return q.AsApproximateFloat64()
}
