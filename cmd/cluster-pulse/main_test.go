package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/onsi/gomega"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/dlbewley/cluster-pulse/internal/config"
	"github.com/dlbewley/cluster-pulse/internal/refresh"
	"github.com/dlbewley/cluster-pulse/internal/snapshot"
)

const (
	nodesFixture = `kind: NodeList
items:
- metadata:
    name: worker-a
  status:
    conditions:
    - type: Ready
      status: "True"
    allocatable:
      cpu: "2"
    capacity:
      cpu: "4"
`
	podsFixture = `kind: PodList
items:
- metadata:
    name: web-0
    namespace: default
  spec:
    containers:
    - name: web
      image: nginx:1
  status:
    phase: Running
`
	servicesFixture = `kind: ServiceList
items: []
`
)

func writeFixtures(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		path := filepath.Join(dir, "demo", name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			t.Fatalf("write fixture: %v", err)
		}
	}
	return dir
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestSnapshotCommandPrintsFixtureSnapshot(t *testing.T) {
	dir := writeFixtures(t, map[string]string{
		"nodes.yaml":    nodesFixture,
		"pods.yaml":     podsFixture,
		"services.yaml": servicesFixture,
	})

	out, err := execute(t, "snapshot", "--fixture-dir", dir, "--cluster", "demo", "--log-level", "error")
	if err != nil {
		t.Fatalf("snapshot command failed: %v", err)
	}

	var snap snapshot.ClusterSnapshot
	if err := json.Unmarshal([]byte(out), &snap); err != nil {
		t.Fatalf("failed to parse output: %v\n%s", err, out)
	}
	if snap.Overview != (snapshot.Overview{Nodes: 1, Pods: 1, Services: 0}) {
		t.Fatalf("unexpected overview %#v", snap.Overview)
	}
	if snap.Nodes[0].CPUUtilizationPct == nil || *snap.Nodes[0].CPUUtilizationPct != 50 {
		t.Fatalf("unexpected node rows %#v", snap.Nodes)
	}
	if snap.Pods[0].PrimaryImage != "nginx:1" || snap.Partial {
		t.Fatalf("unexpected pods %#v partial=%v", snap.Pods, snap.Partial)
	}
}

func TestSnapshotCommandYAMLOutputReportsPartial(t *testing.T) {
	dir := writeFixtures(t, map[string]string{
		"nodes.yaml": nodesFixture,
		"pods.yaml":  podsFixture,
	})

	out, err := execute(t, "snapshot", "--fixture-dir", dir, "--cluster", "demo", "--log-level", "error", "-o", "yaml")
	if err != nil {
		t.Fatalf("snapshot command failed: %v", err)
	}
	for _, want := range []string{"partial: true", "source: services", "nginx:1"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output:\n%s", want, out)
		}
	}
}

func TestSnapshotCommandFailsWhenNothingIsReachable(t *testing.T) {
	dir := writeFixtures(t, map[string]string{"README": "empty cluster"})

	if _, err := execute(t, "snapshot", "--fixture-dir", dir, "--cluster", "demo", "--log-level", "error", "--fetch-attempts", "1"); err == nil {
		t.Fatalf("expected failure when every kind is missing")
	}
	if _, err := execute(t, "snapshot", "--fixture-dir", dir, "--log-level", "error"); err == nil || !strings.Contains(err.Error(), "--cluster") {
		t.Fatalf("expected missing cluster error, got %v", err)
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if out != "cluster-pulse version dev\n" {
		t.Fatalf("unexpected version output %q", out)
	}
}

func TestBuildBackendSelectsMode(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	fixture := buildBackend(config.Config{FixtureDir: t.TempDir()}, logger)
	if fixture.mode != "fixture" {
		t.Fatalf("expected fixture backend, got %s", fixture.mode)
	}
	if _, ok := fixture.initialIdentity(config.Config{}); ok {
		t.Fatalf("fixture backend needs an explicit cluster")
	}

	inCluster := buildBackend(config.Config{InCluster: true}, logger)
	identity, ok := inCluster.initialIdentity(config.Config{})
	if inCluster.mode != "in-cluster" || !ok || identity.Name != inClusterName {
		t.Fatalf("unexpected in-cluster backend %s %#v", inCluster.mode, identity)
	}

	kubeconfig := buildBackend(config.Config{}, logger)
	identity, ok = kubeconfig.initialIdentity(config.Config{Cluster: "prod", Context: "admin@prod"})
	if kubeconfig.mode != "kubeconfig" || !ok || identity.Context != "admin@prod" {
		t.Fatalf("unexpected kubeconfig backend %s %#v", kubeconfig.mode, identity)
	}
}

type countingRefresher struct {
	calls atomic.Int32
	err   error
}

func (c *countingRefresher) Refresh() (uint64, error) {
	n := c.calls.Add(1)
	return uint64(n), c.err
}

func TestRefreshLoopTicksUntilCanceled(t *testing.T) {
	g := NewWithT(t)
	clk := clocktesting.NewFakeClock(time.Now())
	r := &countingRefresher{}
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		runRefreshLoop(ctx, r, clk, time.Minute, logger)
	}()

	g.Eventually(clk.HasWaiters).Should(BeTrue())
	clk.Step(time.Minute)
	g.Eventually(r.calls.Load).Should(BeEquivalentTo(1))
	clk.Step(time.Minute)
	g.Eventually(r.calls.Load).Should(BeEquivalentTo(2))

	cancel()
	g.Eventually(done).Should(BeClosed())
}

func TestRefreshLoopStopsWhenControllerClosed(t *testing.T) {
	g := NewWithT(t)
	clk := clocktesting.NewFakeClock(time.Now())
	r := &countingRefresher{err: refresh.ErrClosed}
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	done := make(chan struct{})
	go func() {
		defer close(done)
		runRefreshLoop(context.Background(), r, clk, time.Second, logger)
	}()

	g.Eventually(clk.HasWaiters).Should(BeTrue())
	clk.Step(time.Second)
	g.Eventually(done).Should(BeClosed())
}
