package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dlbewley/cluster-pulse/internal/cluster"
	"github.com/dlbewley/cluster-pulse/internal/refresh"
	"github.com/dlbewley/cluster-pulse/internal/snapshot"
)

const snapshotsPrefix = "/api/v1/snapshots/"
const (
	headerSnapshotFetchedAt = "X-Cluster-Pulse-Snapshot-Fetched-At"
	headerSnapshotPartial   = "X-Cluster-Pulse-Snapshot-Partial"
	headerSnapshotStatus    = "X-Cluster-Pulse-Snapshot-Status"
	headerRunPhase          = "X-Cluster-Pulse-Run-Phase"
	headerRunToken          = "X-Cluster-Pulse-Run-Token"
)

const streamPingInterval = 30 * time.Second

// Controller is the part of refresh.Controller the API drives.
type Controller interface {
	SetIdentity(identity snapshot.Identity) (uint64, error)
	Refresh() (uint64, error)
	State() refresh.State
}

// Catalogue lists selectable clusters.
type Catalogue interface {
	List() ([]snapshot.Identity, error)
	Lookup(name string) (snapshot.Identity, error)
}

// Watcher streams published views.
type Watcher interface {
	Watch() (<-chan snapshot.View, func())
}

// Deps are the collaborators behind the API. Catalogue and Watcher are
// optional.
type Deps struct {
	Store      snapshot.Store
	Controller Controller
	Catalogue  Catalogue
	Watcher    Watcher
	Logger     *slog.Logger
}

// Server wraps HTTP handlers for cluster-pulse.
type Server struct {
	store      snapshot.Store
	controller Controller
	catalogue  Catalogue
	watcher    Watcher
	logger     *slog.Logger
	upgrader   websocket.Upgrader
}

// New creates the HTTP server.
func New(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:      deps.Store,
		controller: deps.Controller,
		catalogue:  deps.Catalogue,
		watcher:    deps.Watcher,
		logger:     logger.With("component", "server"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/readyz", s.handleReady)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/api/v1/snapshot", s.handleCurrent)
	mux.HandleFunc(snapshotsPrefix, s.handleSnapshotByCluster)
	mux.HandleFunc("/api/v1/identity", s.handleIdentity)
	mux.HandleFunc("/api/v1/refresh", s.handleRefresh)
	mux.HandleFunc("/api/v1/clusters", s.handleClusters)
	mux.HandleFunc("/api/v1/stream", s.handleStream)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// stateResponse is the wire form of refresh.State.
type stateResponse struct {
	Phase    refresh.Phase             `json:"phase"`
	Identity *snapshot.Identity        `json:"identity,omitempty"`
	Token    uint64                    `json:"token"`
	Snapshot *snapshot.ClusterSnapshot `json:"snapshot,omitempty"`
	Error    string                    `json:"error,omitempty"`
	HadData  bool                      `json:"hadData"`
	Stale    *snapshot.ClusterSnapshot `json:"stale,omitempty"`
}

func newStateResponse(state refresh.State) stateResponse {
	resp := stateResponse{
		Phase:    state.Phase,
		Token:    state.Token,
		Snapshot: state.Snapshot,
		HadData:  state.HadData,
		Stale:    state.Stale,
	}
	if state.Phase != refresh.PhaseIdle {
		identity := state.Identity
		resp.Identity = &identity
	}
	if state.Err != nil {
		resp.Error = state.Err.Error()
	}
	return resp
}

func (s *Server) handleCurrent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	state := s.controller.State()
	w.Header().Set(headerRunPhase, string(state.Phase))
	w.Header().Set(headerRunToken, strconv.FormatUint(state.Token, 10))
	if state.Snapshot != nil {
		setSnapshotHeaders(w, state.Snapshot)
	}
	s.writeJSON(w, http.StatusOK, newStateResponse(state))
}

func (s *Server) handleSnapshotByCluster(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clusterName := strings.TrimPrefix(r.URL.Path, snapshotsPrefix)
	clusterName = strings.TrimSpace(clusterName)
	if clusterName == "" || strings.Contains(clusterName, "/") {
		http.Error(w, "missing or invalid cluster name", http.StatusBadRequest)
		return
	}

	var (
		view snapshot.View
		err  error
	)
	if kubeContext := strings.TrimSpace(r.URL.Query().Get("context")); kubeContext != "" {
		view, err = s.store.Get(r.Context(), snapshot.Identity{Name: clusterName, Context: kubeContext})
	} else {
		view, err = s.store.GetByCluster(r.Context(), clusterName)
	}
	if err != nil {
		if errors.Is(err, snapshot.ErrNotFound) {
			http.Error(w, "snapshot not found", http.StatusNotFound)
			return
		}
		s.logger.Error("failed to read snapshot", "cluster", clusterName, "error", err)
		http.Error(w, fmt.Sprintf("failed to load snapshot: %v", err), http.StatusInternalServerError)
		return
	}

	w.Header().Set(headerSnapshotStatus, view.Status)
	if view.Snapshot != nil {
		setSnapshotHeaders(w, view.Snapshot)
	}
	s.writeJSON(w, http.StatusOK, view)
}

type identityRequest struct {
	Name    string `json:"name"`
	Context string `json:"context,omitempty"`
}

type runResponse struct {
	Token    uint64            `json:"token"`
	Identity snapshot.Identity `json:"identity"`
}

func (s *Server) handleIdentity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req identityRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	identity := snapshot.Identity{Name: strings.TrimSpace(req.Name), Context: strings.TrimSpace(req.Context)}
	if identity.Name == "" {
		http.Error(w, "cluster name is required", http.StatusBadRequest)
		return
	}

	if identity.Context == "" && s.catalogue != nil {
		known, err := s.catalogue.Lookup(identity.Name)
		switch {
		case err == nil:
			identity = known
		case errors.Is(err, cluster.ErrUnknownCluster):
			http.Error(w, fmt.Sprintf("unknown cluster %q", identity.Name), http.StatusNotFound)
			return
		default:
			s.logger.Warn("cluster catalogue lookup failed", "cluster", identity.Name, "error", err)
		}
	}

	token, err := s.controller.SetIdentity(identity)
	if err != nil {
		s.controllerError(w, err)
		return
	}
	s.logger.Info("cluster selected", "cluster", identity.Name, "context", identity.Context, "token", token)
	s.writeJSON(w, http.StatusAccepted, runResponse{Token: token, Identity: identity})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	token, err := s.controller.Refresh()
	if err != nil {
		s.controllerError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, runResponse{Token: token, Identity: s.controller.State().Identity})
}

func (s *Server) handleClusters(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clusters := []snapshot.Identity{}
	if s.catalogue != nil {
		listed, err := s.catalogue.List()
		if err != nil {
			s.logger.Error("failed to list clusters", "error", err)
			http.Error(w, fmt.Sprintf("failed to list clusters: %v", err), http.StatusInternalServerError)
			return
		}
		clusters = append(clusters, listed...)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"clusters": clusters})
}

// handleStream upgrades to a WebSocket and pushes every published view,
// starting with the stored view of the selected cluster. ?cluster=name
// restricts the stream to one cluster.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.watcher == nil {
		http.Error(w, "streaming not available", http.StatusNotImplemented)
		return
	}
	filter := strings.TrimSpace(r.URL.Query().Get("cluster"))

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("stream upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	updates, cancel := s.watcher.Watch()
	defer cancel()

	// Reads only detect the peer going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	s.logger.Debug("stream connected", "cluster", filter)
	var initial snapshot.View
	err = snapshot.ErrNotFound
	if filter != "" {
		initial, err = s.store.GetByCluster(r.Context(), filter)
	} else if state := s.controller.State(); state.Phase != refresh.PhaseIdle {
		initial, err = s.store.Get(r.Context(), state.Identity)
	}
	if err == nil {
		if err := conn.WriteJSON(initial); err != nil {
			return
		}
	}

	ticker := time.NewTicker(streamPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case view, ok := <-updates:
			if !ok {
				return
			}
			if filter != "" && view.Identity.Name != filter {
				continue
			}
			if err := conn.WriteJSON(view); err != nil {
				s.logger.Debug("stream write failed", "error", err)
				return
			}
		}
	}
}

func (s *Server) controllerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, refresh.ErrNoIdentity):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, refresh.ErrClosed):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		s.logger.Error("controller request failed", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("failed to encode payload", "error", err)
		http.Error(w, fmt.Sprintf("failed to encode payload: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, _ = w.Write(append(body, '\n'))
}

func setSnapshotHeaders(w http.ResponseWriter, snap *snapshot.ClusterSnapshot) {
	if !snap.FetchedAt.IsZero() {
		w.Header().Set(headerSnapshotFetchedAt, snap.FetchedAt.UTC().Format(time.RFC3339))
	}
	w.Header().Set(headerSnapshotPartial, strconv.FormatBool(snap.Partial))
}
