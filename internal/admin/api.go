// Package admin exposes monitord's control surface: task and proxy CRUD,
// a status snapshot, and a WebSocket stream of the same snapshot.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/andrwknv/steamwatch/internal/bus"
	"github.com/andrwknv/steamwatch/internal/filter"
	"github.com/andrwknv/steamwatch/internal/middleware"
	"github.com/andrwknv/steamwatch/internal/proxymgr"
	"github.com/andrwknv/steamwatch/internal/scheduler"
	"github.com/andrwknv/steamwatch/internal/store"
)

const (
	// adminRequestsPerSecond / adminBurst bound the whole /api surface.
	adminRequestsPerSecond = 20
	adminBurst             = 40

	defaultItemsLimit = 50
)

// Liveness reports which workers refreshed their heartbeat recently.
type Liveness interface {
	AliveWorkers(ctx context.Context) ([]string, error)
}

type API struct {
	store    store.Store
	sched    *scheduler.Scheduler
	proxies  *proxymgr.Manager
	bus      bus.Bus
	liveness Liveness

	// minInterval clamps task check intervals at creation time, mirroring
	// the clamp the scheduler applies on every tick.
	minInterval time.Duration

	hub *statusHub
}

func NewAPI(st store.Store, sched *scheduler.Scheduler, proxies *proxymgr.Manager, b bus.Bus, liveness Liveness, minInterval time.Duration) *API {
	api := &API{
		store:       st,
		sched:       sched,
		proxies:     proxies,
		bus:         b,
		liveness:    liveness,
		minInterval: minInterval,
	}
	api.hub = newStatusHub(api)
	return api
}

// Run drives the status stream hub until ctx is cancelled.
func (a *API) Run(ctx context.Context) {
	a.hub.Run(ctx)
}

// Handler assembles the /api mux with CORS, rate limiting and token auth
// applied, outermost first. An empty token disables auth.
func (a *API) Handler(token string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", a.handleStatus)
	mux.HandleFunc("/api/status/stream", a.handleStatusStream)
	mux.HandleFunc("/api/tasks", a.handleTasks)
	mux.HandleFunc("/api/tasks/", a.handleTask)
	mux.HandleFunc("/api/proxies", a.handleProxies)
	mux.HandleFunc("/api/proxies/", a.handleProxyCheck)

	var h http.Handler = mux
	h = middleware.AuthMiddleware(token)(h)
	h = middleware.RateLimitMiddleware(adminRequestsPerSecond, adminBurst)(h)
	return middleware.CORSMiddleware(h)
}

// StatusSnapshot is the admin view of the whole system at one instant.
type StatusSnapshot struct {
	SchedulerLoops int              `json:"scheduler_loops"`
	Proxies        store.ProxyStats `json:"proxies"`
	WorkersAlive   []string         `json:"workers_alive"`
	QueueDepths    map[string]int64 `json:"queue_depths"`
	GeneratedAt    time.Time        `json:"generated_at"`
}

// buildStatus collects the snapshot. Proxy stats are load-bearing and fail
// the call; liveness and queue depths degrade to empty with a logged error.
func (a *API) buildStatus(ctx context.Context) (*StatusSnapshot, error) {
	stats, err := a.proxies.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("proxy stats: %w", err)
	}

	snap := &StatusSnapshot{
		SchedulerLoops: a.sched.LoopCount(),
		Proxies:        stats,
		WorkersAlive:   []string{},
		GeneratedAt:    time.Now().UTC(),
	}

	if a.liveness != nil {
		workers, err := a.liveness.AliveWorkers(ctx)
		if err != nil {
			log.Printf("Failed to list alive workers: %v", err)
		} else if workers != nil {
			snap.WorkersAlive = workers
		}
	}

	depths, err := a.bus.Depths(ctx)
	if err != nil {
		log.Printf("Failed to read queue depths: %v", err)
	} else {
		snap.QueueDepths = depths
	}

	return snap, nil
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	snap, err := a.buildStatus(r.Context())
	if err != nil {
		log.Printf("Failed to build status snapshot: %v", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snap)
}

// taskResponse shapes a task for the HTTP surface: the outer field overrides
// the embedded duration so check_interval_seconds is plain seconds on the wire.
type taskResponse struct {
	*store.MonitoringTask
	CheckIntervalSeconds int64 `json:"check_interval_seconds"`
}

func newTaskResponse(t *store.MonitoringTask) taskResponse {
	return taskResponse{
		MonitoringTask:       t,
		CheckIntervalSeconds: int64(t.CheckInterval / time.Second),
	}
}

func (a *API) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		tasks, err := a.store.ListTasks(r.Context())
		if err != nil {
			log.Printf("Failed to list tasks: %v", err)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		out := make([]taskResponse, 0, len(tasks))
		for _, t := range tasks {
			out = append(out, newTaskResponse(t))
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(out)

	case http.MethodPost:
		a.handleCreateTask(w, r)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

type createTaskRequest struct {
	OwnerID              int64           `json:"owner_id"`
	Name                 string          `json:"name"`
	URL                  string          `json:"url"`
	Filters              json.RawMessage `json:"filters"`
	CheckIntervalSeconds int             `json:"check_interval_seconds"`
}

func (a *API) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if req.Name == "" || req.URL == "" {
		http.Error(w, "name and url are required", http.StatusBadRequest)
		return
	}
	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		http.Error(w, "url must be a valid http(s) URL", http.StatusBadRequest)
		return
	}

	doc, err := filter.Parse(req.Filters)
	if err != nil {
		http.Error(w, "Invalid filters: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := doc.Validate(); err != nil {
		http.Error(w, "Invalid filters: "+err.Error(), http.StatusBadRequest)
		return
	}

	interval := time.Duration(req.CheckIntervalSeconds) * time.Second
	if interval < a.minInterval {
		interval = a.minInterval
	}

	task := &store.MonitoringTask{
		OwnerID:       req.OwnerID,
		Name:          req.Name,
		URL:           req.URL,
		Filters:       req.Filters,
		CheckInterval: interval,
		IsActive:      true,
	}
	if err := a.store.CreateTask(r.Context(), task); err != nil {
		log.Printf("Failed to create task %q: %v", req.Name, err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	a.sched.OnTaskCreated(task.ID)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(newTaskResponse(task))
}

// handleTask routes /api/tasks/{id}, /api/tasks/{id}/activate,
// /api/tasks/{id}/deactivate and /api/tasks/{id}/items.
func (a *API) handleTask(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(r.URL.Path, "/")
	if len(parts) < 4 || parts[3] == "" {
		http.Error(w, "Invalid task ID", http.StatusBadRequest)
		return
	}
	id, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil {
		http.Error(w, "Invalid task ID", http.StatusBadRequest)
		return
	}

	action := ""
	if len(parts) > 4 {
		action = parts[4]
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		a.showTask(w, r, id)
	case action == "" && r.Method == http.MethodDelete:
		a.deleteTask(w, r, id)
	case action == "activate" && r.Method == http.MethodPost:
		a.setTaskActive(w, r, id, true)
	case action == "deactivate" && r.Method == http.MethodPost:
		a.setTaskActive(w, r, id, false)
	case action == "items" && r.Method == http.MethodGet:
		a.listTaskItems(w, r, id)
	default:
		http.Error(w, "Not found", http.StatusNotFound)
	}
}

func (a *API) showTask(w http.ResponseWriter, r *http.Request, id int64) {
	task, err := a.store.GetTask(r.Context(), id)
	if err != nil {
		log.Printf("Failed to load task %d: %v", id, err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if task == nil {
		http.Error(w, "Task not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(newTaskResponse(task))
}

func (a *API) deleteTask(w http.ResponseWriter, r *http.Request, id int64) {
	if err := a.store.DeleteTask(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "Task not found", http.StatusNotFound)
			return
		}
		log.Printf("Failed to delete task %d: %v", id, err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	a.sched.OnTaskDeleted(id)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "deleted"})
}

func (a *API) setTaskActive(w http.ResponseWriter, r *http.Request, id int64, active bool) {
	if err := a.store.SetTaskActive(r.Context(), id, active); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "Task not found", http.StatusNotFound)
			return
		}
		log.Printf("Failed to update task %d: %v", id, err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	status := "deactivated"
	if active {
		a.sched.OnTaskActivated(id)
		status = "activated"
	} else {
		a.sched.OnTaskDeactivated(id)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": status})
}

func (a *API) listTaskItems(w http.ResponseWriter, r *http.Request, id int64) {
	limit := defaultItemsLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	items, err := a.store.ListFoundItems(r.Context(), id, limit)
	if err != nil {
		log.Printf("Failed to list items for task %d: %v", id, err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(items)
}

type createProxyRequest struct {
	Endpoint     string `json:"endpoint"`
	DelaySeconds int    `json:"delay_seconds"`
}

func (a *API) handleProxies(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		proxies, err := a.store.ListProxies(r.Context())
		if err != nil {
			log.Printf("Failed to list proxies: %v", err)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(proxies)

	case http.MethodPost:
		var req createProxyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		if !validProxyEndpoint(req.Endpoint) {
			http.Error(w, "endpoint must be an http(s) or socks5 URL", http.StatusBadRequest)
			return
		}
		if req.DelaySeconds < 0 {
			req.DelaySeconds = 0
		}

		p := &store.Proxy{
			Endpoint:     req.Endpoint,
			IsActive:     true,
			DelaySeconds: req.DelaySeconds,
		}
		if err := a.store.CreateProxy(r.Context(), p); err != nil {
			log.Printf("Failed to create proxy %q: %v", req.Endpoint, err)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(p)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func validProxyEndpoint(endpoint string) bool {
	if endpoint == "" {
		return false
	}
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return false
	}
	switch u.Scheme {
	case "http", "https", "socks5":
		return true
	}
	return false
}

type proxyCheckResponse struct {
	ProxyID   int64  `json:"proxy_id"`
	OK        bool   `json:"ok"`
	LatencyMS int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// handleProxyCheck probes /api/proxies/{id}/check through the manager. A
// failed probe is still a 200: the check ran, its outcome was negative.
func (a *API) handleProxyCheck(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(r.URL.Path, "/")
	if len(parts) < 5 || parts[4] != "check" {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil {
		http.Error(w, "Invalid proxy ID", http.StatusBadRequest)
		return
	}

	start := time.Now()
	err = a.proxies.Check(r.Context(), id)
	latency := time.Since(start)

	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "Proxy not found", http.StatusNotFound)
		return
	}

	resp := proxyCheckResponse{
		ProxyID:   id,
		OK:        err == nil,
		LatencyMS: latency.Milliseconds(),
	}
	if err != nil {
		resp.Error = err.Error()
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
