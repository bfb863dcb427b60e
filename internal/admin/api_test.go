package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/andrwknv/steamwatch/internal/bus"
	"github.com/andrwknv/steamwatch/internal/proxymgr"
	"github.com/andrwknv/steamwatch/internal/scheduler"
	"github.com/andrwknv/steamwatch/internal/store"
)

type staticLiveness []string

func (s staticLiveness) AliveWorkers(context.Context) ([]string, error) {
	return s, nil
}

func newTestAPI(t *testing.T) (*API, *store.Memory) {
	t.Helper()
	st := store.NewMemory()
	b := bus.NewMemory()
	sched := scheduler.New(st, b, 30*time.Second, time.Second)
	proxies := proxymgr.New(st, 5*time.Minute)
	api := NewAPI(st, sched, proxies, b, staticLiveness{"w1", "w2"}, 30*time.Second)
	return api, st
}

func doJSON(t *testing.T, h http.Handler, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(buf)
	}
	req := httptest.NewRequest(method, target, rd)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestStatusSnapshot(t *testing.T) {
	api, st := newTestAPI(t)
	h := api.Handler("")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		p := &store.Proxy{Endpoint: fmt.Sprintf("http://p%d.example:8080", i), IsActive: true}
		if err := st.CreateProxy(ctx, p); err != nil {
			t.Fatalf("create proxy: %v", err)
		}
	}
	if err := st.BlockProxy(ctx, 1, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("block proxy: %v", err)
	}

	rec := doJSON(t, h, http.MethodGet, "/api/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var snap StatusSnapshot
	if err := json.NewDecoder(rec.Body).Decode(&snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.Proxies.Total != 2 || snap.Proxies.ActiveBlocked != 1 {
		t.Errorf("proxies = %+v, want total 2 active_blocked 1", snap.Proxies)
	}
	if len(snap.WorkersAlive) != 2 || snap.WorkersAlive[0] != "w1" {
		t.Errorf("workers_alive = %v", snap.WorkersAlive)
	}
	if snap.QueueDepths == nil {
		t.Error("queue_depths missing")
	}
	if snap.SchedulerLoops != 0 {
		t.Errorf("scheduler_loops = %d, want 0", snap.SchedulerLoops)
	}
	if snap.GeneratedAt.IsZero() {
		t.Error("generated_at not set")
	}
}

func TestStatusRejectsPost(t *testing.T) {
	api, _ := newTestAPI(t)
	rec := doJSON(t, api.Handler(""), http.MethodPost, "/api/status", nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
}

func TestCreateTaskValidation(t *testing.T) {
	api, _ := newTestAPI(t)
	h := api.Handler("")

	marketURL := "https://steamcommunity.com/market/listings/730/AK-47%20%7C%20Redline"
	cases := []struct {
		name string
		body map[string]any
	}{
		{"missing name", map[string]any{"url": marketURL}},
		{"missing url", map[string]any{"name": "redline"}},
		{"non-http url", map[string]any{"name": "redline", "url": "ftp://example.com/x"}},
		{"malformed filters", map[string]any{
			"name": "redline", "url": marketURL,
			"filters": map[string]any{"max_price": "cheap"},
		}},
		{"inverted price bounds", map[string]any{
			"name": "redline", "url": marketURL,
			"filters": map[string]any{"min_price": 1000, "max_price": 500},
		}},
		{"skin seed out of range", map[string]any{
			"name": "redline", "url": marketURL,
			"filters": map[string]any{
				"pattern_list": map[string]any{"item_type": "skin", "seeds": []int{1000}},
			},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doJSON(t, h, http.MethodPost, "/api/tasks", tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400 (body %s)", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestCreateTaskClampsInterval(t *testing.T) {
	api, st := newTestAPI(t)
	h := api.Handler("")

	body := map[string]any{
		"name":                   "doppler watch",
		"url":                    "https://steamcommunity.com/market/listings/730/Doppler",
		"filters":                map[string]any{"max_price": 5000},
		"check_interval_seconds": 5,
	}
	rec := doJSON(t, h, http.MethodPost, "/api/tasks", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var created struct {
		ID                   int64  `json:"id"`
		Name                 string `json:"name"`
		IsActive             bool   `json:"is_active"`
		CheckIntervalSeconds int64  `json:"check_interval_seconds"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.ID == 0 || !created.IsActive {
		t.Errorf("created = %+v, want id set and active", created)
	}
	if created.CheckIntervalSeconds != 30 {
		t.Errorf("check_interval_seconds = %d, want clamped to 30", created.CheckIntervalSeconds)
	}

	task, err := st.GetTask(context.Background(), created.ID)
	if err != nil || task == nil {
		t.Fatalf("task not stored: %v", err)
	}
	if task.CheckInterval != 30*time.Second {
		t.Errorf("stored interval = %v, want 30s", task.CheckInterval)
	}
	if !bytes.Contains(task.Filters, []byte("max_price")) {
		t.Errorf("stored filters = %s", task.Filters)
	}
}

func TestTaskLifecycle(t *testing.T) {
	api, st := newTestAPI(t)
	h := api.Handler("")
	ctx := context.Background()

	body := map[string]any{
		"name": "case watch",
		"url":  "https://steamcommunity.com/market/listings/730/Kilowatt%20Case",
	}
	rec := doJSON(t, h, http.MethodPost, "/api/tasks", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", rec.Code, rec.Body.String())
	}
	var created struct {
		ID int64 `json:"id"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}

	rec = doJSON(t, h, http.MethodGet, "/api/tasks", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var list []json.RawMessage
	if err := json.NewDecoder(rec.Body).Decode(&list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("list length = %d, want 1", len(list))
	}

	path := fmt.Sprintf("/api/tasks/%d", created.ID)
	rec = doJSON(t, h, http.MethodGet, path, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("show status = %d", rec.Code)
	}

	rec = doJSON(t, h, http.MethodPost, path+"/deactivate", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("deactivate status = %d", rec.Code)
	}
	task, _ := st.GetTask(ctx, created.ID)
	if task.IsActive {
		t.Error("task still active after deactivate")
	}

	rec = doJSON(t, h, http.MethodPost, path+"/activate", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("activate status = %d", rec.Code)
	}
	task, _ = st.GetTask(ctx, created.ID)
	if !task.IsActive {
		t.Error("task inactive after activate")
	}

	rec = doJSON(t, h, http.MethodDelete, path, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rec.Code)
	}
	rec = doJSON(t, h, http.MethodGet, path, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("show after delete = %d, want 404", rec.Code)
	}
	rec = doJSON(t, h, http.MethodDelete, path, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("second delete = %d, want 404", rec.Code)
	}

	rec = doJSON(t, h, http.MethodGet, "/api/tasks/999", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown task = %d, want 404", rec.Code)
	}
	rec = doJSON(t, h, http.MethodGet, "/api/tasks/abc", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad id = %d, want 400", rec.Code)
	}
}

func TestTaskItems(t *testing.T) {
	api, st := newTestAPI(t)
	h := api.Handler("")
	ctx := context.Background()

	task := &store.MonitoringTask{Name: "t", URL: "https://example.com", IsActive: true, CheckInterval: time.Minute}
	if err := st.CreateTask(ctx, task); err != nil {
		t.Fatalf("create task: %v", err)
	}
	for i := 0; i < 2; i++ {
		item := &store.FoundItem{
			TaskID:      task.ID,
			Fingerprint: fmt.Sprintf("fp-%d", i),
			ItemName:    "AK-47 | Redline",
			PriceCents:  1500 + int64(i),
			FirstSeenAt: time.Now().UTC(),
		}
		if _, err := st.InsertFoundItem(ctx, item); err != nil {
			t.Fatalf("insert item: %v", err)
		}
	}

	path := fmt.Sprintf("/api/tasks/%d/items", task.ID)
	rec := doJSON(t, h, http.MethodGet, path, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("items status = %d", rec.Code)
	}
	var items []store.FoundItem
	if err := json.NewDecoder(rec.Body).Decode(&items); err != nil {
		t.Fatalf("decode items: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("items length = %d, want 2", len(items))
	}

	rec = doJSON(t, h, http.MethodGet, path+"?limit=1", nil)
	var one []store.FoundItem
	if err := json.NewDecoder(rec.Body).Decode(&one); err != nil {
		t.Fatalf("decode limited items: %v", err)
	}
	if len(one) != 1 {
		t.Fatalf("limited items length = %d, want 1", len(one))
	}

	rec = doJSON(t, h, http.MethodGet, path+"?limit=zero", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit = %d, want 400", rec.Code)
	}
}

func TestProxyEndpoints(t *testing.T) {
	api, _ := newTestAPI(t)
	h := api.Handler("")

	rec := doJSON(t, h, http.MethodPost, "/api/proxies", map[string]any{
		"endpoint":      "http://10.0.0.1:8080",
		"delay_seconds": 3,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", rec.Code, rec.Body.String())
	}
	var created store.Proxy
	if err := json.NewDecoder(rec.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.ID == 0 || !created.IsActive || created.DelaySeconds != 3 {
		t.Errorf("created = %+v", created)
	}

	rec = doJSON(t, h, http.MethodGet, "/api/proxies", nil)
	var proxies []store.Proxy
	if err := json.NewDecoder(rec.Body).Decode(&proxies); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(proxies) != 1 {
		t.Fatalf("proxies length = %d, want 1", len(proxies))
	}

	for _, endpoint := range []string{"", "not a url", "ftp://example.com:21"} {
		rec = doJSON(t, h, http.MethodPost, "/api/proxies", map[string]any{"endpoint": endpoint})
		if rec.Code != http.StatusBadRequest {
			t.Errorf("endpoint %q: status = %d, want 400", endpoint, rec.Code)
		}
	}
}

func TestProxyCheck(t *testing.T) {
	api, st := newTestAPI(t)
	h := api.Handler("")
	ctx := context.Background()

	// Nothing listens on port 1, so the probe fails fast and locally.
	if err := st.CreateProxy(ctx, &store.Proxy{Endpoint: "http://127.0.0.1:1", IsActive: true}); err != nil {
		t.Fatalf("create proxy: %v", err)
	}

	rec := doJSON(t, h, http.MethodPost, "/api/proxies/1/check", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("check status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp proxyCheckResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.OK || resp.Error == "" || resp.ProxyID != 1 {
		t.Errorf("response = %+v, want failed probe", resp)
	}

	p, _ := st.GetProxy(ctx, 1)
	if p.Failures != 1 || p.LastError == "" {
		t.Errorf("proxy after failed probe = %+v", p)
	}

	rec = doJSON(t, h, http.MethodPost, "/api/proxies/99/check", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown proxy = %d, want 404", rec.Code)
	}
	rec = doJSON(t, h, http.MethodGet, "/api/proxies/1/check", nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET check = %d, want 405", rec.Code)
	}
	rec = doJSON(t, h, http.MethodPost, "/api/proxies/1/nope", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown action = %d, want 404", rec.Code)
	}
}

func TestAuthGuardsAPI(t *testing.T) {
	api, _ := newTestAPI(t)
	h := api.Handler("sekret")

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: status = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token: status = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("Authorization", "Bearer sekret")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("valid token: status = %d, want 200", rec.Code)
	}

	// Preflight never carries Authorization and must short-circuit in CORS.
	req = httptest.NewRequest(http.MethodOptions, "/api/tasks", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("preflight: status = %d, want 200", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("preflight missing CORS headers")
	}
}

func TestStatusStream(t *testing.T) {
	api, _ := newTestAPI(t)
	api.hub.interval = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go api.Run(ctx)

	srv := httptest.NewServer(api.Handler(""))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/status/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var snap StatusSnapshot
	if err := conn.ReadJSON(&snap); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if len(snap.WorkersAlive) != 2 {
		t.Errorf("workers_alive = %v, want 2 entries", snap.WorkersAlive)
	}

	conn.Close()
	waitFor(t, 2*time.Second, func() bool { return api.hub.ClientCount() == 0 })
}
