package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

type client struct {
	addr  string
	token string
	http  *http.Client
}

func newClient(addr, token string) *client {
	return &client{
		addr:  strings.TrimRight(addr, "/"),
		token: token,
		http:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *client) do(method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.addr+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *client) get(path string, out any) error {
	return c.do(http.MethodGet, path, nil, out)
}

func (c *client) post(path string, body, out any) error {
	return c.do(http.MethodPost, path, body, out)
}

func (c *client) del(path string) error {
	return c.do(http.MethodDelete, path, nil, nil)
}

func parseID(s, kind string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id < 1 {
		return 0, fmt.Errorf("invalid %s id %q", kind, s)
	}
	return id, nil
}

// Decode targets for admin API responses.

type taskView struct {
	ID                   int64           `json:"id"`
	OwnerID              int64           `json:"owner_id"`
	Name                 string          `json:"name"`
	URL                  string          `json:"url"`
	Filters              json.RawMessage `json:"filters"`
	CheckIntervalSeconds int64           `json:"check_interval_seconds"`
	IsActive             bool            `json:"is_active"`
	TotalChecks          int64           `json:"total_checks"`
	ItemsFound           int64           `json:"items_found"`
	LastCheck            *time.Time      `json:"last_check"`
	NextCheck            *time.Time      `json:"next_check"`
}

type itemView struct {
	ID          int64     `json:"id"`
	ItemName    string    `json:"item_name"`
	PriceCents  int64     `json:"price_cents"`
	FirstSeenAt time.Time `json:"first_seen_at"`
}

type proxyView struct {
	ID           int64      `json:"id"`
	Endpoint     string     `json:"endpoint"`
	IsActive     bool       `json:"is_active"`
	BlockedUntil *time.Time `json:"blocked_until"`
	Successes    int64      `json:"successes"`
	Failures     int64      `json:"failures"`
	DelaySeconds int        `json:"delay_seconds"`
	LastError    string     `json:"last_error"`
}

type proxyStatsView struct {
	Total         int `json:"total"`
	Active        int `json:"active"`
	Inactive      int `json:"inactive"`
	Blocked       int `json:"blocked"`
	ActiveBlocked int `json:"active_blocked"`
}

type statusView struct {
	SchedulerLoops int              `json:"scheduler_loops"`
	Proxies        proxyStatsView   `json:"proxies"`
	WorkersAlive   []string         `json:"workers_alive"`
	QueueDepths    map[string]int64 `json:"queue_depths"`
	GeneratedAt    time.Time        `json:"generated_at"`
}

type checkView struct {
	ProxyID   int64  `json:"proxy_id"`
	OK        bool   `json:"ok"`
	LatencyMS int64  `json:"latency_ms"`
	Error     string `json:"error"`
}
