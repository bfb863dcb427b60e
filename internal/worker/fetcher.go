// Package worker consumes check requests, fetches market pages through
// leased proxies and publishes classified results.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/andrwknv/steamwatch/internal/bus"
	"github.com/andrwknv/steamwatch/internal/store"
)

// Classified fetch failures. The worker's retry routing keys off these
// types, so the Fetcher must wrap every failure in exactly one of them.
type (
	// RateLimitedError means the upstream throttled or soft-banned us.
	RateLimitedError struct {
		Status int
	}

	// UpstreamError is a non-throttle upstream failure (5xx and friends).
	UpstreamError struct {
		Status int
	}

	// TransportError is a network-level failure reaching the upstream.
	TransportError struct {
		Err error
	}

	// ParseError means the body arrived but could not be understood.
	ParseError struct {
		Err error
	}
)

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited (status %d)", e.Status)
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream failure (status %d)", e.Status)
}

func (e *TransportError) Error() string { return "transport: " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

func (e *ParseError) Error() string { return "parse: " + e.Err.Error() }
func (e *ParseError) Unwrap() error { return e.Err }

// Fetcher retrieves and parses one market URL through the given proxy.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string, proxy *store.Proxy) ([]bus.Listing, error)
}

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"

// HTTPFetcher fetches market render JSON over net/http with the proxy wired
// into the transport. Zero values get sane defaults.
type HTTPFetcher struct {
	Timeout   time.Duration
	UserAgent string
}

func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string, proxy *store.Proxy) ([]bus.Listing, error) {
	proxyURL, err := url.Parse(proxy.Endpoint)
	if err != nil {
		return nil, &TransportError{Err: fmt.Errorf("parse proxy endpoint: %w", err)}
	}

	timeout := f.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	client := &http.Client{
		Timeout:   timeout,
		Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	ua := f.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	req.Header.Set("User-Agent", ua)
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusForbidden:
		// Steam answers 429 when throttling and 403 when the egress IP is
		// soft-banned; both mean "bench this proxy".
		return nil, &RateLimitedError{Status: resp.StatusCode}
	case resp.StatusCode != http.StatusOK:
		return nil, &UpstreamError{Status: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	return parseRenderResponse(body)
}

// marketResponse is the shape of /market/listings/<app>/<name>/render?format=json.
type marketResponse struct {
	Success     *bool                  `json:"success"`
	TotalCount  int                    `json:"total_count"`
	ListingInfo map[string]listingInfo `json:"listinginfo"`
	Assets      assetTree              `json:"assets"`
}

// assetTree is keyed appid -> contextid -> assetid.
type assetTree map[string]map[string]map[string]assetInfo

type listingInfo struct {
	ListingID      string   `json:"listingid"`
	ConvertedPrice int64    `json:"converted_price"`
	ConvertedFee   int64    `json:"converted_fee"`
	Asset          assetRef `json:"asset"`
}

type assetRef struct {
	ID        string `json:"id"`
	AppID     int    `json:"appid"`
	ContextID string `json:"contextid"`
}

type assetInfo struct {
	MarketHashName string `json:"market_hash_name"`
	Descriptions   []struct {
		Value string `json:"value"`
	} `json:"descriptions"`
}

var stickerLine = regexp.MustCompile(`Sticker: ([^<]+)`)

// parseRenderResponse turns render JSON into listings. A 200 with
// success=false or a null body is Steam's quiet throttle and classifies as
// rate-limited rather than parse failure.
func parseRenderResponse(body []byte) ([]bus.Listing, error) {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" || trimmed == "null" {
		return nil, &RateLimitedError{Status: http.StatusOK}
	}

	var mr marketResponse
	if err := json.Unmarshal(body, &mr); err != nil {
		return nil, &ParseError{Err: err}
	}
	if mr.Success == nil || !*mr.Success {
		return nil, &RateLimitedError{Status: http.StatusOK}
	}

	ids := make([]string, 0, len(mr.ListingInfo))
	for id := range mr.ListingInfo {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	listings := make([]bus.Listing, 0, len(ids))
	for _, id := range ids {
		li := mr.ListingInfo[id]
		l := bus.Listing{
			ListingID:  li.ListingID,
			PriceCents: li.ConvertedPrice + li.ConvertedFee,
		}
		if l.ListingID == "" {
			l.ListingID = id
		}
		if asset, ok := lookupAsset(mr.Assets, li.Asset); ok {
			l.ItemName = asset.MarketHashName
			l.Stickers = parseStickers(asset)
		}
		if l.ItemName == "" {
			// A listing we cannot even name is useless downstream.
			return nil, &ParseError{Err: fmt.Errorf("listing %s has no asset description", id)}
		}
		listings = append(listings, l)
	}
	return listings, nil
}

func lookupAsset(assets assetTree, ref assetRef) (assetInfo, bool) {
	byContext, ok := assets[fmt.Sprint(ref.AppID)]
	if !ok {
		return assetInfo{}, false
	}
	byID, ok := byContext[ref.ContextID]
	if !ok {
		return assetInfo{}, false
	}
	asset, ok := byID[ref.ID]
	return asset, ok
}

func parseStickers(asset assetInfo) []string {
	for _, d := range asset.Descriptions {
		m := stickerLine.FindStringSubmatch(d.Value)
		if m == nil {
			continue
		}
		parts := strings.Split(m[1], ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
