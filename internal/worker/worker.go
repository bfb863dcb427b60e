package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/andrwknv/steamwatch/internal/bus"
	"github.com/andrwknv/steamwatch/internal/observability"
	"github.com/andrwknv/steamwatch/internal/proxymgr"
	"github.com/andrwknv/steamwatch/internal/retry"
	"github.com/andrwknv/steamwatch/internal/store"
)

// starvedRequeueDelay spaces out a request once the in-handler proxy wait is
// exhausted; the pool usually recovers within a cool-off window.
const starvedRequeueDelay = 30 * time.Second

// Worker consumes check requests and turns them into check results.
// One Worker runs Concurrency consumer loops inside a single process;
// scaling out means running more workerd processes.
type Worker struct {
	id           string
	bus          bus.Bus
	proxies      *proxymgr.Manager
	fetcher      Fetcher
	concurrency  int
	fetchTimeout time.Duration

	mu       sync.Mutex
	limiters map[int64]*rate.Limiter

	wg     sync.WaitGroup
	cancel context.CancelFunc

	sleep func(ctx context.Context, d time.Duration) error
}

// New builds a Worker. concurrency below 1 is raised to 1.
func New(id string, b bus.Bus, proxies *proxymgr.Manager, fetcher Fetcher, concurrency int, fetchTimeout time.Duration) *Worker {
	if concurrency < 1 {
		concurrency = 1
	}
	if fetchTimeout <= 0 {
		fetchTimeout = 30 * time.Second
	}
	return &Worker{
		id:           id,
		bus:          b,
		proxies:      proxies,
		fetcher:      fetcher,
		concurrency:  concurrency,
		fetchTimeout: fetchTimeout,
		limiters:     make(map[int64]*rate.Limiter),
		sleep:        sleepCtx,
	}
}

// Start launches the consumer loops. It returns immediately; Stop waits for
// in-flight messages to finish.
func (w *Worker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	log.Printf("[worker] %s starting %d consumers", w.id, w.concurrency)
	for i := 0; i < w.concurrency; i++ {
		consumer := fmt.Sprintf("%s-%d", w.id, i)
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			if err := w.bus.ConsumeCheckRequests(ctx, consumer, w.Handle); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("[worker] consumer %s stopped: %v", consumer, err)
			}
		}()
	}
}

// Stop cancels the consumers and waits for them to drain.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	log.Printf("[worker] %s stopped", w.id)
}

// Handle processes one check request end to end. A nil return acknowledges
// the message; errors leave it pending for redelivery.
func (w *Worker) Handle(ctx context.Context, req *bus.CheckRequest) error {
	proxy, err := w.acquireProxy(ctx)
	if errors.Is(err, proxymgr.ErrNoProxyAvailable) {
		// Degraded mode: no leasable proxy after bounded waiting. Push the
		// request back out with its attempt untouched; starvation is not a
		// fetch failure.
		log.Printf("[worker] task %d: proxy pool exhausted, requeueing in %s", req.TaskID, starvedRequeueDelay)
		return w.bus.PublishCheckRequestDelayed(ctx, req, starvedRequeueDelay)
	}
	if err != nil {
		return err
	}

	if err := w.pace(ctx, proxy); err != nil {
		return err
	}

	fctx, cancel := context.WithTimeout(ctx, w.fetchTimeout)
	start := time.Now()
	listings, err := w.fetcher.Fetch(fctx, req.URL, proxy)
	cancel()
	observability.FetchDuration.Observe(time.Since(start).Seconds())

	if err == nil {
		observability.FetchOutcomes.WithLabelValues("ok").Inc()
		if rerr := w.proxies.ReportSuccess(ctx, proxy.ID); rerr != nil {
			log.Printf("[worker] task %d: recording proxy %d success: %v", req.TaskID, proxy.ID, rerr)
		}
		return w.bus.PublishCheckResult(ctx, &bus.CheckResult{
			TaskID:        req.TaskID,
			CorrelationID: req.CorrelationID,
			OK:            true,
			Listings:      listings,
			FetchedAt:     time.Now().UTC(),
		})
	}

	var (
		rateLimited *RateLimitedError
		upstream    *UpstreamError
		transport   *TransportError
		parse       *ParseError
	)
	switch {
	case errors.As(err, &rateLimited):
		observability.FetchOutcomes.WithLabelValues("rate_limited").Inc()
		if rerr := w.proxies.ReportRateLimit(ctx, proxy.ID); rerr != nil {
			log.Printf("[worker] task %d: blocking proxy %d: %v", req.TaskID, proxy.ID, rerr)
		}
		return w.retryOrFail(ctx, req, bus.KindRateLimited, err)

	case errors.As(err, &upstream):
		// The proxy did its job; the market itself faltered. Retry without
		// touching the proxy's record.
		observability.FetchOutcomes.WithLabelValues("upstream_5xx").Inc()
		return w.retryOrFail(ctx, req, bus.KindTransport, err)

	case errors.As(err, &transport):
		observability.FetchOutcomes.WithLabelValues("transport").Inc()
		if rerr := w.proxies.ReportFailure(ctx, proxy.ID, err); rerr != nil {
			log.Printf("[worker] task %d: recording proxy %d failure: %v", req.TaskID, proxy.ID, rerr)
		}
		return w.retryOrFail(ctx, req, bus.KindTransport, err)

	case errors.As(err, &parse):
		observability.FetchOutcomes.WithLabelValues("parse").Inc()
		log.Printf("[worker] task %d: parse failure, not retrying: %v", req.TaskID, err)
		return w.publishFailure(ctx, req, bus.KindParse)

	default:
		// Context deadlines and other unclassified failures behave like
		// transport errors.
		observability.FetchOutcomes.WithLabelValues("transport").Inc()
		if rerr := w.proxies.ReportFailure(ctx, proxy.ID, err); rerr != nil {
			log.Printf("[worker] task %d: recording proxy %d failure: %v", req.TaskID, proxy.ID, rerr)
		}
		return w.retryOrFail(ctx, req, bus.KindTransport, err)
	}
}

// acquireProxy leases a proxy, waiting through the proxy-wait schedule when
// the pool is momentarily empty.
func (w *Worker) acquireProxy(ctx context.Context) (*store.Proxy, error) {
	for attempt := 0; ; attempt++ {
		proxy, err := w.proxies.Acquire(ctx)
		if err == nil {
			return proxy, nil
		}
		if !errors.Is(err, proxymgr.ErrNoProxyAvailable) {
			return nil, err
		}
		if retry.ProxyWait.Exhausted(attempt + 1) {
			return nil, err
		}
		if serr := w.sleep(ctx, retry.ProxyWait.Delay(attempt)); serr != nil {
			return nil, serr
		}
	}
}

// pace enforces the proxy's own request spacing before the fetch.
func (w *Worker) pace(ctx context.Context, proxy *store.Proxy) error {
	if proxy.DelaySeconds <= 0 {
		return nil
	}
	interval := time.Duration(proxy.DelaySeconds) * time.Second

	w.mu.Lock()
	lim, ok := w.limiters[proxy.ID]
	if !ok || lim.Limit() != rate.Every(interval) {
		lim = rate.NewLimiter(rate.Every(interval), 1)
		w.limiters[proxy.ID] = lim
	}
	w.mu.Unlock()

	return lim.Wait(ctx)
}

// retryOrFail requeues the request with the fetch-retry schedule, or
// publishes a failed result once the budget is spent.
func (w *Worker) retryOrFail(ctx context.Context, req *bus.CheckRequest, kind string, cause error) error {
	if retry.FetchRetry.Exhausted(req.Attempt) {
		log.Printf("[worker] task %d: giving up after attempt %d: %v", req.TaskID, req.Attempt+1, cause)
		return w.publishFailure(ctx, req, kind)
	}
	delay := retry.FetchRetry.Delay(req.Attempt)
	next := *req
	next.Attempt++
	log.Printf("[worker] task %d: attempt %d failed (%v), retrying in %s", req.TaskID, req.Attempt+1, cause, delay)
	return w.bus.PublishCheckRequestDelayed(ctx, &next, delay)
}

func (w *Worker) publishFailure(ctx context.Context, req *bus.CheckRequest, kind string) error {
	return w.bus.PublishCheckResult(ctx, &bus.CheckResult{
		TaskID:        req.TaskID,
		CorrelationID: req.CorrelationID,
		OK:            false,
		Kind:          kind,
		FetchedAt:     time.Now().UTC(),
	})
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
