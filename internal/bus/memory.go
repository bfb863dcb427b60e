package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// memoryMaxRedeliveries mirrors the broker's delivery cap: a handler that
// keeps failing sends the message to the dead list instead of looping.
const memoryMaxRedeliveries = 3

// DeadLetter is a parked message with the reason it was given up on.
type DeadLetter struct {
	Stream  string
	Payload []byte
	Reason  string
}

// Memory is a channel-backed Bus for tests and single-process runs. It keeps
// a history of published messages so tests can assert on traffic without
// consuming it.
type Memory struct {
	reqCh chan *memEntry
	resCh chan *memEntry

	mu       sync.Mutex
	requests []CheckRequest
	results  []CheckResult
	dead     []DeadLetter

	delayed atomic.Int64
	closed  chan struct{}
	once    sync.Once
}

type memEntry struct {
	payload    []byte
	deliveries int
}

// NewMemory returns an in-memory bus with generous buffering.
func NewMemory() *Memory {
	return &Memory{
		reqCh:  make(chan *memEntry, 1024),
		resCh:  make(chan *memEntry, 1024),
		closed: make(chan struct{}),
	}
}

func (b *Memory) Close() error {
	b.once.Do(func() { close(b.closed) })
	return nil
}

func (b *Memory) PublishCheckRequest(ctx context.Context, req *CheckRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	b.mu.Lock()
	b.requests = append(b.requests, *req)
	b.mu.Unlock()
	return b.send(ctx, b.reqCh, &memEntry{payload: data})
}

func (b *Memory) PublishCheckRequestDelayed(ctx context.Context, req *CheckRequest, delay time.Duration) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode delayed request: %w", err)
	}
	b.delayed.Add(1)
	time.AfterFunc(delay, func() {
		b.delayed.Add(-1)
		select {
		case <-b.closed:
			return
		default:
		}
		b.mu.Lock()
		var stored CheckRequest
		if json.Unmarshal(data, &stored) == nil {
			b.requests = append(b.requests, stored)
		}
		b.mu.Unlock()
		select {
		case b.reqCh <- &memEntry{payload: data}:
		case <-b.closed:
		}
	})
	return nil
}

func (b *Memory) PublishCheckResult(ctx context.Context, res *CheckResult) error {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	b.mu.Lock()
	b.results = append(b.results, *res)
	b.mu.Unlock()
	return b.send(ctx, b.resCh, &memEntry{payload: data})
}

func (b *Memory) send(ctx context.Context, ch chan *memEntry, e *memEntry) error {
	select {
	case ch <- e:
		return nil
	case <-b.closed:
		return fmt.Errorf("bus closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Memory) ConsumeCheckRequests(ctx context.Context, consumer string, h RequestHandler) error {
	return b.consume(ctx, b.reqCh, StreamRequests, func(ctx context.Context, payload []byte) error {
		var req CheckRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return errPoison(err)
		}
		return h(ctx, &req)
	})
}

func (b *Memory) ConsumeCheckResults(ctx context.Context, consumer string, h ResultHandler) error {
	return b.consume(ctx, b.resCh, StreamResults, func(ctx context.Context, payload []byte) error {
		var res CheckResult
		if err := json.Unmarshal(payload, &res); err != nil {
			return errPoison(err)
		}
		return h(ctx, &res)
	})
}

func (b *Memory) consume(ctx context.Context, ch chan *memEntry, stream string, handle func(ctx context.Context, payload []byte) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.closed:
			return nil
		case entry := <-ch:
			err := handle(ctx, entry.payload)
			if err == nil {
				continue
			}
			entry.deliveries++
			if isPoison(err) || entry.deliveries >= memoryMaxRedeliveries {
				reason := "max_deliveries"
				if isPoison(err) {
					reason = "undecodable"
				}
				b.recordDead(stream, entry.payload, reason)
				continue
			}
			// Redeliver, preserving at-least-once semantics.
			select {
			case ch <- entry:
			case <-b.closed:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func isPoison(err error) bool {
	var p poisonError
	return errors.As(err, &p)
}

func (b *Memory) DeadLetter(ctx context.Context, stream string, payload []byte, reason string) error {
	b.recordDead(stream, payload, reason)
	return nil
}

func (b *Memory) recordDead(stream string, payload []byte, reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dead = append(b.dead, DeadLetter{Stream: stream, Payload: append([]byte(nil), payload...), Reason: reason})
}

func (b *Memory) Depths(ctx context.Context) (map[string]int64, error) {
	b.mu.Lock()
	deadLen := int64(len(b.dead))
	b.mu.Unlock()
	return map[string]int64{
		StreamRequests: int64(len(b.reqCh)),
		StreamResults:  int64(len(b.resCh)),
		StreamDead:     deadLen,
		delayedKey:     b.delayed.Load(),
	}, nil
}

// Requests returns a copy of every request published so far.
func (b *Memory) Requests() []CheckRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]CheckRequest(nil), b.requests...)
}

// Results returns a copy of every result published so far.
func (b *Memory) Results() []CheckResult {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]CheckResult(nil), b.results...)
}

// DeadLetters returns a copy of the dead list.
func (b *Memory) DeadLetters() []DeadLetter {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]DeadLetter(nil), b.dead...)
}
