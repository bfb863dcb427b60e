package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/andrwknv/steamwatch/internal/observability"
	"github.com/andrwknv/steamwatch/internal/retry"
)

const (
	groupWorkers    = "workers"
	groupProcessors = "processors"
	delayedKey      = StreamRequests + ".delayed"

	// reclaimMinIdle is how long a pending message may sit with a dead
	// consumer before another one claims it.
	reclaimMinIdle = 60 * time.Second
	// maxDeliveries caps redeliveries of one entry before it is parked on
	// the dead stream.
	maxDeliveries = 5
)

// Redis implements Bus on Redis Streams with consumer groups. Requests and
// results are JSON documents in a single payload field; delayed requeues sit
// in a sorted set scored by fire time until a mover makes them deliverable.
type Redis struct {
	client *redis.Client
}

// NewRedis connects, verifies connectivity and creates the consumer groups.
func NewRedis(ctx context.Context, addr, password string, db int) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	b := &Redis{client: client}
	for _, sg := range []struct{ stream, group string }{
		{StreamRequests, groupWorkers},
		{StreamResults, groupProcessors},
	} {
		err := client.XGroupCreateMkStream(ctx, sg.stream, sg.group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			client.Close()
			return nil, fmt.Errorf("create group %s on %s: %w", sg.group, sg.stream, err)
		}
	}
	return b, nil
}

// Start launches the delayed-request mover and the depth gauge updater.
// Consumers start their own reclaim loops.
func (b *Redis) Start(ctx context.Context) {
	go b.runDelayedMover(ctx)
	go b.runDepthGauge(ctx)
}

func (b *Redis) Close() error { return b.client.Close() }

func (b *Redis) publish(ctx context.Context, stream string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", stream, err)
	}
	// The message stays in memory here until XADD is acknowledged; the
	// policy retries through broker outages instead of dropping.
	return retry.BusPublish.Do(ctx, func(ctx context.Context) error {
		start := time.Now()
		err := b.client.XAdd(ctx, &redis.XAddArgs{
			Stream: stream,
			Values: map[string]any{"payload": string(data)},
		}).Err()
		observability.StoreLatency.Observe(time.Since(start).Seconds())
		if err != nil {
			observability.BusPublishFailures.WithLabelValues(stream).Inc()
			return fmt.Errorf("xadd %s: %w", stream, err)
		}
		return nil
	})
}

func (b *Redis) PublishCheckRequest(ctx context.Context, req *CheckRequest) error {
	return b.publish(ctx, StreamRequests, req)
}

func (b *Redis) PublishCheckResult(ctx context.Context, res *CheckResult) error {
	return b.publish(ctx, StreamResults, res)
}

// PublishCheckRequestDelayed parks the request in the delayed set. Members
// get a unique prefix so identical requeues cannot collapse into one entry.
func (b *Redis) PublishCheckRequestDelayed(ctx context.Context, req *CheckRequest, delay time.Duration) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode delayed request: %w", err)
	}
	member := uuid.NewString() + "|" + string(data)
	score := float64(time.Now().Add(delay).UnixMilli())
	return retry.BusPublish.Do(ctx, func(ctx context.Context) error {
		if err := b.client.ZAdd(ctx, delayedKey, redis.Z{Score: score, Member: member}).Err(); err != nil {
			observability.BusPublishFailures.WithLabelValues(delayedKey).Inc()
			return fmt.Errorf("zadd delayed: %w", err)
		}
		return nil
	})
}

func (b *Redis) DeadLetter(ctx context.Context, stream string, payload []byte, reason string) error {
	observability.DeadLetters.WithLabelValues(stream, reason).Inc()
	return b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamDead,
		Values: map[string]any{
			"payload": string(payload),
			"stream":  stream,
			"reason":  reason,
			"at":      time.Now().UTC().Format(time.RFC3339),
		},
	}).Err()
}

func (b *Redis) Depths(ctx context.Context) (map[string]int64, error) {
	depths := make(map[string]int64, 4)
	for _, stream := range []string{StreamRequests, StreamResults, StreamDead} {
		n, err := b.client.XLen(ctx, stream).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("xlen %s: %w", stream, err)
		}
		depths[stream] = n
	}
	n, err := b.client.ZCard(ctx, delayedKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("zcard delayed: %w", err)
	}
	depths[delayedKey] = n
	return depths, nil
}

func (b *Redis) ConsumeCheckRequests(ctx context.Context, consumer string, h RequestHandler) error {
	handle := func(ctx context.Context, raw string) error {
		var req CheckRequest
		if err := json.Unmarshal([]byte(raw), &req); err != nil {
			return errPoison(err)
		}
		return h(ctx, &req)
	}
	return b.consume(ctx, StreamRequests, groupWorkers, consumer, handle)
}

func (b *Redis) ConsumeCheckResults(ctx context.Context, consumer string, h ResultHandler) error {
	handle := func(ctx context.Context, raw string) error {
		var res CheckResult
		if err := json.Unmarshal([]byte(raw), &res); err != nil {
			return errPoison(err)
		}
		return h(ctx, &res)
	}
	return b.consume(ctx, StreamResults, groupProcessors, consumer, handle)
}

// poisonError marks a payload that can never be processed; it is acked and
// dead-lettered instead of being redelivered forever.
type poisonError struct{ err error }

func (p poisonError) Error() string { return "poison message: " + p.err.Error() }
func (p poisonError) Unwrap() error { return p.err }

func errPoison(err error) error { return poisonError{err: err} }

// consume reads new entries and, in a side loop, reclaims entries stuck
// pending with dead consumers. Handler success acks; handler failure leaves
// the entry pending for redelivery up to maxDeliveries.
func (b *Redis) consume(ctx context.Context, stream, group, consumer string, handle func(ctx context.Context, raw string) error) error {
	go b.runReclaim(ctx, stream, group, consumer, handle)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{stream, ">"},
			Count:    10,
			Block:    5 * time.Second,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("[bus] read %s as %s: %v", stream, consumer, err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}
		for _, str := range streams {
			for _, msg := range str.Messages {
				b.dispatch(ctx, stream, group, msg, handle)
			}
		}
	}
}

func (b *Redis) dispatch(ctx context.Context, stream, group string, msg redis.XMessage, handle func(ctx context.Context, raw string) error) {
	raw, ok := msg.Values["payload"].(string)
	if !ok {
		log.Printf("[bus] %s entry %s has no payload field, dead-lettering", stream, msg.ID)
		b.ackDead(ctx, stream, group, msg.ID, "", "missing_payload")
		return
	}
	err := handle(ctx, raw)
	if err == nil {
		if ackErr := b.client.XAck(ctx, stream, group, msg.ID).Err(); ackErr != nil {
			log.Printf("[bus] ack %s %s: %v", stream, msg.ID, ackErr)
		}
		return
	}
	var poison poisonError
	if errors.As(err, &poison) {
		log.Printf("[bus] %s entry %s undecodable: %v", stream, msg.ID, err)
		b.ackDead(ctx, stream, group, msg.ID, raw, "undecodable")
		return
	}
	// Not acked: stays pending until a reclaim pass redelivers it.
	log.Printf("[bus] %s entry %s handler failed, leaving pending: %v", stream, msg.ID, err)
}

func (b *Redis) ackDead(ctx context.Context, stream, group, id, payload, reason string) {
	if err := b.DeadLetter(ctx, stream, []byte(payload), reason); err != nil {
		log.Printf("[bus] dead-letter %s %s: %v", stream, id, err)
	}
	if err := b.client.XAck(ctx, stream, group, id).Err(); err != nil {
		log.Printf("[bus] ack %s %s: %v", stream, id, err)
	}
}

// runReclaim periodically claims entries whose consumer went quiet and either
// redelivers them or parks them after maxDeliveries attempts.
func (b *Redis) runReclaim(ctx context.Context, stream, group, consumer string, handle func(ctx context.Context, raw string) error) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		pending, err := b.client.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: stream,
			Group:  group,
			Start:  "-",
			End:    "+",
			Count:  50,
			Idle:   reclaimMinIdle,
		}).Result()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, redis.Nil) {
				log.Printf("[bus] pending scan %s: %v", stream, err)
			}
			continue
		}

		for _, entry := range pending {
			if entry.RetryCount >= maxDeliveries {
				msgs, err := b.client.XRangeN(ctx, stream, entry.ID, entry.ID, 1).Result()
				payload := ""
				if err == nil && len(msgs) == 1 {
					payload, _ = msgs[0].Values["payload"].(string)
				}
				b.ackDead(ctx, stream, group, entry.ID, payload, "max_deliveries")
				continue
			}
			claimed, err := b.client.XClaim(ctx, &redis.XClaimArgs{
				Stream:   stream,
				Group:    group,
				Consumer: consumer,
				MinIdle:  reclaimMinIdle,
				Messages: []string{entry.ID},
			}).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				log.Printf("[bus] claim %s %s: %v", stream, entry.ID, err)
				continue
			}
			for _, msg := range claimed {
				b.dispatch(ctx, stream, group, msg, handle)
			}
		}
	}
}

// runDelayedMover promotes due delayed requests onto the requests stream.
// XADD before ZREM: a crash in between means duplicate delivery, never loss.
func (b *Redis) runDelayedMover(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		now := strconv.FormatInt(time.Now().UnixMilli(), 10)
		members, err := b.client.ZRangeByScore(ctx, delayedKey, &redis.ZRangeBy{
			Min:   "-inf",
			Max:   now,
			Count: 100,
		}).Result()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, redis.Nil) {
				log.Printf("[bus] delayed scan: %v", err)
			}
			continue
		}

		for _, member := range members {
			payload := member
			if i := strings.IndexByte(member, '|'); i >= 0 {
				payload = member[i+1:]
			}
			err := b.client.XAdd(ctx, &redis.XAddArgs{
				Stream: StreamRequests,
				Values: map[string]any{"payload": payload},
			}).Err()
			if err != nil {
				log.Printf("[bus] promote delayed request: %v", err)
				continue
			}
			if err := b.client.ZRem(ctx, delayedKey, member).Err(); err != nil {
				log.Printf("[bus] remove promoted member: %v", err)
			}
		}
	}
}

func (b *Redis) runDepthGauge(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		depths, err := b.Depths(ctx)
		if err != nil {
			continue
		}
		for stream, n := range depths {
			observability.BusDepth.WithLabelValues(stream).Set(float64(n))
		}
	}
}
