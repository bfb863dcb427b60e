package worker

import (
	"context"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/andrwknv/steamwatch/internal/observability"
)

// Heartbeat keys live under this prefix with a TTL, so a dead worker
// disappears from the liveness view on its own.
const (
	heartbeatPrefix = "worker:alive:"
	heartbeatTTL    = 60 * time.Second
	heartbeatPeriod = 20 * time.Second
)

type heartbeatSetter interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// Heartbeat periodically refreshes this worker's liveness key.
type Heartbeat struct {
	rdb    heartbeatSetter
	id     string
	period time.Duration
	cancel context.CancelFunc
	done   chan struct{}
}

func NewHeartbeat(rdb heartbeatSetter, id string) *Heartbeat {
	return &Heartbeat{rdb: rdb, id: id, period: heartbeatPeriod}
}

// Start beats immediately and then every period until Stop.
func (h *Heartbeat) Start(ctx context.Context) {
	ctx, h.cancel = context.WithCancel(ctx)
	h.done = make(chan struct{})
	go func() {
		defer close(h.done)
		h.beat(ctx)
		ticker := time.NewTicker(h.period)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.beat(ctx)
			}
		}
	}()
}

func (h *Heartbeat) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
	if h.done != nil {
		<-h.done
	}
}

func (h *Heartbeat) beat(ctx context.Context) {
	err := h.rdb.Set(ctx, heartbeatPrefix+h.id, time.Now().UTC().Format(time.RFC3339), heartbeatTTL).Err()
	if err != nil && ctx.Err() == nil {
		log.Printf("[worker] %s heartbeat: %v", h.id, err)
	}
}

// Liveness reads the heartbeat keys other workers maintain.
type Liveness struct {
	rdb *redis.Client
}

func NewLiveness(rdb *redis.Client) *Liveness {
	return &Liveness{rdb: rdb}
}

// AliveWorkers lists worker ids with an unexpired heartbeat, sorted.
func (l *Liveness) AliveWorkers(ctx context.Context) ([]string, error) {
	var ids []string
	iter := l.rdb.Scan(ctx, 0, heartbeatPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		ids = append(ids, strings.TrimPrefix(iter.Val(), heartbeatPrefix))
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	sort.Strings(ids)
	observability.WorkersAlive.Set(float64(len(ids)))
	return ids, nil
}
