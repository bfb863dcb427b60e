// Package processor consumes check results, applies task filters and records
// newly found items exactly once.
//
// Idempotence rests on the found_items unique constraint: at-least-once
// delivery may replay a result, but only the replay that actually inserts a
// row emits a notification.
package processor

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/andrwknv/steamwatch/internal/bus"
	"github.com/andrwknv/steamwatch/internal/filter"
	"github.com/andrwknv/steamwatch/internal/fingerprint"
	"github.com/andrwknv/steamwatch/internal/notify"
	"github.com/andrwknv/steamwatch/internal/observability"
	"github.com/andrwknv/steamwatch/internal/store"
)

// Processor drains check.results into the store and the notifier.
type Processor struct {
	store    store.Store
	bus      bus.Bus
	notifier notify.Notifier
	consumer string

	cancel context.CancelFunc
	done   chan struct{}
}

func New(st store.Store, b bus.Bus, n notify.Notifier, consumer string) *Processor {
	return &Processor{store: st, bus: b, notifier: n, consumer: consumer}
}

// Start launches the consumer loop; Stop waits for it to drain.
func (p *Processor) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	go func() {
		defer close(p.done)
		if err := p.bus.ConsumeCheckResults(ctx, p.consumer, p.Handle); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("[processor] consumer stopped: %v", err)
		}
	}()
	log.Printf("[processor] started as %s", p.consumer)
}

func (p *Processor) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	if p.done != nil {
		<-p.done
	}
	log.Printf("[processor] stopped")
}

// Handle processes one check result on its own session. A nil return
// acknowledges the message.
func (p *Processor) Handle(ctx context.Context, res *bus.CheckResult) error {
	sess, err := p.store.NewSession(ctx)
	if err != nil {
		observability.ResultsProcessed.WithLabelValues("error").Inc()
		return err
	}
	defer sess.Close(context.Background())

	task, err := sess.GetTask(ctx, res.TaskID)
	if err != nil {
		observability.ResultsProcessed.WithLabelValues("error").Inc()
		return err
	}
	if task == nil || !task.IsActive {
		observability.ResultsProcessed.WithLabelValues("task_gone").Inc()
		log.Printf("[processor] task %d gone or inactive, dropping result %s", res.TaskID, res.CorrelationID)
		return nil
	}

	if err := sess.Begin(ctx); err != nil {
		observability.ResultsProcessed.WithLabelValues("error").Inc()
		return err
	}

	notifications, err := p.apply(ctx, sess, task, res)
	if err != nil {
		if rerr := sess.Rollback(ctx); rerr != nil {
			log.Printf("[processor] rollback for task %d: %v", task.ID, rerr)
		}
		observability.ResultsProcessed.WithLabelValues("error").Inc()
		return err
	}
	if err := sess.Commit(ctx); err != nil {
		observability.ResultsProcessed.WithLabelValues("error").Inc()
		return err
	}

	// Notify strictly after commit: an alert must never precede its durable
	// found_items row.
	for _, item := range notifications {
		if err := p.notifier.NotifyFound(ctx, task, item); err != nil {
			observability.Notifications.WithLabelValues("error").Inc()
			log.Printf("[processor] notify for task %d item %q: %v", task.ID, item.ItemName, err)
			continue
		}
		observability.Notifications.WithLabelValues("sent").Inc()
	}

	if res.OK {
		observability.ResultsProcessed.WithLabelValues("ok").Inc()
	} else {
		observability.ResultsProcessed.WithLabelValues("failed_check").Inc()
	}
	return nil
}

// apply runs the transactional part and returns the items to announce after
// commit.
func (p *Processor) apply(ctx context.Context, sess store.Session, task *store.MonitoringTask, res *bus.CheckResult) ([]*store.FoundItem, error) {
	// total_checks counts completed checks, success or failure, and is
	// advanced here only; the scheduler never touches it.
	if err := sess.IncrementTotalChecks(ctx, task.ID); err != nil {
		return nil, err
	}
	if !res.OK {
		log.Printf("[processor] task %d: check failed (%s)", task.ID, res.Kind)
		return nil, nil
	}

	doc, err := filter.Parse(task.Filters)
	if err != nil {
		// A filter document this task was created with no longer parses.
		// Match nothing rather than poison the queue.
		log.Printf("[processor] task %d: unusable filters, matching nothing: %v", task.ID, err)
		return nil, nil
	}

	var inserted []*store.FoundItem
	for i := range res.Listings {
		l := &res.Listings[i]
		if !doc.Matches(*l) {
			continue
		}
		raw, merr := json.Marshal(l)
		if merr != nil {
			raw = nil
		}
		item := &store.FoundItem{
			TaskID:      task.ID,
			Fingerprint: fingerprint.New(task.ID, *l),
			ItemName:    l.ItemName,
			PriceCents:  l.PriceCents,
			Raw:         raw,
			FirstSeenAt: time.Now().UTC(),
		}
		ok, ierr := sess.InsertFoundItem(ctx, item)
		if ierr != nil {
			return nil, ierr
		}
		if !ok {
			// Already recorded earlier; no second notification.
			continue
		}
		observability.ItemsFound.Inc()
		inserted = append(inserted, item)
	}

	if len(inserted) > 0 {
		if err := sess.AddItemsFound(ctx, task.ID, int64(len(inserted))); err != nil {
			return nil, err
		}
	}
	return inserted, nil
}
