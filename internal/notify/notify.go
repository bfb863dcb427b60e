// Package notify delivers found-item alerts to task owners.
package notify

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/andrwknv/steamwatch/internal/store"
)

// Notifier announces a newly found listing. Implementations must be safe for
// concurrent use; the processor calls them from several goroutines.
type Notifier interface {
	NotifyFound(ctx context.Context, task *store.MonitoringTask, item *store.FoundItem) error
}

// Log announces found items on the process log. It is the fallback when no
// Telegram credentials are configured, and handy in development.
type Log struct{}

func (Log) NotifyFound(_ context.Context, task *store.MonitoringTask, item *store.FoundItem) error {
	log.Printf("[notify] task %d (%s): found %q at %s", task.ID, task.Name, item.ItemName, FormatPrice(item.PriceCents))
	return nil
}

// FormatPrice renders cents as a decimal amount, e.g. 123456 -> "1234.56".
func FormatPrice(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%d.%02d", sign, cents/100, cents%100)
}

// FormatMessage builds the human-readable alert body shared by notifiers.
func FormatMessage(task *store.MonitoringTask, item *store.FoundItem) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Found: %s\n", item.ItemName)
	fmt.Fprintf(&b, "Price: %s\n", FormatPrice(item.PriceCents))
	fmt.Fprintf(&b, "Task: %s (#%d)", task.Name, task.ID)
	if task.URL != "" {
		fmt.Fprintf(&b, "\n%s", task.URL)
	}
	return b.String()
}
