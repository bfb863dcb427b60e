package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"
)

func newStatusCommand(mkClient func() *client) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show scheduler, proxy pool, worker and queue state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var snap statusView
			if err := mkClient().get("/api/status", &snap); err != nil {
				return runtimeError(err)
			}

			fmt.Printf("Scheduler loops: %d\n", snap.SchedulerLoops)
			fmt.Printf("Proxy pool:      %d total, %s, %s, %s\n",
				snap.Proxies.Total,
				green(fmt.Sprintf("%d active", snap.Proxies.Active)),
				yellow(fmt.Sprintf("%d blocked", snap.Proxies.ActiveBlocked)),
				red(fmt.Sprintf("%d inactive", snap.Proxies.Inactive)))

			if len(snap.WorkersAlive) == 0 {
				fmt.Printf("Workers alive:   %s\n", red("none"))
			} else {
				fmt.Printf("Workers alive:   %s\n", green(strings.Join(snap.WorkersAlive, ", ")))
			}

			if len(snap.QueueDepths) > 0 {
				fmt.Println("Queue depths:")
				streams := make([]string, 0, len(snap.QueueDepths))
				for s := range snap.QueueDepths {
					streams = append(streams, s)
				}
				sort.Strings(streams)
				for _, s := range streams {
					fmt.Printf("  %-18s %d\n", s, snap.QueueDepths[s])
				}
			}

			fmt.Printf("Generated at:    %s\n", snap.GeneratedAt.Local().Format("2006-01-02 15:04:05"))
			return nil
		},
	}
}
