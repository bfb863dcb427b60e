package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/andrwknv/steamwatch/internal/notify"
)

func newTasksCommand(mkClient func() *client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Manage monitoring tasks",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var tasks []taskView
			if err := mkClient().get("/api/tasks", &tasks); err != nil {
				return runtimeError(err)
			}
			printTaskTable(tasks)
			return nil
		},
	})

	showCmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one task with its filter document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "task")
			if err != nil {
				return err
			}
			var task taskView
			if err := mkClient().get(fmt.Sprintf("/api/tasks/%d", id), &task); err != nil {
				return runtimeError(err)
			}
			printTask(task)

			items, _ := cmd.Flags().GetInt("items")
			if items > 0 {
				var found []itemView
				path := fmt.Sprintf("/api/tasks/%d/items?limit=%d", id, items)
				if err := mkClient().get(path, &found); err != nil {
					return runtimeError(err)
				}
				printItems(found)
			}
			return nil
		},
	}
	showCmd.Flags().Int("items", 0, "Also show up to N recently found items")
	cmd.AddCommand(showCmd)

	addCmd := &cobra.Command{
		Use:   "add",
		Short: "Create a task",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			rawURL, _ := cmd.Flags().GetString("url")
			filters, _ := cmd.Flags().GetString("filters")
			interval, _ := cmd.Flags().GetInt("interval")
			owner, _ := cmd.Flags().GetInt64("owner")

			if name == "" || rawURL == "" {
				return fmt.Errorf("--name and --url are required")
			}
			if filters != "" && !json.Valid([]byte(filters)) {
				return fmt.Errorf("--filters must be valid JSON")
			}

			body := map[string]any{
				"owner_id":               owner,
				"name":                   name,
				"url":                    rawURL,
				"check_interval_seconds": interval,
			}
			if filters != "" {
				body["filters"] = json.RawMessage(filters)
			}

			var created taskView
			if err := mkClient().post("/api/tasks", body, &created); err != nil {
				return runtimeError(err)
			}
			fmt.Printf("Created task %d (%s), checking every %ds\n",
				created.ID, created.Name, created.CheckIntervalSeconds)
			return nil
		},
	}
	addCmd.Flags().String("name", "", "Task name (required)")
	addCmd.Flags().String("url", "", "Market listings URL (required)")
	addCmd.Flags().String("filters", "", "Filter document as JSON")
	addCmd.Flags().Int("interval", 60, "Check interval in seconds")
	addCmd.Flags().Int64("owner", 0, "Owner id")
	cmd.AddCommand(addCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "activate <id>",
		Short: "Resume checking a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "task")
			if err != nil {
				return err
			}
			if err := mkClient().post(fmt.Sprintf("/api/tasks/%d/activate", id), nil, nil); err != nil {
				return runtimeError(err)
			}
			fmt.Printf("Task %d %s\n", id, green("activated"))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "deactivate <id>",
		Short: "Pause a task without deleting it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "task")
			if err != nil {
				return err
			}
			if err := mkClient().post(fmt.Sprintf("/api/tasks/%d/deactivate", id), nil, nil); err != nil {
				return runtimeError(err)
			}
			fmt.Printf("Task %d %s\n", id, yellow("deactivated"))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a task and its found items",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "task")
			if err != nil {
				return err
			}
			if err := mkClient().del(fmt.Sprintf("/api/tasks/%d", id)); err != nil {
				return runtimeError(err)
			}
			fmt.Printf("Task %d %s\n", id, red("deleted"))
			return nil
		},
	})

	return cmd
}

func printTaskTable(tasks []taskView) {
	if len(tasks) == 0 {
		fmt.Println("No tasks")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tACTIVE\tINTERVAL\tCHECKS\tFOUND\tNEXT CHECK")
	for _, t := range tasks {
		fmt.Fprintf(w, "%d\t%s\t%s\t%ds\t%d\t%d\t%s\n",
			t.ID, t.Name, activeLabel(t.IsActive), t.CheckIntervalSeconds,
			t.TotalChecks, t.ItemsFound, timeLabel(t.NextCheck))
	}
	w.Flush()
}

func printTask(t taskView) {
	fmt.Printf("Task %d: %s\n", t.ID, t.Name)
	fmt.Printf("  URL:         %s\n", t.URL)
	fmt.Printf("  Active:      %s\n", activeLabel(t.IsActive))
	fmt.Printf("  Interval:    %ds\n", t.CheckIntervalSeconds)
	fmt.Printf("  Checks:      %d\n", t.TotalChecks)
	fmt.Printf("  Items found: %d\n", t.ItemsFound)
	fmt.Printf("  Last check:  %s\n", timeLabel(t.LastCheck))
	fmt.Printf("  Next check:  %s\n", timeLabel(t.NextCheck))

	if len(t.Filters) > 0 && !bytes.Equal(t.Filters, []byte("{}")) {
		var pretty bytes.Buffer
		if err := json.Indent(&pretty, t.Filters, "  ", "  "); err == nil {
			fmt.Printf("  Filters:     %s\n", pretty.String())
		}
	}
}

func printItems(items []itemView) {
	if len(items) == 0 {
		fmt.Println("No items found yet")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ITEM\tPRICE\tFIRST SEEN")
	for _, it := range items {
		fmt.Fprintf(w, "%s\t$%s\t%s\n",
			it.ItemName, notify.FormatPrice(it.PriceCents),
			it.FirstSeenAt.Local().Format("2006-01-02 15:04"))
	}
	w.Flush()
}

func activeLabel(active bool) string {
	if active {
		return green("yes")
	}
	return red("no")
}

func timeLabel(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
