package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	leaseguard "go-leaseguard"

	"github.com/spf13/cobra"
)

func newTaskCmd() *cobra.Command {
	var cmd = &cobra.Command{
		Use:   "task",
		Short: "Schedule, claim, complete and inspect tasks",
	}

	var payload string
	var schedule = &cobra.Command{
		Use:   "schedule <owner>",
		Short: "Create a pending task and make it the owner's active task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClaims(cmd, func(claims *leaseguard.TaskClaimGuard) error {
				var fields leaseguard.Fields
				if payload != "" {
					if err := json.Unmarshal([]byte(payload), &fields); err != nil {
						return fmt.Errorf("invalid payload: %w", err)
					}
				}

				key, err := claims.Schedule(cmd.Context(), args[0], fields)
				if err != nil {
					return err
				}
				fmt.Println(key.String())
				return nil
			})
		},
	}
	schedule.Flags().StringVar(&payload, "payload", "", "Task payload as a JSON object")

	var result string
	var complete = &cobra.Command{
		Use:   "complete <owner/id>",
		Short: "Mark a task completed with a JSON result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTask(cmd, args[0], func(claims *leaseguard.TaskClaimGuard, key leaseguard.TaskKey) error {
				var fields leaseguard.Fields
				if result != "" {
					if err := json.Unmarshal([]byte(result), &fields); err != nil {
						return fmt.Errorf("invalid result: %w", err)
					}
				}
				return claims.MarkComplete(cmd.Context(), key, fields)
			})
		},
	}
	complete.Flags().StringVar(&result, "result", "", "Task result as a JSON object")

	cmd.AddCommand(
		schedule,
		&cobra.Command{
			Use:   "claim <owner/id>",
			Short: "Try to claim a pending task",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withTask(cmd, args[0], func(claims *leaseguard.TaskClaimGuard, key leaseguard.TaskKey) error {
					won, err := claims.TryClaim(cmd.Context(), key)
					if err != nil {
						return err
					}
					if won {
						fmt.Println("claimed")
					} else {
						fmt.Println("not claimed")
					}
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "release <owner/id>",
			Short: "Return a task claimed by this node to pending",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withTask(cmd, args[0], func(claims *leaseguard.TaskClaimGuard, key leaseguard.TaskKey) error {
					released, err := claims.Release(cmd.Context(), key)
					if err != nil {
						return err
					}
					if !released {
						return fmt.Errorf("task %s is not claimed by this node", key)
					}
					fmt.Println("released")
					return nil
				})
			},
		},
		complete,
		&cobra.Command{
			Use:   "show <owner/id>",
			Short: "Print a task record as JSON",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withTask(cmd, args[0], func(claims *leaseguard.TaskClaimGuard, key leaseguard.TaskKey) error {
					record, err := claims.Get(cmd.Context(), key)
					if err != nil {
						return err
					}
					if record == nil {
						return fmt.Errorf("task %s not found", key)
					}

					var enc = json.NewEncoder(os.Stdout)
					enc.SetIndent("", "  ")
					return enc.Encode(taskView(record))
				})
			},
		},
	)
	return cmd
}

func withClaims(cmd *cobra.Command, fn func(*leaseguard.TaskClaimGuard) error) error {
	var a, err = openApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	return fn(a.claims())
}

func withTask(cmd *cobra.Command, raw string, fn func(*leaseguard.TaskClaimGuard, leaseguard.TaskKey) error) error {
	var key, err = leaseguard.ParseTaskKey(raw)
	if err != nil {
		return err
	}
	return withClaims(cmd, func(claims *leaseguard.TaskClaimGuard) error {
		return fn(claims, key)
	})
}

// taskView is the JSON shape of a task record for the CLI and the HTTP API.
func taskView(record *leaseguard.TaskRecord) map[string]any {
	var view = map[string]any{
		"owner":  record.Key.Owner,
		"id":     record.Key.ID,
		"status": record.Status,
	}

	var setTime = func(name string, t time.Time) {
		if !t.IsZero() {
			view[name] = t.Format(time.RFC3339Nano)
		}
	}
	setTime("createdAt", record.CreatedAt)
	setTime("claimedAt", record.ClaimedAt)
	setTime("completedAt", record.CompletedAt)

	if record.ClaimedBy != "" {
		view["claimedBy"] = record.ClaimedBy
	}
	if record.Payload != nil {
		view["payload"] = record.Payload
	}
	if record.Result != nil {
		view["result"] = record.Result
	}
	return view
}
