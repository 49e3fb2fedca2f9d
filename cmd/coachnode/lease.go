package main

import (
	"fmt"
	"time"

	leaseguard "go-leaseguard"

	"github.com/spf13/cobra"
)

func newLeaseCmd() *cobra.Command {
	var cmd = &cobra.Command{
		Use:   "lease",
		Short: "Inspect or renew the mailbox watch lease",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "status",
			Short: "Print the current lease record",
			RunE:  runLeaseStatus,
		},
		&cobra.Command{
			Use:   "ensure",
			Short: "Renew the lease now if it is due and no other node is renewing it",
			RunE:  runLeaseEnsure,
		},
	)
	return cmd
}

func runLeaseStatus(cmd *cobra.Command, args []string) error {
	var a, err = openApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	lease, err := a.lease()
	if err != nil {
		return err
	}

	record, err := lease.Status(cmd.Context())
	if err != nil {
		return err
	}

	fmt.Print(formatLease(lease.Name(), record, time.Now()))
	return nil
}

func runLeaseEnsure(cmd *cobra.Command, args []string) error {
	var a, err = openApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	lease, err := a.lease()
	if err != nil {
		return err
	}

	if err := lease.Ensure(cmd.Context(), newLogMailbox(a.logger).Watch); err != nil {
		return err
	}

	record, err := lease.Status(cmd.Context())
	if err != nil {
		return err
	}

	fmt.Print(formatLease(lease.Name(), record, time.Now()))
	return nil
}

func formatLease(name string, record leaseguard.LeaseRecord, now time.Time) string {
	var out = fmt.Sprintf("Lease:      %s\nStatus:     %s\n", name, record.Status)

	if !record.ExpiresAt.IsZero() {
		out += fmt.Sprintf("Expires:    %s (in %s)\n",
			record.ExpiresAt.Format(time.RFC3339),
			record.ExpiresAt.Sub(now).Round(time.Second))
	}
	if record.ClaimedBy != "" {
		out += fmt.Sprintf("Claimed by: %s at %s\n", record.ClaimedBy, record.ClaimedAt.Format(time.RFC3339))
	}
	if !record.CompletedAt.IsZero() {
		out += fmt.Sprintf("Renewed:    %s\n", record.CompletedAt.Format(time.RFC3339))
	}
	return out
}
