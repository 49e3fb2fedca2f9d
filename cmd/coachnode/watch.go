package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	leaseguard "go-leaseguard"

	"github.com/eiannone/keyboard"
	"github.com/spf13/cobra"
)

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Interactive lease demo: run it on several terminals against one database",
		RunE:  runWatch,
	}
}

func runWatch(cmd *cobra.Command, args []string) error {
	var a, err = openApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	lease, err := a.lease()
	if err != nil {
		return err
	}

	var (
		ctx     = cmd.Context()
		mailbox = newLogMailbox(a.logger)
		lastMsg = "started"
	)

	var ensure = func(renew leaseguard.RenewFunc) {
		if err := lease.Ensure(ctx, renew); err != nil {
			lastMsg = fmt.Sprintf("store error: %v", err)
			return
		}
		lastMsg = fmt.Sprintf("ensure done at %s", time.Now().Format(time.TimeOnly))
	}

	printWatch(ctx, lease, lastMsg)

	var ticker = time.NewTicker(time.Second)
	defer ticker.Stop()

	var sigCh = make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	if err := keyboard.Open(); err != nil {
		return fmt.Errorf("failed to initialize keyboard: %w", err)
	}
	defer keyboard.Close()

	var keyCh = make(chan rune)
	go func() {
		for {
			char, _, err := keyboard.GetKey()
			if err != nil {
				return
			}
			keyCh <- char
		}
	}()

	for {
		select {
		case <-ticker.C:
			printWatch(ctx, lease, lastMsg)
		case key := <-keyCh:
			switch key {
			case 'e', 'E':
				ensure(mailbox.Watch)
			case 'f', 'F':
				ensure(func(context.Context) (time.Time, error) {
					return time.Time{}, errors.New("simulated renewal failure")
				})
			case 'c', 'C':
				// Dies after winning the claim, leaving the lease in renewing.
				ensure(func(context.Context) (time.Time, error) {
					fmt.Printf("\n\n💥 Crashing mid-renewal (claim left behind)...\n")
					os.Exit(1)
					return time.Time{}, nil
				})
			case 'q', 'Q':
				fmt.Printf("\n\nShutting down...\n")
				return nil
			}
			printWatch(ctx, lease, lastMsg)
		case sig := <-sigCh:
			fmt.Printf("\n\nReceived signal %v, exiting...\n", sig)
			return nil
		}
	}
}

func printWatch(ctx context.Context, lease *leaseguard.LeaseCoordinator, lastMsg string) {
	fmt.Print("\033[2J\033[H") // Clear screen and move cursor to top

	record, err := lease.Status(ctx)
	if err != nil {
		fmt.Printf("⚠️  STORE UNAVAILABLE: %v\n", err)
	} else {
		fmt.Print(formatLease(lease.Name(), record, time.Now()))
	}

	fmt.Printf("\nLast action: %s\n", lastMsg)
	fmt.Printf("\nControls:\n")
	fmt.Printf("  [e] Ensure now\n")
	fmt.Printf("  [f] Ensure with a failing renewal\n")
	fmt.Printf("  [c] Crash mid-renewal\n")
	fmt.Printf("  [q] Quit\n")
}
