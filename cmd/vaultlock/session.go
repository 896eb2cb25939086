package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/forest6511/vaultlock/pkg/session"
)

var (
	sessionWatch         bool
	sessionSweepInterval time.Duration
)

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionLatestCmd)
	sessionCmd.AddCommand(sessionListCmd)
	sessionCmd.AddCommand(sessionResumeCmd)
	sessionCmd.AddCommand(sessionEndCmd)
	sessionCmd.AddCommand(sessionSweepCmd)

	sessionLatestCmd.Flags().BoolVar(&sessionWatch, "watch", false, "Keep printing the latest session as it changes")
	sessionLatestCmd.Flags().DurationVar(&sessionSweepInterval, "interval", 5*time.Second, "Expiry sweep interval while watching")
}

// sessionCmd is the parent command for session operations
var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Session ledger operations",
}

var sessionLatestCmd = &cobra.Command{
	Use:   "latest",
	Short: "Show the most recently used session",
	RunE: func(cmd *cobra.Command, args []string) error {
		if sessionWatch {
			if err := validateSweepInterval(sessionSweepInterval); err != nil {
				return err
			}
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			if sessionWatch {
				return watchLatest(ctx, a)
			}
			r, err := a.ledger.Latest(ctx)
			if errors.Is(err, session.ErrNotFound) {
				fmt.Println("No sessions")
				return nil
			}
			if err != nil {
				return err
			}
			printSession(r, time.Now())
			return nil
		})
	},
}

func validateSweepInterval(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("--interval must be positive, got %s", d)
	}
	return nil
}

// watchLatest prints the latest session on every change until ctx is done.
// Expired sessions are swept every interval so expiry shows up as a change.
func watchLatest(ctx context.Context, a *app) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	updates := a.ledger.WatchLatest(ctx)
	ticker := time.NewTicker(sessionSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case r, ok := <-updates:
			if !ok {
				return nil
			}
			if r.SessionID == "" {
				fmt.Println("No sessions")
				continue
			}
			printSession(r, time.Now())
		case <-ticker.C:
			if _, err := a.service.Sweep(ctx); err != nil {
				a.log.Warn().Err(err).Msg("session sweep failed")
			}
		}
	}
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions of a vault, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			recs, err := a.ledger.ListByVault(ctx, vaultID())
			if err != nil {
				return err
			}
			if len(recs) == 0 {
				fmt.Println("No sessions")
				return nil
			}
			now := time.Now()
			for _, r := range recs {
				printSession(r, now)
			}
			fmt.Printf("\nTotal: %d sessions\n", len(recs))
			return nil
		})
	},
}

var sessionResumeCmd = &cobra.Command{
	Use:   "resume [session-id]",
	Short: "Refresh a live session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			r, err := a.service.Resume(ctx, args[0])
			if errors.Is(err, session.ErrExpired) {
				return fmt.Errorf("session %s has expired, unlock again", args[0])
			}
			if err != nil {
				return err
			}
			printSession(r, time.Now())
			return nil
		})
	},
}

var sessionEndCmd = &cobra.Command{
	Use:   "end [session-id]",
	Short: "End a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			if err := a.service.Logout(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("Session %s ended\n", args[0])
			return nil
		})
	},
}

var sessionSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Delete expired sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			n, err := a.service.Sweep(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Deleted %d expired sessions\n", n)
			return nil
		})
	},
}

func printSession(r session.Record, now time.Time) {
	state := "active"
	if r.Expired(now) {
		state = "expired"
	}
	fmt.Printf("%s  vault:%s  %s  last access %s  expires %s\n",
		r.SessionID, r.VaultID, state, formatTime(r.LastAccessAt), formatTime(r.ExpiresAt))
}
