package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/forest6511/vaultlock/internal/unlock"
)

const recoveryNoticeText = "Notice: the device key was invalidated. The vault was re-created under a new passphrase; data sealed under the old one cannot be recovered."

var (
	statusJSON      bool
	resetLockoutAll bool
)

func init() {
	rootCmd.AddCommand(enrollCmd)
	rootCmd.AddCommand(unlockCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(resetLockoutCmd)
	rootCmd.AddCommand(rotateCmd)

	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Output in JSON format")
	resetLockoutCmd.Flags().BoolVar(&resetLockoutAll, "all", false, "Clear lockout state for every vault")
}

// enrollCmd registers the unlock credential for a vault
var enrollCmd = &cobra.Command{
	Use:   "enroll",
	Short: "Set the credential used to unlock a vault",
	RunE: func(cmd *cobra.Command, args []string) error {
		secret1, err := readSecret("Enter new credential: ")
		if err != nil {
			return err
		}
		secret2, err := readSecret("Confirm credential: ")
		if err != nil {
			return err
		}
		if secret1 != secret2 {
			return fmt.Errorf("credentials do not match")
		}

		return withApp(cmd, func(ctx context.Context, a *app) error {
			res, err := a.service.Enroll(ctx, vaultID(), secret1)
			if err != nil {
				return err
			}
			fmt.Printf("Credential strength: %s\n", res.Strength)
			for _, w := range res.Warnings {
				fmt.Printf("Warning: %s\n", w)
			}
			if res.RecoveryNotice {
				fmt.Println(recoveryNoticeText)
			}
			fmt.Printf("Vault '%s' enrolled\n", vaultID())
			return nil
		})
	},
}

// unlockCmd verifies the credential and starts a session
var unlockCmd = &cobra.Command{
	Use:   "unlock",
	Short: "Unlock a vault and start a session",
	RunE: func(cmd *cobra.Command, args []string) error {
		secret, err := readSecret("Enter credential: ")
		if err != nil {
			return err
		}

		return withApp(cmd, func(ctx context.Context, a *app) error {
			host, _ := os.Hostname()
			out, err := a.service.Unlock(ctx, vaultID(), secret, map[string]string{"host": host})
			if err != nil {
				var lo *unlock.LockedOutError
				if errors.As(err, &lo) {
					return fmt.Errorf("too many failed attempts: try again in %s", lo.RetryAfter.Round(time.Second))
				}
				return err
			}
			if out.RecoveryNotice {
				fmt.Println(recoveryNoticeText)
			}
			if out.Migrated {
				fmt.Println("Passphrase moved to the current device key")
			}
			fmt.Printf("Vault '%s' unlocked\n", vaultID())
			fmt.Printf("Session: %s (expires %s)\n", out.Session.SessionID, formatTime(out.Session.ExpiresAt))
			return nil
		})
	},
}

// statusCmd shows enrollment, lockout and session state
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show lockout and session state for a vault",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			rep, err := a.service.Status(ctx, vaultID())
			if err != nil {
				return err
			}
			if statusJSON {
				return printStatusJSON(rep)
			}

			fmt.Printf("Vault:     %s\n", rep.VaultID)
			fmt.Printf("Enrolled:  %t\n", rep.Enrolled)
			fmt.Printf("State:     %s\n", rep.Limit.State)
			fmt.Printf("Attempts:  %d failed, %d remaining\n", rep.Limit.FailedAttempts, rep.Limit.Remaining)
			if s := rep.Limit.RetryAfterSeconds(); s > 0 {
				fmt.Printf("Retry in:  %ds\n", s)
			}
			fmt.Printf("Lockouts:  %d\n", rep.Limit.Lockouts)
			if rep.RecoveryNotice {
				fmt.Println(recoveryNoticeText)
			}
			fmt.Printf("Sessions:  %d\n", len(rep.Sessions))
			for _, r := range rep.Sessions {
				fmt.Printf("  %s  last access %s  expires %s\n", r.SessionID, formatTime(r.LastAccessAt), formatTime(r.ExpiresAt))
			}
			return nil
		})
	},
}

type statusJSONOutput struct {
	VaultID           string `json:"vault_id"`
	Enrolled          bool   `json:"enrolled"`
	State             string `json:"state"`
	FailedAttempts    int    `json:"failed_attempts"`
	Remaining         int    `json:"remaining"`
	RetryAfterSeconds int64  `json:"retry_after_seconds"`
	Lockouts          int    `json:"lockouts"`
	RecoveryNotice    bool   `json:"recovery_notice"`
	Sessions          int    `json:"sessions"`
}

func printStatusJSON(rep unlock.StatusReport) error {
	data, err := json.MarshalIndent(statusJSONOutput{
		VaultID:           rep.VaultID,
		Enrolled:          rep.Enrolled,
		State:             rep.Limit.State.String(),
		FailedAttempts:    rep.Limit.FailedAttempts,
		Remaining:         rep.Limit.Remaining,
		RetryAfterSeconds: rep.Limit.RetryAfterSeconds(),
		Lockouts:          rep.Limit.Lockouts,
		RecoveryNotice:    rep.RecoveryNotice,
		Sessions:          len(rep.Sessions),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

// resetLockoutCmd clears rate-limit state
var resetLockoutCmd = &cobra.Command{
	Use:   "reset-lockout",
	Short: "Clear failed attempts and lockouts",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			id := vaultID()
			if resetLockoutAll {
				id = ""
			}
			if err := a.service.ResetLockout(ctx, id); err != nil {
				return err
			}
			if id == "" {
				fmt.Println("Lockout state cleared for all vaults")
			} else {
				fmt.Printf("Lockout state cleared for '%s'\n", id)
			}
			return nil
		})
	},
}

// rotateCmd re-wraps the passphrase under the current device key
var rotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Re-wrap the vault passphrase under the current device key",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			res, err := a.service.Rotate(ctx)
			if err != nil {
				return err
			}
			if res.Regenerated {
				fmt.Println(recoveryNoticeText)
				return nil
			}
			fmt.Printf("Passphrase re-wrapped under '%s'\n", cfg.KeyAlias)
			return nil
		})
	},
}
