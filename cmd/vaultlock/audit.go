package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// Audit flags
var (
	auditLimit int
	auditSince string
)

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditListCmd)
	auditCmd.AddCommand(auditVerifyCmd)

	auditListCmd.Flags().IntVar(&auditLimit, "limit", 100, "Maximum number of events to show")
	auditListCmd.Flags().StringVar(&auditSince, "since", "", "Show events since duration (e.g., 24h, 7d)")
}

// auditCmd is the parent command for audit operations
var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Audit log operations",
}

// auditListCmd lists audit log entries
var auditListCmd = &cobra.Command{
	Use:   "list",
	Short: "List audit log entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		var since time.Time
		if auditSince != "" {
			duration, err := parseDuration(auditSince)
			if err != nil {
				return fmt.Errorf("invalid since format: %w", err)
			}
			since = time.Now().Add(-duration)
		}

		return withApp(cmd, func(_ context.Context, a *app) error {
			events, err := a.audit.ListEvents(auditLimit, since)
			if err != nil {
				return fmt.Errorf("failed to list audit events: %w", err)
			}
			if len(events) == 0 {
				fmt.Println("No audit events found")
				return nil
			}

			for _, event := range events {
				// Format: TIMESTAMP OPERATION RESULT [VAULT] [ERROR]
				line := fmt.Sprintf("%s %s %s", event.Timestamp, event.Operation, event.Result)
				if event.VaultID != "" {
					line += fmt.Sprintf(" vault:%s", event.VaultID)
				}
				if event.Error != nil {
					line += fmt.Sprintf(" error:%s", event.Error.Code)
				}
				fmt.Println(line)
			}
			fmt.Printf("\nTotal: %d events\n", len(events))
			return nil
		})
	},
}

// auditVerifyCmd verifies audit log integrity
var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify audit log HMAC chain integrity",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(_ context.Context, a *app) error {
			fmt.Println("Verifying audit log integrity...")

			result, err := a.audit.Verify()
			if err != nil {
				return fmt.Errorf("failed to verify audit log: %w", err)
			}

			if !result.Valid {
				fmt.Printf("✗ Audit log verification FAILED\n")
				fmt.Printf("  Records total: %d\n", result.RecordsTotal)
				fmt.Printf("  Records verified: %d\n", result.RecordsVerified)
				fmt.Println("  Errors:")
				for _, e := range result.Errors {
					fmt.Printf("    - %s\n", e)
				}
				return fmt.Errorf("audit log integrity check failed")
			}
			fmt.Printf("✓ Audit log verified: %d records, chain intact\n", result.RecordsTotal)

			// Also output as JSON for machine parsing
			jsonResult, _ := json.Marshal(result)
			fmt.Printf("\nJSON: %s\n", string(jsonResult))
			return nil
		})
	},
}
