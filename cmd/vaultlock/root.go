package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/forest6511/vaultlock/internal/config"
	"github.com/forest6511/vaultlock/internal/logging"
)

var (
	cfg    config.Config
	logger zerolog.Logger

	vaultFlag string
)

var rootCmd = &cobra.Command{
	Use:   "vaultlock",
	Short: "vaultlock guards access to a local encrypted vault",
	Long: `vaultlock keeps the vault passphrase wrapped by a device key, rate-limits
unlock attempts with progressive lockouts and tracks unlocked sessions.`,
	SilenceUsage: true,
	// PersistentPreRunE runs before every subcommand and loads settings.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load()
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		logger, err = logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
		if err != nil {
			return err
		}
		if err := disableCoreDumps(); err != nil {
			logger.Warn().Err(err).Msg("failed to disable core dumps")
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&vaultFlag, "vault", "", "Vault ID (default: $VAULTLOCK_VAULT_ID)")
}

// vaultID returns the --vault flag or the configured default.
func vaultID() string {
	if vaultFlag != "" {
		return vaultFlag
	}
	return cfg.DefaultVaultID
}

// withApp opens the components for one command and closes them afterwards.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := openApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

// readSecret prompts on stdout and reads a line without echo. Piped input is
// read as a plain line.
func readSecret(prompt string) (string, error) {
	fd := int(syscall.Stdin)
	if !isTerminal(fd) {
		return readLine()
	}
	fmt.Print(prompt)
	b, err := term.ReadPassword(fd)
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return string(b), nil
}

var stdinReader = bufio.NewReader(os.Stdin)

func readLine() (string, error) {
	line, err := stdinReader.ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// isTerminal returns true if the file descriptor is a terminal
func isTerminal(fd int) bool {
	return term.IsTerminal(fd)
}

// parseDuration parses a duration string like "30d", "1y", "24h"
func parseDuration(s string) (time.Duration, error) {
	if len(s) < 2 {
		return 0, fmt.Errorf("duration too short: %s", s)
	}

	unit := s[len(s)-1]
	valueStr := s[:len(s)-1]

	switch unit {
	case 'd', 'w', 'y':
	default:
		return time.ParseDuration(s)
	}

	var value int
	if _, err := fmt.Sscanf(valueStr, "%d", &value); err != nil {
		return 0, fmt.Errorf("invalid duration value: %s", valueStr)
	}
	switch unit {
	case 'd':
		return time.Duration(value) * 24 * time.Hour, nil
	case 'w':
		return time.Duration(value) * 7 * 24 * time.Hour, nil
	default:
		return time.Duration(value) * 365 * 24 * time.Hour, nil
	}
}

// formatTime renders a timestamp in local time for terminal output.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
