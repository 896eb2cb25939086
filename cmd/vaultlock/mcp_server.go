package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/forest6511/vaultlock/internal/mcp"
)

// version is set at build time with -ldflags.
var version = "dev"

func init() {
	rootCmd.AddCommand(mcpServerCmd)
}

// mcpServerCmd starts the MCP server for AI coding assistant integration
var mcpServerCmd = &cobra.Command{
	Use:   "mcp-server",
	Short: "Start the MCP server for AI coding assistant integration",
	Long: `Start a read-only MCP server over stdio.

Available tools:
  - lockout_status: Failed attempts, remaining attempts and lockout time for a vault
  - session_latest: Timing of the most recently used session (no payload)
  - kdf_profile:    Device class and recommended Argon2id parameters

No tool returns passphrases, credentials or session payloads.

Policy:
  Create ~/.vaultlock/mcp-policy.yaml (mode 0600) to restrict which vaults the
  tools report on:

    version: 1
    default_action: deny
    allowed_vaults:
      - default
      - team-*

Example MCP configuration:
  {
    "mcpServers": {
      "vaultlock": {
        "type": "stdio",
        "command": "/path/to/vaultlock",
        "args": ["mcp-server"]
      }
    }
  }`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, runMCPServer)
	},
}

func runMCPServer(ctx context.Context, a *app) error {
	server, err := mcp.NewServer(mcp.ServerOptions{
		Home:    a.cfg.Home,
		Limiter: a.limiter,
		Ledger:  a.ledger,
		Advisor: a.advisor,
		Audit:   a.audit,
		Logger:  &a.log,
		Version: version,
	})
	if err != nil {
		return fmt.Errorf("failed to create MCP server: %w", err)
	}

	if err := server.Run(ctx); err != nil {
		// Don't report context canceled as an error
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("MCP server error: %w", err)
	}
	return nil
}
