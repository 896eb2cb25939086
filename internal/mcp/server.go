// Package mcp implements the MCP (Model Context Protocol) server for vaultlock.
// Tools are read-only: agents can see lockout state, session timing and KDF
// sizing, but never passphrases, credentials or session payloads.
package mcp

import (
	"context"
	"errors"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"

	"github.com/forest6511/vaultlock/pkg/audit"
	"github.com/forest6511/vaultlock/pkg/kdf"
	"github.com/forest6511/vaultlock/pkg/ratelimit"
	"github.com/forest6511/vaultlock/pkg/session"
)

// Server represents the MCP server for vaultlock.
type Server struct {
	server  *mcp.Server
	limiter *ratelimit.Limiter
	ledger  *session.Ledger
	advisor *kdf.Advisor
	policy  *Policy
	audit   *audit.Logger
	now     func() time.Time
	log     zerolog.Logger
}

// ServerOptions contains configuration options for the MCP server.
type ServerOptions struct {
	// Home is the vaultlock home directory holding mcp-policy.yaml.
	Home string

	Limiter *ratelimit.Limiter
	Ledger  *session.Ledger
	Advisor *kdf.Advisor

	// Audit is optional.
	Audit *audit.Logger

	Now     func() time.Time
	Logger  *zerolog.Logger
	Version string
}

// NewServer creates a new MCP server instance.
func NewServer(opts ServerOptions) (*Server, error) {
	if opts.Limiter == nil || opts.Ledger == nil || opts.Advisor == nil {
		return nil, errors.New("mcp: limiter, ledger and advisor are required")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	log := zerolog.Nop()
	if opts.Logger != nil {
		log = *opts.Logger
	}
	log = log.With().Str("component", "mcp").Logger()

	policy, err := LoadPolicy(opts.Home)
	switch {
	case errors.Is(err, ErrPolicyNotFound):
		policy = nil
	case err != nil:
		// Policy load failure is not fatal; every vault is denied.
		log.Warn().Err(err).Msg("failed to load MCP policy")
		policy = &Policy{Version: 1, DefaultAction: ActionDeny}
	}

	s := &Server{
		server: mcp.NewServer(&mcp.Implementation{
			Name:    "vaultlock",
			Version: opts.Version,
		}, nil),
		limiter: opts.Limiter,
		ledger:  opts.Ledger,
		advisor: opts.Advisor,
		policy:  policy,
		audit:   opts.Audit,
		now:     opts.Now,
		log:     log,
	}
	s.registerTools()
	return s, nil
}

// registerTools registers all MCP tools with the server.
func (s *Server) registerTools() {
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "lockout_status",
		Description: "Report the unlock rate-limit state of a vault: failed attempts, attempts remaining and seconds until a lockout ends.",
	}, s.handleLockoutStatus)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "session_latest",
		Description: "Report timing of the most recently used session. Does NOT return the session payload.",
	}, s.handleSessionLatest)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "kdf_profile",
		Description: "Report the detected device class and the Argon2id cost parameters recommended for it.",
	}, s.handleKDFProfile)
}

// Run starts the MCP server using stdio transport.
func (s *Server) Run(ctx context.Context) error {
	s.log.Info().Msg("MCP server started on stdio")
	return s.server.Run(ctx, &mcp.StdioTransport{})
}
