package mcp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/forest6511/vaultlock/pkg/audit"
	"github.com/forest6511/vaultlock/pkg/session"
)

// LockoutStatusInput represents input for lockout_status tool.
type LockoutStatusInput struct {
	VaultID string `json:"vault_id"`
}

// LockoutStatusOutput represents output for lockout_status tool.
type LockoutStatusOutput struct {
	VaultID           string `json:"vault_id"`
	State             string `json:"state"`
	FailedAttempts    int    `json:"failed_attempts"`
	Remaining         int    `json:"remaining"`
	RetryAfterSeconds int64  `json:"retry_after_seconds"`
	Lockouts          int    `json:"lockouts"`
}

// SessionLatestInput represents input for session_latest tool.
type SessionLatestInput struct{}

// SessionLatestOutput represents output for session_latest tool.
type SessionLatestOutput struct {
	Found        bool   `json:"found"`
	SessionID    string `json:"session_id,omitempty"`
	VaultID      string `json:"vault_id,omitempty"`
	CreatedAt    string `json:"created_at,omitempty"`
	LastAccessAt string `json:"last_access_at,omitempty"`
	ExpiresAt    string `json:"expires_at,omitempty"`
	TTLSeconds   int64  `json:"ttl_seconds,omitempty"`
	Expired      bool   `json:"expired"`
}

// KDFProfileInput represents input for kdf_profile tool.
type KDFProfileInput struct{}

// KDFProfileOutput represents output for kdf_profile tool.
type KDFProfileOutput struct {
	RAMTotalMB    int    `json:"ram_total_mb"`
	CPUCores      int    `json:"cpu_cores"`
	Class         string `json:"class"`
	TimeCost      int    `json:"time_cost"`
	MemoryCostKiB int    `json:"memory_cost_kib"`
	Parallelism   int    `json:"parallelism"`
}

// handleLockoutStatus handles the lockout_status tool call.
func (s *Server) handleLockoutStatus(ctx context.Context, _ *mcp.CallToolRequest, input LockoutStatusInput) (*mcp.CallToolResult, LockoutStatusOutput, error) {
	if input.VaultID == "" {
		return nil, LockoutStatusOutput{}, fmt.Errorf("vault_id is required")
	}
	if err := s.checkPolicy(input.VaultID); err != nil {
		return nil, LockoutStatusOutput{}, err
	}

	st, err := s.limiter.Status(ctx, input.VaultID)
	if err != nil {
		return nil, LockoutStatusOutput{}, fmt.Errorf("failed to read lockout status: %w", err)
	}
	return nil, LockoutStatusOutput{
		VaultID:           input.VaultID,
		State:             st.State.String(),
		FailedAttempts:    st.FailedAttempts,
		Remaining:         st.Remaining,
		RetryAfterSeconds: st.RetryAfterSeconds(),
		Lockouts:          st.Lockouts,
	}, nil
}

// handleSessionLatest handles the session_latest tool call.
func (s *Server) handleSessionLatest(ctx context.Context, _ *mcp.CallToolRequest, _ SessionLatestInput) (*mcp.CallToolResult, SessionLatestOutput, error) {
	r, err := s.ledger.Latest(ctx)
	if errors.Is(err, session.ErrNotFound) {
		return nil, SessionLatestOutput{}, nil
	}
	if err != nil {
		return nil, SessionLatestOutput{}, fmt.Errorf("failed to read latest session: %w", err)
	}
	if err := s.checkPolicy(r.VaultID); err != nil {
		return nil, SessionLatestOutput{}, err
	}

	return nil, SessionLatestOutput{
		Found:        true,
		SessionID:    r.SessionID,
		VaultID:      r.VaultID,
		CreatedAt:    r.CreatedAt.Format(time.RFC3339),
		LastAccessAt: r.LastAccessAt.Format(time.RFC3339),
		ExpiresAt:    r.ExpiresAt.Format(time.RFC3339),
		TTLSeconds:   int64(r.TTL / time.Second),
		Expired:      r.Expired(s.now()),
	}, nil
}

// handleKDFProfile handles the kdf_profile tool call.
func (s *Server) handleKDFProfile(_ context.Context, _ *mcp.CallToolRequest, _ KDFProfileInput) (*mcp.CallToolResult, KDFProfileOutput, error) {
	prof := s.advisor.Profile()
	p := s.advisor.Params()
	return nil, KDFProfileOutput{
		RAMTotalMB:    prof.RAMTotalMB,
		CPUCores:      prof.CPUCores,
		Class:         prof.Class.String(),
		TimeCost:      p.TimeCost,
		MemoryCostKiB: p.MemoryCostKiB,
		Parallelism:   p.Parallelism,
	}, nil
}

func (s *Server) checkPolicy(vaultID string) error {
	allowed, reason := s.policy.IsVaultAllowed(vaultID)
	if allowed {
		return nil
	}
	if s.audit != nil {
		if err := s.audit.Denied(audit.OpPolicyDenied, audit.SourceMCP, vaultID, reason); err != nil {
			s.log.Warn().Err(err).Msg("audit log failed")
		}
	}
	return fmt.Errorf("access denied: %s", reason)
}
