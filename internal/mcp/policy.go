package mcp

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Policy restricts which vaults the MCP tools may report on.
type Policy struct {
	Version       int      `yaml:"version"`
	DefaultAction string   `yaml:"default_action"`
	AllowedVaults []string `yaml:"allowed_vaults"`
	DeniedVaults  []string `yaml:"denied_vaults"`
}

// PolicyFileName is the name of the policy file inside the vaultlock home.
const PolicyFileName = "mcp-policy.yaml"

const (
	ActionAllow = "allow"
	ActionDeny  = "deny"
)

var (
	ErrPolicyNotFound       = errors.New("MCP policy file not found")
	ErrPolicyInsecure       = errors.New("MCP policy file has insecure permissions")
	ErrPolicySymlink        = errors.New("MCP policy file is a symlink")
	ErrPolicyNotOwnedByUser = errors.New("MCP policy file not owned by current user")
)

// LoadPolicy loads the policy from home. The file is opened without
// following symlinks and checked through the open descriptor.
func LoadPolicy(home string) (*Policy, error) {
	f, err := openPolicyFile(filepath.Join(home, PolicyFileName))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat policy file: %w", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		return nil, fmt.Errorf("%w: %o (expected 0600)", ErrPolicyInsecure, perm)
	}
	if err := checkFileOwnership(info); err != nil {
		return nil, err
	}

	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	var p Policy
	if err := yaml.Unmarshal(content, &p); err != nil {
		return nil, fmt.Errorf("failed to parse policy file: %w", err)
	}
	if p.DefaultAction == "" {
		p.DefaultAction = ActionDeny
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks the version and default action.
func (p *Policy) Validate() error {
	if p.Version != 1 {
		return fmt.Errorf("unsupported policy version: %d", p.Version)
	}
	if p.DefaultAction != ActionDeny && p.DefaultAction != ActionAllow {
		return fmt.Errorf("invalid default_action: %s (must be '%s' or '%s')", p.DefaultAction, ActionDeny, ActionAllow)
	}
	return nil
}

// IsVaultAllowed evaluates denied_vaults, then allowed_vaults, then the
// default action. A nil policy allows everything.
func (p *Policy) IsVaultAllowed(vaultID string) (allowed bool, reason string) {
	if p == nil {
		return true, ""
	}
	for _, pattern := range p.DeniedVaults {
		if matchPattern(vaultID, pattern) {
			return false, fmt.Sprintf("vault '%s' matches denied pattern '%s'", vaultID, pattern)
		}
	}
	for _, pattern := range p.AllowedVaults {
		if matchPattern(vaultID, pattern) {
			return true, ""
		}
	}
	if p.DefaultAction == ActionAllow {
		return true, ""
	}
	return false, fmt.Sprintf("vault '%s' not in allowed_vaults list", vaultID)
}

// matchPattern matches exactly, or by prefix when pattern ends in '*'.
func matchPattern(vaultID, pattern string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(vaultID, prefix)
	}
	return vaultID == pattern
}
