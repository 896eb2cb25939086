package mcp

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/forest6511/vaultlock/pkg/audit"
	"github.com/forest6511/vaultlock/pkg/kdf"
	"github.com/forest6511/vaultlock/pkg/ratelimit"
	"github.com/forest6511/vaultlock/pkg/session"
)

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time          { return c.now }
func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

// testServer creates a server over in-memory state rooted at home.
func testServer(t *testing.T, home string) (*Server, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}

	limiter, err := ratelimit.New(ratelimit.DefaultConfig(), ratelimit.Options{Now: clock.Now})
	if err != nil {
		t.Fatalf("ratelimit.New failed: %v", err)
	}
	ledger := session.NewLedger(session.NewMemoryBackend(), session.Options{Now: clock.Now})
	advisor := kdf.NewAdvisor(kdf.Options{
		Probe: func() (int, int, error) { return 16384, 8, nil },
	})

	auditLog := audit.NewLogger(filepath.Join(home, "audit"), audit.Options{Now: clock.Now})
	if err := auditLog.SetHMACKey([]byte("0123456789abcdef0123456789abcdef")); err != nil {
		t.Fatalf("SetHMACKey failed: %v", err)
	}

	s, err := NewServer(ServerOptions{
		Home:    home,
		Limiter: limiter,
		Ledger:  ledger,
		Advisor: advisor,
		Audit:   auditLog,
		Now:     clock.Now,
		Version: "test",
	})
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	return s, clock
}

// createTestPolicy creates a test policy file
func createTestPolicy(t *testing.T, home string, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(home, PolicyFileName), []byte(content), 0600); err != nil {
		t.Fatalf("failed to create policy file: %v", err)
	}
}

func TestNewServer_MissingDependencies(t *testing.T) {
	_, err := NewServer(ServerOptions{Home: t.TempDir()})
	if err == nil {
		t.Error("expected error without limiter, ledger and advisor")
	}
}

func TestNewServer_NoPolicy(t *testing.T) {
	s, _ := testServer(t, t.TempDir())

	if s.policy != nil {
		t.Errorf("expected nil policy, got %+v", s.policy)
	}
	if s.server == nil {
		t.Error("expected MCP server to be created")
	}
}

func TestNewServer_WithPolicy(t *testing.T) {
	home := t.TempDir()
	createTestPolicy(t, home, `version: 1
default_action: deny
allowed_vaults:
  - default
`)

	s, _ := testServer(t, home)
	if s.policy == nil {
		t.Fatal("expected policy to be loaded")
	}
	if len(s.policy.AllowedVaults) != 1 {
		t.Errorf("expected 1 allowed vault, got %d", len(s.policy.AllowedVaults))
	}
}

func TestNewServer_InsecurePolicyDeniesAll(t *testing.T) {
	home := t.TempDir()
	if err := os.WriteFile(filepath.Join(home, PolicyFileName), []byte("version: 1\ndefault_action: allow\n"), 0644); err != nil {
		t.Fatalf("failed to write policy: %v", err)
	}

	s, _ := testServer(t, home)
	if s.policy == nil {
		t.Fatal("expected a restrictive policy")
	}
	if allowed, _ := s.policy.IsVaultAllowed("default"); allowed {
		t.Error("an unreadable policy should deny every vault")
	}
}
