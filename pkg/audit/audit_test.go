package audit

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestLogger(t *testing.T, dir string, now func() time.Time) *Logger {
	t.Helper()
	l := NewLogger(dir, Options{Now: now})
	if err := l.SetHMACKey(bytes.Repeat([]byte{7}, 32)); err != nil {
		t.Fatalf("SetHMACKey failed: %v", err)
	}
	return l
}

func fixedClock(start time.Time) func() time.Time {
	cur := start
	return func() time.Time {
		cur = cur.Add(time.Second)
		return cur
	}
}

func TestLogWithoutHMACKey(t *testing.T) {
	l := NewLogger(t.TempDir(), Options{})
	if err := l.Success(OpUnlock, SourceCLI, "v", nil); !errors.Is(err, ErrKeyNotSet) {
		t.Errorf("Success() error = %v, want %v", err, ErrKeyNotSet)
	}
	if _, err := l.Verify(); !errors.Is(err, ErrKeyNotSet) {
		t.Errorf("Verify() error = %v, want %v", err, ErrKeyNotSet)
	}
}

func TestLogWritesEvent(t *testing.T) {
	dir := t.TempDir()
	l := newTestLogger(t, dir, fixedClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)))

	if err := l.Log(Entry{
		Operation: OpSessionStart,
		Source:    SourceCLI,
		Result:    ResultSuccess,
		VaultID:   "vault-1",
		SessionID: "sess-1",
		Context:   map[string]string{"ttl": "15m0s"},
	}); err != nil {
		t.Fatalf("Log failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "2026-03.jsonl"))
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	var e Event
	if err := json.Unmarshal(bytes.TrimSpace(data), &e); err != nil {
		t.Fatalf("failed to parse event: %v", err)
	}
	if e.Operation != OpSessionStart || e.VaultID != "vault-1" || e.Actor.SessionID != "sess-1" {
		t.Errorf("unexpected event: %+v", e)
	}
	if e.Chain.Sequence != 1 || e.Chain.PrevHash != genesis || e.Chain.HMAC == "" {
		t.Errorf("unexpected chain: %+v", e.Chain)
	}
	if e.ID == "" || e.Actor.ProcessID == "" {
		t.Error("expected event and process ids")
	}

	info, err := os.Stat(filepath.Join(dir, "2026-03.jsonl"))
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("log file mode = %o, want 0600", perm)
	}
}

func TestDeniedAndFailure(t *testing.T) {
	l := newTestLogger(t, t.TempDir(), nil)

	if err := l.Denied(OpLockedOut, SourceCLI, "v", "locked out for 300s"); err != nil {
		t.Fatalf("Denied failed: %v", err)
	}
	if err := l.Failure(OpUnlockFailed, SourceCLI, "v", "invalid_credential", "credential mismatch"); err != nil {
		t.Fatalf("Failure failed: %v", err)
	}

	events, err := l.ListEvents(0, time.Time{})
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Result != ResultDenied || events[0].Context["reason"] == "" {
		t.Errorf("denied event = %+v", events[0])
	}
	if events[1].Result != ResultError || events[1].Error == nil || events[1].Error.Code != "invalid_credential" {
		t.Errorf("failure event = %+v", events[1])
	}
}

func TestChainIntegrity(t *testing.T) {
	l := newTestLogger(t, t.TempDir(), nil)
	for i := 0; i < 5; i++ {
		if err := l.Success(OpUnlock, SourceCLI, "v", nil); err != nil {
			t.Fatalf("Success failed: %v", err)
		}
	}

	res, err := l.Verify()
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !res.Valid || res.RecordsTotal != 5 || res.RecordsVerified != 5 {
		t.Errorf("Verify() = %+v, want 5 valid records", res)
	}
}

func TestChainPersistence(t *testing.T) {
	dir := t.TempDir()
	first := newTestLogger(t, dir, nil)
	for i := 0; i < 3; i++ {
		if err := first.Success(OpUnlock, SourceCLI, "v", nil); err != nil {
			t.Fatalf("Success failed: %v", err)
		}
	}

	second := newTestLogger(t, dir, nil)
	if err := second.Success(OpSessionEnd, SourceCLI, "v", nil); err != nil {
		t.Fatalf("Success failed: %v", err)
	}

	res, err := second.Verify()
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !res.Valid || res.RecordsTotal != 4 {
		t.Errorf("Verify() = %+v, want 4 valid records", res)
	}
}

func TestChainAcrossMonths(t *testing.T) {
	dir := t.TempDir()
	times := []time.Time{
		time.Date(2026, 1, 31, 23, 59, 0, 0, time.UTC),
		time.Date(2026, 2, 1, 0, 1, 0, 0, time.UTC),
	}
	i := 0
	l := newTestLogger(t, dir, func() time.Time { return times[i] })
	for i = range times {
		if err := l.Success(OpUnlock, SourceCLI, "v", nil); err != nil {
			t.Fatalf("Success failed: %v", err)
		}
	}

	files, _ := filepath.Glob(filepath.Join(dir, "*.jsonl"))
	if len(files) != 2 {
		t.Fatalf("got %d log files, want 2", len(files))
	}
	res, err := l.Verify()
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !res.Valid {
		t.Errorf("chain across months invalid: %v", res.Errors)
	}
}

func TestTamperingDetection(t *testing.T) {
	setup := func(t *testing.T) (*Logger, string) {
		dir := t.TempDir()
		l := newTestLogger(t, dir, fixedClock(time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)))
		for _, op := range []string{OpUnlock, OpSessionStart, OpSessionEnd} {
			if err := l.Success(op, SourceCLI, "v", nil); err != nil {
				t.Fatalf("Success failed: %v", err)
			}
		}
		return l, filepath.Join(dir, "2026-05.jsonl")
	}

	t.Run("modified record", func(t *testing.T) {
		l, file := setup(t)
		data, err := os.ReadFile(file)
		if err != nil {
			t.Fatalf("failed to read log file: %v", err)
		}
		tampered := strings.Replace(string(data), OpSessionStart, OpSessionEnd, 1)
		if err := os.WriteFile(file, []byte(tampered), 0600); err != nil {
			t.Fatalf("failed to write tampered file: %v", err)
		}

		res, err := l.Verify()
		if err != nil {
			t.Fatalf("Verify failed: %v", err)
		}
		if res.Valid {
			t.Error("expected tampering to be detected")
		}
		if res.RecordsVerified != 2 {
			t.Errorf("RecordsVerified = %d, want 2", res.RecordsVerified)
		}
	})

	t.Run("deleted record", func(t *testing.T) {
		l, file := setup(t)
		data, err := os.ReadFile(file)
		if err != nil {
			t.Fatalf("failed to read log file: %v", err)
		}
		lines := strings.SplitAfter(string(data), "\n")
		if err := os.WriteFile(file, []byte(lines[0]+lines[2]), 0600); err != nil {
			t.Fatalf("failed to write tampered file: %v", err)
		}

		res, err := l.Verify()
		if err != nil {
			t.Fatalf("Verify failed: %v", err)
		}
		if res.Valid {
			t.Error("expected deleted record to be detected")
		}
	})

	t.Run("wrong key", func(t *testing.T) {
		l, _ := setup(t)
		other := NewLogger(l.Path(), Options{})
		if err := other.SetHMACKey(bytes.Repeat([]byte{8}, 32)); err != nil {
			t.Fatalf("SetHMACKey failed: %v", err)
		}
		res, err := other.Verify()
		if err != nil {
			t.Fatalf("Verify failed: %v", err)
		}
		if res.Valid {
			t.Error("expected verification with another key to fail")
		}
	})
}

func TestVerifyEmptyLog(t *testing.T) {
	l := newTestLogger(t, t.TempDir(), nil)
	res, err := l.Verify()
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !res.Valid || res.RecordsTotal != 0 {
		t.Errorf("Verify() = %+v, want empty valid result", res)
	}
}

func TestListEvents(t *testing.T) {
	start := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	l := newTestLogger(t, t.TempDir(), fixedClock(start))
	for i := 0; i < 5; i++ {
		if err := l.Success(OpUnlock, SourceCLI, "v", nil); err != nil {
			t.Fatalf("Success failed: %v", err)
		}
	}

	all, err := l.ListEvents(0, time.Time{})
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("got %d events, want 5", len(all))
	}

	last, err := l.ListEvents(2, time.Time{})
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(last) != 2 || last[1].Chain.Sequence != 5 {
		t.Errorf("ListEvents(2) = %d events ending at seq %d, want 2 ending at 5", len(last), last[len(last)-1].Chain.Sequence)
	}

	// Events are stamped start+1s .. start+5s.
	since, err := l.ListEvents(0, start.Add(3*time.Second))
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(since) != 2 {
		t.Errorf("ListEvents(since) = %d events, want 2", len(since))
	}
}

func TestRecordDataDeterministic(t *testing.T) {
	e := Event{
		Version:   1,
		ID:        "id",
		Operation: OpUnlock,
		Context:   map[string]string{"b": "2", "a": "1", "c": "3"},
	}
	first := recordData(&e)
	for i := 0; i < 20; i++ {
		if !bytes.Equal(recordData(&e), first) {
			t.Fatal("recordData is not deterministic across map iteration orders")
		}
	}
	if !bytes.Contains(first, []byte("a=1;b=2;c=3;")) {
		t.Errorf("recordData = %q, want sorted context", first)
	}
}
