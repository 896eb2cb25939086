// Package audit records unlock, lockout, passphrase and session events in a
// JSONL log protected by an HMAC chain.
package audit

import (
	"bufio"
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/hkdf"
)

// MinDiskSpace is the free space required before an append.
const MinDiskSpace = 1024 * 1024

const (
	schemaVersion = 1
	genesis       = "genesis"
	metaFile      = "audit.meta"
	hkdfInfo      = "vaultlock-audit-v1"
)

// Operation types
const (
	OpEnroll       = "vault.enroll"
	OpUnlock       = "vault.unlock"
	OpUnlockFailed = "vault.unlock_failed"
	OpLockedOut    = "vault.locked_out"
	OpLockoutReset = "vault.lockout_reset"

	OpPassphraseCreated     = "passphrase.created"
	OpPassphraseRegenerated = "passphrase.regenerated"
	OpPassphraseMigrated    = "passphrase.migrated"
	OpPassphraseRotated     = "passphrase.rotated"

	OpSessionStart  = "session.start"
	OpSessionResume = "session.resume"
	OpSessionEnd    = "session.end"
	OpSessionSweep  = "session.sweep"

	OpPolicyDenied = "mcp.policy_denied"
)

// Sources
const (
	SourceCLI = "cli"
	SourceMCP = "mcp"
)

// Results
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultDenied  = "denied"
)

// ErrKeyNotSet is returned by every operation before SetHMACKey.
var ErrKeyNotSet = errors.New("audit: HMAC key not set")

// Event is one audit record.
type Event struct {
	Version   int    `json:"v"`
	ID        string `json:"id"` // UUIDv7, time ordered
	Timestamp string `json:"ts"` // RFC 3339, nanoseconds

	Operation string `json:"op"`
	VaultID   string `json:"vault_id,omitempty"`
	Actor     Actor  `json:"actor"`

	Result  string            `json:"result"`
	Error   *ErrorInfo        `json:"error,omitempty"`
	Context map[string]string `json:"ctx,omitempty"`

	Chain Chain `json:"chain"`
}

// Actor identifies the process and session behind an event.
type Actor struct {
	Source    string `json:"source"`
	ProcessID string `json:"process_id"`
	SessionID string `json:"session_id,omitempty"`
}

type ErrorInfo struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Chain links a record to its predecessor.
type Chain struct {
	Sequence int64  `json:"seq"`
	PrevHash string `json:"prev"`
	HMAC     string `json:"hmac"`
}

// Entry is what callers log. Never put secrets in Context.
type Entry struct {
	Operation string
	Source    string
	Result    string
	VaultID   string
	SessionID string
	Error     *ErrorInfo
	Context   map[string]string
}

// Options configures a Logger.
type Options struct {
	Now    func() time.Time
	Logger *zerolog.Logger
}

// Logger appends events to monthly files under a directory.
type Logger struct {
	path      string
	processID string
	now       func() time.Time
	log       zerolog.Logger

	mu       sync.Mutex
	hmacKey  []byte
	sequence int64
	prevHash string
}

// NewLogger creates a logger writing under path.
func NewLogger(path string, opts Options) *Logger {
	l := &Logger{
		path:      path,
		processID: uuid.NewString(),
		now:       opts.Now,
		log:       zerolog.Nop(),
		prevHash:  genesis,
	}
	if l.now == nil {
		l.now = time.Now
	}
	if opts.Logger != nil {
		l.log = *opts.Logger
	}
	return l
}

// Path returns the log directory.
func (l *Logger) Path() string {
	return l.path
}

// SetHMACKey derives the chain key from secret with HKDF-SHA256 and loads
// the persisted chain head.
func (l *Logger) SetHMACKey(secret []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(hkdfInfo)), key); err != nil {
		return fmt.Errorf("audit: failed to derive HMAC key: %w", err)
	}
	l.hmacKey = key

	if err := l.loadChainState(); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			l.log.Warn().Err(err).Msg("audit chain state unreadable, starting from genesis")
		}
		l.sequence = 0
		l.prevHash = genesis
	}
	return nil
}

// Log appends one event.
func (l *Logger) Log(e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.hmacKey == nil {
		return ErrKeyNotSet
	}
	if err := os.MkdirAll(l.path, 0700); err != nil {
		return fmt.Errorf("audit: failed to create directory: %w", err)
	}
	if err := l.checkDiskSpace(); err != nil {
		return err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("audit: failed to generate event id: %w", err)
	}
	now := l.now().UTC()
	event := Event{
		Version:   schemaVersion,
		ID:        id.String(),
		Timestamp: now.Format(time.RFC3339Nano),
		Operation: e.Operation,
		VaultID:   e.VaultID,
		Actor: Actor{
			Source:    e.Source,
			ProcessID: l.processID,
			SessionID: e.SessionID,
		},
		Result:  e.Result,
		Error:   e.Error,
		Context: e.Context,
	}
	event.Chain.Sequence = l.sequence + 1
	event.Chain.PrevHash = l.prevHash
	event.Chain.HMAC = l.sign(&event)

	if err := l.writeEvent(now, &event); err != nil {
		return err
	}
	l.sequence = event.Chain.Sequence
	l.prevHash = event.Chain.HMAC
	return l.saveChainState()
}

// Success logs a successful operation.
func (l *Logger) Success(op, source, vaultID string, ctx map[string]string) error {
	return l.Log(Entry{Operation: op, Source: source, Result: ResultSuccess, VaultID: vaultID, Context: ctx})
}

// Denied logs a refused operation with a reason.
func (l *Logger) Denied(op, source, vaultID, reason string) error {
	return l.Log(Entry{Operation: op, Source: source, Result: ResultDenied, VaultID: vaultID,
		Context: map[string]string{"reason": reason}})
}

// Failure logs a failed operation.
func (l *Logger) Failure(op, source, vaultID, code, msg string) error {
	return l.Log(Entry{Operation: op, Source: source, Result: ResultError, VaultID: vaultID,
		Error: &ErrorInfo{Code: code, Message: msg}})
}

func (l *Logger) sign(e *Event) string {
	mac := hmac.New(sha256.New, l.hmacKey)
	mac.Write(recordData(e))
	return hex.EncodeToString(mac.Sum(nil))
}

// recordData covers every field except the record's own HMAC.
func recordData(e *Event) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "%d|%s|%s|%s|%s|", e.Version, e.ID, e.Timestamp, e.Operation, e.VaultID)
	fmt.Fprintf(&b, "%s|%s|%s|", e.Actor.Source, e.Actor.ProcessID, e.Actor.SessionID)
	b.WriteString(e.Result)
	b.WriteByte('|')
	if e.Error != nil {
		fmt.Fprintf(&b, "%s|%s", e.Error.Code, e.Error.Message)
	}
	b.WriteByte('|')

	keys := make([]string, 0, len(e.Context))
	for k := range e.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%s;", k, e.Context[k])
	}
	fmt.Fprintf(&b, "|%d|%s", e.Chain.Sequence, e.Chain.PrevHash)
	return []byte(b.String())
}

func (l *Logger) writeEvent(now time.Time, e *Event) error {
	name := filepath.Join(l.path, now.Format("2006-01")+".jsonl")
	f, err := os.OpenFile(name, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("audit: failed to open log file: %w", err)
	}
	defer f.Close()

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("audit: failed to marshal event: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("audit: failed to write event: %w", err)
	}
	return nil
}

type chainState struct {
	Sequence int64  `json:"seq"`
	PrevHash string `json:"prev"`
}

func (l *Logger) loadChainState() error {
	data, err := os.ReadFile(filepath.Join(l.path, metaFile))
	if err != nil {
		return err
	}
	var st chainState
	if err := json.Unmarshal(data, &st); err != nil {
		return err
	}
	l.sequence = st.Sequence
	l.prevHash = st.PrevHash
	return nil
}

func (l *Logger) saveChainState() error {
	data, err := json.Marshal(chainState{Sequence: l.sequence, PrevHash: l.prevHash})
	if err != nil {
		return fmt.Errorf("audit: failed to marshal chain state: %w", err)
	}
	if err := os.WriteFile(filepath.Join(l.path, metaFile), data, 0600); err != nil {
		return fmt.Errorf("audit: failed to save chain state: %w", err)
	}
	return nil
}

// VerifyResult reports chain verification.
type VerifyResult struct {
	Valid           bool     `json:"valid"`
	RecordsTotal    int      `json:"records_total"`
	RecordsVerified int      `json:"records_verified"`
	Errors          []string `json:"errors,omitempty"`
}

// Verify walks every record and checks sequence, linkage and HMAC.
func (l *Logger) Verify() (*VerifyResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.hmacKey == nil {
		return nil, ErrKeyNotSet
	}
	events, err := l.readAll()
	if err != nil {
		return nil, err
	}

	res := &VerifyResult{Valid: true, RecordsTotal: len(events)}
	prev := genesis
	var seq int64 = 1
	for i := range events {
		e := &events[i]
		ok := true
		if e.Chain.Sequence != seq {
			ok = false
			res.Errors = append(res.Errors, fmt.Sprintf(
				"sequence gap at record %s: expected %d, got %d", e.ID, seq, e.Chain.Sequence))
		}
		if e.Chain.PrevHash != prev {
			ok = false
			res.Errors = append(res.Errors, fmt.Sprintf(
				"chain broken at record %s: expected prev %s, got %s", e.ID, prev, e.Chain.PrevHash))
		}
		if !hmac.Equal([]byte(e.Chain.HMAC), []byte(l.sign(e))) {
			ok = false
			res.Errors = append(res.Errors, fmt.Sprintf(
				"HMAC mismatch at record %s: possible tampering", e.ID))
		}
		if ok {
			res.RecordsVerified++
		} else {
			res.Valid = false
		}
		prev = e.Chain.HMAC
		seq++
	}
	return res, nil
}

// ListEvents returns events newer than since (zero = all), keeping the most
// recent limit (0 = all), oldest first.
func (l *Logger) ListEvents(limit int, since time.Time) ([]Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	events, err := l.readAll()
	if err != nil {
		return nil, err
	}
	if !since.IsZero() {
		filtered := events[:0]
		for _, e := range events {
			ts, err := time.Parse(time.RFC3339Nano, e.Timestamp)
			if err != nil {
				continue
			}
			if ts.After(since) {
				filtered = append(filtered, e)
			}
		}
		events = filtered
	}
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	return events, nil
}

func (l *Logger) readAll() ([]Event, error) {
	files, err := filepath.Glob(filepath.Join(l.path, "*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("audit: failed to list log files: %w", err)
	}
	// YYYY-MM names sort chronologically.
	sort.Strings(files)

	var all []Event
	for _, f := range files {
		events, err := readLogFile(f)
		if err != nil {
			return nil, fmt.Errorf("audit: failed to read %s: %w", f, err)
		}
		all = append(all, events...)
	}
	return all, nil
}

func readLogFile(path string) ([]Event, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var events []Event
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("failed to parse line: %w", err)
		}
		events = append(events, e)
	}
	return events, sc.Err()
}
