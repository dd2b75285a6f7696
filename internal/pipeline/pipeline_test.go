package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/sentinel-ep/sentinel/internal/control"
	"github.com/sentinel-ep/sentinel/internal/scanner"
)

// scriptedScanner returns one canned outcome per attempt, repeating the
// last. removeAfter deletes the file after the given attempt to simulate
// a transient path.
type scriptedScanner struct {
	mu          sync.Mutex
	outcomes    []scanner.Outcome
	calls       int
	removeAfter int // 0 = never
	target      string
}

func (s *scriptedScanner) Scan(_ context.Context, path string) (scanner.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	s.calls++
	if s.removeAfter > 0 && s.calls == s.removeAfter {
		_ = os.Remove(s.target)
	}
	if i >= len(s.outcomes) {
		i = len(s.outcomes) - 1
	}
	return s.outcomes[i], nil
}

func (s *scriptedScanner) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type fakeQuarantiner struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (q *fakeQuarantiner) Quarantine(path, signature string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls = append(q.calls, path+"|"+signature)
	if q.err != nil {
		return "", q.err
	}
	// Mimic the engine: the source is relocated.
	_ = os.Remove(path)
	return "11111111-2222-3333-4444-555555555555", nil
}

type capturedEvent struct {
	event, filename, threat, details string
}

type fakeBroadcaster struct {
	mu     sync.Mutex
	events []capturedEvent
}

func (b *fakeBroadcaster) Broadcast(event, filename, threat, details string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, capturedEvent{event, filename, threat, details})
}

func (b *fakeBroadcaster) byKind(kind string) []capturedEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []capturedEvent
	for _, e := range b.events {
		if e.event == kind {
			out = append(out, e)
		}
	}
	return out
}

func newRunner(sc scanner.Scanner, q Quarantiner, b Broadcaster, retries int) *Runner {
	return NewRunner(sc, q, b, retries, 10*time.Millisecond, zap.NewNop())
}

func tempFile(t *testing.T, mode os.FileMode) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "candidate.bin")
	if err := os.WriteFile(path, []byte("candidate body"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(path, mode); err != nil {
		t.Fatal(err)
	}
	return path
}

func modeOf(t *testing.T, path string) os.FileMode {
	t.Helper()
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat %s: %v", path, err)
	}
	return info.Mode().Perm()
}

func TestProcess_CleanRestoresOriginalMode(t *testing.T) {
	path := tempFile(t, 0o755)
	sc := &scriptedScanner{outcomes: []scanner.Outcome{{Verdict: scanner.VerdictClean}}}
	b := &fakeBroadcaster{}
	r := newRunner(sc, &fakeQuarantiner{}, b, 3)

	r.Process(context.Background(), path)

	if got := modeOf(t, path); got != 0o755 {
		t.Errorf("mode after clean = %o, want 0755 restored", got)
	}
	clean := b.byKind(control.EventScanClean)
	if len(clean) != 1 || clean[0].filename != path {
		t.Errorf("scan_clean broadcast missing or wrong: %v", clean)
	}
}

func TestProcess_InfectedQuarantined(t *testing.T) {
	path := tempFile(t, 0o644)
	sc := &scriptedScanner{outcomes: []scanner.Outcome{
		{Verdict: scanner.VerdictInfected, Signature: "Eicar-Test-Signature"},
	}}
	q := &fakeQuarantiner{}
	b := &fakeBroadcaster{}
	r := newRunner(sc, q, b, 3)

	r.Process(context.Background(), path)

	if len(q.calls) != 1 || !strings.HasSuffix(q.calls[0], "|Eicar-Test-Signature") {
		t.Fatalf("quarantine not invoked correctly: %v", q.calls)
	}
	threats := b.byKind(control.EventScanThreat)
	if len(threats) != 1 || threats[0].threat != "Eicar-Test-Signature" {
		t.Errorf("scan_threat broadcast wrong: %v", threats)
	}
	qevents := b.byKind(control.EventQuarantine)
	if len(qevents) != 1 || qevents[0].details == "" {
		t.Errorf("quarantine broadcast missing entry id: %v", qevents)
	}
}

func TestProcess_QuarantineFailureLocksDown(t *testing.T) {
	path := tempFile(t, 0o644)
	sc := &scriptedScanner{outcomes: []scanner.Outcome{
		{Verdict: scanner.VerdictInfected, Signature: "Trojan.X"},
	}}
	q := &fakeQuarantiner{err: errors.New("store full")}
	b := &fakeBroadcaster{}
	r := newRunner(sc, q, b, 3)

	r.Process(context.Background(), path)

	if got := modeOf(t, path); got != 0 {
		t.Errorf("mode after failed quarantine = %o, want 0000", got)
	}
	threats := b.byKind(control.EventScanThreat)
	if len(threats) != 1 || !strings.Contains(threats[0].details, "CRITICAL") {
		t.Errorf("critical annotation missing: %v", threats)
	}
}

func TestProcess_ScanErrorLocksDown(t *testing.T) {
	path := tempFile(t, 0o644)
	sc := &scriptedScanner{outcomes: []scanner.Outcome{{Verdict: scanner.VerdictScanError}}}
	b := &fakeBroadcaster{}
	r := newRunner(sc, &fakeQuarantiner{}, b, 3)

	r.Process(context.Background(), path)

	if got := modeOf(t, path); got != 0 {
		t.Errorf("mode after scan error = %o, want 0000", got)
	}
	statuses := b.byKind(control.EventStatus)
	if len(statuses) != 1 || !strings.Contains(statuses[0].details, "Scan error") {
		t.Errorf("scan error status missing: %v", statuses)
	}
}

func TestProcess_TransportRetriesThenLockdown(t *testing.T) {
	path := tempFile(t, 0o644)
	sc := &scriptedScanner{outcomes: []scanner.Outcome{{Verdict: scanner.VerdictTransportError}}}
	b := &fakeBroadcaster{}
	r := newRunner(sc, &fakeQuarantiner{}, b, 2) // 3 attempts total

	r.Process(context.Background(), path)

	if got := sc.Calls(); got != 3 {
		t.Errorf("scan attempts = %d, want 3", got)
	}
	statuses := b.byKind(control.EventStatus)
	if len(statuses) != 3 {
		t.Fatalf("expected 2 retry statuses + 1 lockdown status, got %d: %v", len(statuses), statuses)
	}
	for _, s := range statuses[:2] {
		if !strings.Contains(s.details, "retrying") {
			t.Errorf("intermediate status wrong: %v", s)
		}
	}
	if !strings.Contains(statuses[2].details, "unreachable") {
		t.Errorf("final status wrong: %v", statuses[2])
	}
	if got := modeOf(t, path); got != 0 {
		t.Errorf("mode after exhausted retries = %o, want 0000", got)
	}
}

func TestProcess_RecoversAfterTransientOutage(t *testing.T) {
	path := tempFile(t, 0o600)
	sc := &scriptedScanner{outcomes: []scanner.Outcome{
		{Verdict: scanner.VerdictTransportError},
		{Verdict: scanner.VerdictClean},
	}}
	b := &fakeBroadcaster{}
	r := newRunner(sc, &fakeQuarantiner{}, b, 3)

	r.Process(context.Background(), path)

	if got := modeOf(t, path); got != 0o600 {
		t.Errorf("mode after recovery = %o, want 0600", got)
	}
	if len(b.byKind(control.EventScanClean)) != 1 {
		t.Error("scan_clean not broadcast after recovery")
	}
}

func TestProcess_VanishedDuringRetryReleasedSilently(t *testing.T) {
	path := tempFile(t, 0o644)
	sc := &scriptedScanner{
		outcomes:    []scanner.Outcome{{Verdict: scanner.VerdictTransportError}},
		removeAfter: 1,
		target:      path,
	}
	b := &fakeBroadcaster{}
	r := newRunner(sc, &fakeQuarantiner{}, b, 3)

	var outcomes []string
	r.OnOutcome = func(label string) { outcomes = append(outcomes, label) }

	r.Process(context.Background(), path)

	if got := sc.Calls(); got != 1 {
		t.Errorf("scan attempts = %d, want 1 (file vanished before retry)", got)
	}
	if len(outcomes) != 1 || outcomes[0] != "vanished" {
		t.Errorf("outcome labels = %v, want [vanished]", outcomes)
	}
	// No terminal clean/threat/lockdown broadcast; only the retry status.
	if n := len(b.byKind(control.EventScanClean)) + len(b.byKind(control.EventScanThreat)); n != 0 {
		t.Errorf("unexpected terminal broadcasts for vanished file")
	}
}

func TestProcess_StripsExecuteBitsBeforeScan(t *testing.T) {
	path := tempFile(t, 0o755)
	var observed os.FileMode
	sc := &observingScanner{path: path, mode: &observed}
	b := &fakeBroadcaster{}
	r := newRunner(sc, &fakeQuarantiner{}, b, 0)

	r.Process(context.Background(), path)

	if observed&0o111 != 0 {
		t.Errorf("execute bits present during scan: %o", observed)
	}
}

// observingScanner records the file mode at scan time.
type observingScanner struct {
	path string
	mode *os.FileMode
}

func (s *observingScanner) Scan(context.Context, string) (scanner.Outcome, error) {
	if info, err := os.Stat(s.path); err == nil {
		*s.mode = info.Mode().Perm()
	}
	return scanner.Outcome{Verdict: scanner.VerdictClean}, nil
}
