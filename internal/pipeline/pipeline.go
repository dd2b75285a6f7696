// Package pipeline implements the per-candidate scan worker body:
// execute-bit strip → scan with timed retry → clean/infected/lockdown
// resolution.
//
// Fail-closed posture: a file gets its original permissions back only
// when the scanner has actively returned a clean result for it. Every
// other terminal state leaves the file quarantined or locked at 0000.
//
// Transient files are expected: a path that vanishes between retries is
// released silently.

package pipeline

import (
	"context"
	"io/fs"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/sentinel-ep/sentinel/internal/control"
	"github.com/sentinel-ep/sentinel/internal/scanner"
)

// fallbackMode is assumed when the pre-scan stat fails.
const fallbackMode fs.FileMode = 0o644

// Broadcaster delivers event records to connected clients.
type Broadcaster interface {
	Broadcast(event, filename, threat, details string)
}

// Quarantiner isolates an infected file and returns the new entry id.
type Quarantiner interface {
	Quarantine(path, signature string) (string, error)
}

// Runner executes the pipeline once per dequeued path.
type Runner struct {
	scanner    scanner.Scanner
	quarantine Quarantiner
	events     Broadcaster
	log        *zap.Logger

	maxRetries int
	retryDelay time.Duration

	// OnOutcome, when set, receives a label per terminal resolution.
	// Used for metrics; labels are verdict names plus "vanished" and
	// "quarantine_failed".
	OnOutcome func(label string)
}

// NewRunner wires a pipeline Runner.
func NewRunner(sc scanner.Scanner, q Quarantiner, events Broadcaster,
	maxRetries int, retryDelay time.Duration, log *zap.Logger) *Runner {
	return &Runner{
		scanner:    sc,
		quarantine: q,
		events:     events,
		log:        log,
		maxRetries: maxRetries,
		retryDelay: retryDelay,
	}
}

// Process runs the full pipeline for one candidate path.
func (r *Runner) Process(ctx context.Context, path string) {
	// Snapshot permissions for a later clean restore.
	mode := fallbackMode
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}

	// Strip execute bits before the file is touched by anything else.
	// Best effort: a failure is logged, never aborts the scan.
	if err := os.Chmod(path, mode&^0o111); err != nil {
		r.log.Warn("execute-bit strip failed",
			zap.String("path", path), zap.Error(err))
	}

	out := r.scanWithRetry(ctx, path)
	if out == nil {
		// Vanished between retries.
		r.outcome("vanished")
		r.log.Debug("candidate vanished during retry", zap.String("path", path))
		return
	}

	switch out.Verdict {
	case scanner.VerdictClean:
		if err := os.Chmod(path, mode); err != nil {
			r.log.Warn("permission restore failed",
				zap.String("path", path), zap.Error(err))
		}
		r.events.Broadcast(control.EventScanClean, path, "", "")
		r.outcome(out.Verdict.String())

	case scanner.VerdictInfected:
		r.resolveInfected(path, out.Signature)

	case scanner.VerdictScanError:
		r.lockdown(path)
		r.events.Broadcast(control.EventStatus, path, "",
			"Scan error — file locked down")
		r.outcome(out.Verdict.String())

	default: // VerdictTransportError: retries exhausted.
		r.lockdown(path)
		r.events.Broadcast(control.EventStatus, path, "",
			"Scanner unreachable — file locked down")
		r.outcome(out.Verdict.String())
	}
}

// scanWithRetry performs up to maxRetries+1 attempts. Between attempts it
// broadcasts a transient status, sleeps, and re-stats the path; a nil
// return means the file vanished.
func (r *Runner) scanWithRetry(ctx context.Context, path string) *scanner.Outcome {
	attempts := r.maxRetries + 1
	var out scanner.Outcome
	for i := 0; i < attempts; i++ {
		if i > 0 {
			r.events.Broadcast(control.EventStatus, path, "",
				"Scanner offline — retrying…")
			time.Sleep(r.retryDelay)
			if _, err := os.Stat(path); err != nil {
				return nil
			}
		}
		var err error
		out, err = r.scanner.Scan(ctx, path)
		if err != nil {
			r.log.Error("scanner adapter error",
				zap.String("path", path), zap.Error(err))
			out = scanner.Outcome{Verdict: scanner.VerdictTransportError}
		}
		if out.Verdict != scanner.VerdictTransportError {
			break
		}
	}
	return &out
}

// resolveInfected hands the file to the quarantine engine, falling back
// to lockdown if isolation fails.
func (r *Runner) resolveInfected(path, signature string) {
	id, err := r.quarantine.Quarantine(path, signature)
	if err != nil {
		r.log.Error("quarantine failed, applying lockdown",
			zap.String("path", path),
			zap.String("threat", signature),
			zap.Error(err))
		r.lockdown(path)
		r.events.Broadcast(control.EventScanThreat, path, signature,
			"CRITICAL: quarantine failed — file locked down in place")
		r.outcome("quarantine_failed")
		return
	}
	r.events.Broadcast(control.EventScanThreat, path, signature, "Threat quarantined")
	r.events.Broadcast(control.EventQuarantine, path, signature, id)
	r.outcome(scanner.VerdictInfected.String())
}

// lockdown sets a file's mode to 0000, the fail-closed terminal state.
func (r *Runner) lockdown(path string) {
	if err := os.Chmod(path, 0o000); err != nil && !os.IsNotExist(err) {
		r.log.Error("lockdown failed", zap.String("path", path), zap.Error(err))
	}
}

func (r *Runner) outcome(label string) {
	if r.OnOutcome != nil {
		r.OnOutcome(label)
	}
}
