// Package scanner defines the antivirus engine contract and the ClamAV
// clamd adapter.
//
// The daemon never inspects file content itself; classification is fully
// delegated to an external engine behind the Scanner interface. Any
// adapter returning the same Outcome contract is acceptable.

package scanner

import "context"

// Verdict is the classification returned by a scan attempt.
type Verdict int

const (
	// VerdictClean means the engine affirmatively cleared the file.
	VerdictClean Verdict = iota

	// VerdictInfected means the engine matched a signature.
	VerdictInfected

	// VerdictTransportError means the engine could not be reached or the
	// session broke before a reply. Retryable.
	VerdictTransportError

	// VerdictScanError means the engine replied but could not scan the
	// file. Not retryable; the pipeline locks the file down.
	VerdictScanError
)

// String returns the verdict name for logs and metrics labels.
func (v Verdict) String() string {
	switch v {
	case VerdictClean:
		return "clean"
	case VerdictInfected:
		return "infected"
	case VerdictTransportError:
		return "transport_error"
	case VerdictScanError:
		return "scan_error"
	default:
		return "unknown"
	}
}

// MaxSignatureLen bounds the signature string retained from the engine.
const MaxSignatureLen = 255

// Outcome is the result of one scan attempt. Signature is set only for
// VerdictInfected and is opaque to the caller.
type Outcome struct {
	Verdict   Verdict
	Signature string
}

// Scanner is the pluggable on-access engine contract.
type Scanner interface {
	// Scan submits the file at path and returns its classification.
	// Transport-level problems are reported through the outcome, not the
	// error; a non-nil error means the adapter itself misbehaved.
	Scan(ctx context.Context, path string) (Outcome, error)
}
