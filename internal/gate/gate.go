// Package gate filters monitor candidates before they reach the work
// queue. Gating happens ahead of Submit so transient editor/browser/
// scanner artifacts never occupy queue capacity.
//
// A candidate is dropped when it:
//   - sits under the quarantine root (self-exclusion);
//   - has a leading-dot basename;
//   - matches a known transient-path substring;
//   - does not resolve to an existing regular file;
//   - is smaller than MinSize or larger than MaxSize bytes.

package gate

import (
	"os"
	"path/filepath"
	"strings"
)

// transientPatterns are substring matches for short-lived artifacts of
// the scanner itself and common desktop tooling.
var transientPatterns = []string{
	"clamav-",
	"-scantemp",
	"chromecrx_",
	".org.chromium.",
	".goutputstream",
}

// Reason identifies why a candidate was rejected.
type Reason string

const (
	ReasonAccepted       Reason = "accepted"
	ReasonQuarantinePath Reason = "quarantine_path"
	ReasonHidden         Reason = "hidden"
	ReasonTransient      Reason = "transient"
	ReasonNotRegular     Reason = "not_regular"
	ReasonSize           Reason = "size"
)

// Gate is the candidate admission predicate.
type Gate struct {
	quarantineRoot string
	minSize        int64
	maxSize        int64
}

// New creates a Gate. quarantineRoot must be absolute and clean.
func New(quarantineRoot string, minSize, maxSize int64) *Gate {
	return &Gate{
		quarantineRoot: filepath.Clean(quarantineRoot),
		minSize:        minSize,
		maxSize:        maxSize,
	}
}

// Admit reports whether the candidate may be submitted, and the reason
// when it may not.
func (g *Gate) Admit(path string) (bool, Reason) {
	if g.underQuarantine(path) {
		return false, ReasonQuarantinePath
	}
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return false, ReasonHidden
	}
	for _, pat := range transientPatterns {
		if strings.Contains(path, pat) {
			return false, ReasonTransient
		}
	}
	info, err := os.Lstat(path)
	if err != nil || !info.Mode().IsRegular() {
		return false, ReasonNotRegular
	}
	if info.Size() < g.minSize || info.Size() > g.maxSize {
		return false, ReasonSize
	}
	return true, ReasonAccepted
}

// underQuarantine reports whether path is the quarantine root or inside it.
func (g *Gate) underQuarantine(path string) bool {
	p := filepath.Clean(path)
	if p == g.quarantineRoot {
		return true
	}
	return strings.HasPrefix(p, g.quarantineRoot+string(filepath.Separator))
}
