// clamd.go — ClamAV clamd adapter.
//
// Protocol: clamd unix stream socket, zINSTREAM command.
//
//	→ "zINSTREAM\0"
//	→ chunks: u32 big-endian length + bytes
//	→ zero-length chunk terminates the stream
//	← single NUL-terminated reply line:
//	     "stream: OK"                    → clean
//	     "stream: <signature> FOUND"     → infected
//	     "... ERROR"                     → engine could not scan
//
// The daemon streams content itself rather than passing a path, so clamd
// needs no read access to the watched trees. Dial or session failures map
// to VerdictTransportError (retryable); an ERROR reply maps to
// VerdictScanError (fail-closed).

package scanner

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"
)

const streamChunkSize = 64 << 10

// Clamd scans files through a local clamd daemon.
type Clamd struct {
	socketPath     string
	connectTimeout time.Duration
	scanTimeout    time.Duration
}

// NewClamd creates a Clamd adapter for the given unix socket path.
func NewClamd(socketPath string, connectTimeout, scanTimeout time.Duration) *Clamd {
	return &Clamd{
		socketPath:     socketPath,
		connectTimeout: connectTimeout,
		scanTimeout:    scanTimeout,
	}
}

// Scan implements Scanner.
func (c *Clamd) Scan(ctx context.Context, path string) (Outcome, error) {
	f, err := os.Open(path)
	if err != nil {
		// The file vanished or became unreadable between dispatch and
		// scan; the pipeline re-stats and treats this as transient.
		return Outcome{Verdict: VerdictTransportError}, nil
	}
	defer f.Close()

	d := net.Dialer{Timeout: c.connectTimeout}
	conn, err := d.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return Outcome{Verdict: VerdictTransportError}, nil
	}
	defer conn.Close()

	deadline := time.Now().Add(c.scanTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	_ = conn.SetDeadline(deadline)

	if _, err := conn.Write([]byte("zINSTREAM\x00")); err != nil {
		return Outcome{Verdict: VerdictTransportError}, nil
	}

	if err := streamFile(conn, f); err != nil {
		return Outcome{Verdict: VerdictTransportError}, nil
	}

	reply, err := readReply(conn)
	if err != nil {
		return Outcome{Verdict: VerdictTransportError}, nil
	}

	return parseReply(reply), nil
}

// streamFile writes the file as length-prefixed chunks followed by the
// zero-length terminator.
func streamFile(conn net.Conn, f *os.File) error {
	buf := make([]byte, streamChunkSize)
	var hdr [4]byte
	for {
		n, err := f.Read(buf)
		if n > 0 {
			binary.BigEndian.PutUint32(hdr[:], uint32(n))
			if _, werr := conn.Write(hdr[:]); werr != nil {
				return werr
			}
			if _, werr := conn.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
	}
	binary.BigEndian.PutUint32(hdr[:], 0)
	_, err := conn.Write(hdr[:])
	return err
}

// readReply reads the NUL- or newline-terminated reply line.
func readReply(conn net.Conn) (string, error) {
	var out []byte
	buf := make([]byte, 512)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			out = append(out, buf[:n]...)
			if i := indexTerminator(out); i >= 0 {
				return string(out[:i]), nil
			}
		}
		if err == io.EOF {
			if len(out) > 0 {
				return string(out), nil
			}
			return "", fmt.Errorf("clamd: empty reply")
		}
		if err != nil {
			return "", err
		}
	}
}

func indexTerminator(b []byte) int {
	for i, c := range b {
		if c == 0 || c == '\n' {
			return i
		}
	}
	return -1
}

// parseReply maps a clamd reply line to an Outcome.
func parseReply(reply string) Outcome {
	reply = strings.TrimSpace(reply)
	switch {
	case strings.HasSuffix(reply, " OK"):
		return Outcome{Verdict: VerdictClean}
	case strings.HasSuffix(reply, " FOUND"):
		sig := strings.TrimSuffix(reply, " FOUND")
		if i := strings.Index(sig, ": "); i >= 0 {
			sig = sig[i+2:]
		}
		if len(sig) > MaxSignatureLen {
			sig = sig[:MaxSignatureLen]
		}
		return Outcome{Verdict: VerdictInfected, Signature: sig}
	case strings.HasSuffix(reply, " ERROR"):
		return Outcome{Verdict: VerdictScanError}
	default:
		// Unrecognised reply: treat as a broken session.
		return Outcome{Verdict: VerdictTransportError}
	}
}
