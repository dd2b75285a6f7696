package control

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/sentinel-ep/sentinel/internal/quarantine"
)

// fakeHandler is a canned Handler for server tests.
type fakeHandler struct {
	entries    []quarantine.Entry
	restoreErr error
	deleteErr  error
}

func (h *fakeHandler) Restore(id string) (quarantine.Entry, error) {
	if h.restoreErr != nil {
		return quarantine.Entry{}, h.restoreErr
	}
	for _, e := range h.entries {
		if e.ID == id {
			return e, nil
		}
	}
	return quarantine.Entry{}, quarantine.ErrNotFound
}

func (h *fakeHandler) Delete(id string) (quarantine.Entry, error) {
	if h.deleteErr != nil {
		return quarantine.Entry{}, h.deleteErr
	}
	for _, e := range h.entries {
		if e.ID == id {
			return e, nil
		}
	}
	return quarantine.Entry{}, quarantine.ErrNotFound
}

func (h *fakeHandler) Manifest() []quarantine.Entry {
	return h.entries
}

func startServer(t *testing.T, h Handler) (*Server, string) {
	t.Helper()
	sock := filepath.Join(t.TempDir(), "gui.sock")
	s := NewServer(sock, 2, h, zap.NewNop())
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(s.Close)
	return s, sock
}

func dialAndWait(t *testing.T, s *Server, sock string) net.Conn {
	t.Helper()
	before := s.ClientCount()
	conn, err := net.Dial("unix", sock)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.ClientCount() > before {
			return conn
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("server did not register client")
	return nil
}

func readRecord(t *testing.T, r *bufio.Reader) map[string]any {
	t.Helper()
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read record: %v", err)
	}
	if !strings.HasSuffix(line, "\n") || strings.Count(line, "\n") != 1 {
		t.Fatalf("record not newline-framed: %q", line)
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(line), &m); err != nil {
		t.Fatalf("record not valid JSON: %v (%q)", err, line)
	}
	return m
}

func TestBroadcast_ReachesClient(t *testing.T) {
	s, sock := startServer(t, &fakeHandler{})
	conn := dialAndWait(t, s, sock)
	r := bufio.NewReader(conn)

	s.Broadcast(EventScanClean, "/tmp/test_clean.txt", "", "")

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	rec := readRecord(t, r)
	if rec["event"] != EventScanClean {
		t.Errorf("event = %v, want scan_clean", rec["event"])
	}
	if rec["filename"] != "/tmp/test_clean.txt" {
		t.Errorf("filename = %v", rec["filename"])
	}
	if rec["timestamp"] == "" {
		t.Error("timestamp missing")
	}
}

func TestSyncState_BatchToRequesterOnly(t *testing.T) {
	h := &fakeHandler{entries: []quarantine.Entry{
		{ID: "id-1", OriginalPath: "/tmp/a.bin", QuarantinePath: "/opt/quarantine/id-1_a.bin", ThreatName: "Threat.A", Timestamp: 1710000000},
		{ID: "id-2", OriginalPath: "/tmp/b.bin", QuarantinePath: "/opt/quarantine/id-2_b.bin", ThreatName: "Threat.B", Timestamp: 1710000001},
	}}
	s, sock := startServer(t, h)

	requester := dialAndWait(t, s, sock)
	bystander := dialAndWait(t, s, sock)

	if _, err := requester.Write([]byte(`{"action":"sync_state"}` + "\n")); err != nil {
		t.Fatal(err)
	}

	r := bufio.NewReader(requester)
	_ = requester.SetReadDeadline(time.Now().Add(2 * time.Second))

	for i, want := range h.entries {
		rec := readRecord(t, r)
		if rec["event"] != EventSyncEntry {
			t.Fatalf("record %d: event = %v, want sync_entry", i, rec["event"])
		}
		if rec["id"] != want.ID || rec["original_path"] != want.OriginalPath {
			t.Errorf("record %d mismatch: %v", i, rec)
		}
		if rec["timestamp"] != float64(want.Timestamp) {
			t.Errorf("record %d timestamp = %v, want %d", i, rec["timestamp"], want.Timestamp)
		}
	}

	done := readRecord(t, r)
	if done["event"] != EventSyncComplete {
		t.Fatalf("batch not terminated by sync_complete: %v", done)
	}
	if done["count"] != float64(len(h.entries)) {
		t.Errorf("count = %v, want %d", done["count"], len(h.entries))
	}

	// The bystander must receive nothing.
	_ = bystander.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	buf := make([]byte, 1)
	if _, err := bystander.Read(buf); err == nil {
		t.Error("sync batch leaked to a non-requesting client")
	}
}

func TestRestoreCommand_BroadcastsOriginalPath(t *testing.T) {
	h := &fakeHandler{entries: []quarantine.Entry{
		{ID: "id-9", OriginalPath: "/tmp/eicar.com", ThreatName: "Eicar-Test-Signature"},
	}}
	s, sock := startServer(t, h)
	conn := dialAndWait(t, s, sock)
	r := bufio.NewReader(conn)

	if _, err := conn.Write([]byte(`{"action":"restore","id":"id-9"}` + "\n")); err != nil {
		t.Fatal(err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	rec := readRecord(t, r)
	if rec["event"] != EventRestore {
		t.Fatalf("event = %v, want restore", rec["event"])
	}
	if rec["filename"] != "/tmp/eicar.com" {
		t.Errorf("restore broadcast carries %v, want original path", rec["filename"])
	}
}

func TestRestoreCommand_FailureBecomesStatus(t *testing.T) {
	h := &fakeHandler{restoreErr: errors.New("disk gone")}
	s, sock := startServer(t, h)
	conn := dialAndWait(t, s, sock)
	r := bufio.NewReader(conn)

	if _, err := conn.Write([]byte(`{"action":"restore","id":"x"}` + "\n")); err != nil {
		t.Fatal(err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	rec := readRecord(t, r)
	if rec["event"] != EventStatus {
		t.Fatalf("event = %v, want status", rec["event"])
	}
	if !strings.Contains(rec["details"].(string), "Restore failed") {
		t.Errorf("details = %v", rec["details"])
	}
}

func TestMalformedCommand_DroppedConnectionSurvives(t *testing.T) {
	s, sock := startServer(t, &fakeHandler{})
	conn := dialAndWait(t, s, sock)
	r := bufio.NewReader(conn)

	// Garbage, a record without action, then a valid command.
	payload := "this is not json\n" + `{"id":"only"}` + "\n" + `{"action":"sync_state"}` + "\n"
	if _, err := conn.Write([]byte(payload)); err != nil {
		t.Fatal(err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	rec := readRecord(t, r)
	if rec["event"] != EventSyncComplete {
		t.Fatalf("expected sync_complete after malformed input, got %v", rec)
	}
}

func TestAccept_ClientLimit(t *testing.T) {
	s, sock := startServer(t, &fakeHandler{}) // maxClients = 2
	_ = dialAndWait(t, s, sock)
	_ = dialAndWait(t, s, sock)

	extra, err := net.Dial("unix", sock)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer extra.Close()

	// The surplus connection is closed immediately: the next read sees EOF.
	_ = extra.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := extra.Read(buf); err == nil {
		t.Error("surplus client was not closed")
	}
	if n := s.ClientCount(); n != 2 {
		t.Errorf("client count = %d, want 2", n)
	}
}

func TestClose_UnlinksSocket(t *testing.T) {
	h := &fakeHandler{}
	sock := filepath.Join(t.TempDir(), "gui.sock")
	s := NewServer(sock, 2, h, zap.NewNop())
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	s.Close()
	if _, err := net.Dial("unix", sock); err == nil {
		t.Error("socket still accepting after Close")
	}

	// A stale socket file from a previous run must not block a restart.
	if err := os.WriteFile(sock, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	s2 := NewServer(sock, 2, h, zap.NewNop())
	if err := s2.Start(); err != nil {
		t.Fatalf("restart over stale path failed: %v", err)
	}
	s2.Close()
}

func TestBroadcast_ManyRecordsInOrder(t *testing.T) {
	s, sock := startServer(t, &fakeHandler{})
	conn := dialAndWait(t, s, sock)
	r := bufio.NewReader(conn)

	const n = 50
	for i := 0; i < n; i++ {
		s.Broadcast(EventStatus, "", "", fmt.Sprintf("tick %03d", i))
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for i := 0; i < n; i++ {
		rec := readRecord(t, r)
		if want := fmt.Sprintf("tick %03d", i); rec["details"] != want {
			t.Fatalf("record %d out of order: got %v want %q", i, rec["details"], want)
		}
	}
}
