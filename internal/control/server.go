// Package control — server.go
//
// Unix domain socket server for the Sentinel desktop client.
//
// Protocol: newline-delimited JSON over a unix stream socket.
// Socket path: /tmp/sentinel_gui.sock (configurable).
// Permissions: 0666 — unprivileged desktop processes must connect; the
// domain is inherently local with no network exposure.
//
// Inbound commands:
//
//	{"action":"restore","id":"<entry-id>"}
//	  → engine restore, then a "restore" event is broadcast carrying the
//	    entry's original path.
//	{"action":"delete","id":"<entry-id>"}
//	  → engine delete, then a "delete" event is broadcast.
//	{"action":"sync_state"}
//	  → one sync_entry record per live manifest entry followed by one
//	    sync_complete, sent to the requesting client only.
//
// Malformed or unknown inbound messages are dropped with a warning; the
// connection stays open. A crash is never an acceptable response to
// client input.
//
// Delivery:
//   - Per client, records appear in broadcast/send order; all writes are
//     serialised under the slot lock.
//   - A write that cannot start within the stall deadline drops that
//     one record for that client (omission, never reordering). A write
//     that stalls after sending part of a record closes that client slot,
//     since its stream no longer holds whole lines.
//   - Broken pipe / connection reset closes the client slot; the server
//     keeps running.
//
// Capacity:
//   - Max concurrent clients: 8 (configurable); surplus accepts are
//     closed immediately with a warning.
//   - Max inbound message: 4 KiB; buffer overflow without a newline
//     resets the read buffer with a warning.

package control

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sentinel-ep/sentinel/internal/quarantine"
)

const (
	// DefaultMaxClients caps concurrent client connections.
	DefaultMaxClients = 8

	// maxMessageBytes bounds a single inbound message.
	maxMessageBytes = 4096

	// writeStallTimeout is how long a client write may block before the
	// record is dropped for that client.
	writeStallTimeout = 1 * time.Second
)

// Handler is the capability through which client commands reach the
// quarantine engine. Held by reference; the server owns no engine state.
type Handler interface {
	// Restore returns the removed entry on success.
	Restore(id string) (quarantine.Entry, error)

	// Delete returns the removed entry on success.
	Delete(id string) (quarantine.Entry, error)

	// Manifest returns a snapshot of the live entries.
	Manifest() []quarantine.Entry
}

// DropCounter receives a tick each time a stalled client write drops a
// record. Optional; may be nil.
type DropCounter interface {
	Inc()
}

// Recorder receives a copy of every broadcast record for durable audit.
// Optional; may be nil. Sync replies are never recorded.
type Recorder interface {
	Record(event, filename, threat, details string)
}

type client struct {
	id   int
	conn net.Conn
}

// Server is the local control-plane socket server.
type Server struct {
	socketPath string
	maxClients int
	handler    Handler
	log        *zap.Logger
	drops      DropCounter
	recorder   Recorder

	mu      sync.Mutex
	clients map[int]*client
	nextID  int
	closed  bool

	lis net.Listener
	wg  sync.WaitGroup
}

// NewServer creates a control Server. handler must be non-nil.
func NewServer(socketPath string, maxClients int, handler Handler, log *zap.Logger) *Server {
	if maxClients <= 0 {
		maxClients = DefaultMaxClients
	}
	return &Server{
		socketPath: socketPath,
		maxClients: maxClients,
		handler:    handler,
		log:        log,
		clients:    make(map[int]*client),
	}
}

// SetDropCounter attaches an optional metric for stalled-write drops.
func (s *Server) SetDropCounter(c DropCounter) {
	s.drops = c
}

// SetRecorder attaches an optional audit sink for broadcast records.
func (s *Server) SetRecorder(r Recorder) {
	s.recorder = r
}

// Start unlinks any stale socket, binds, sets permissions, and begins
// accepting clients in a background goroutine.
func (s *Server) Start() error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("control.Start: remove stale socket %q: %w", s.socketPath, err)
	}

	lis, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("control.Start: listen %q: %w", s.socketPath, err)
	}

	if err := os.Chmod(s.socketPath, 0o666); err != nil {
		_ = lis.Close()
		return fmt.Errorf("control.Start: chmod %q: %w", s.socketPath, err)
	}

	s.lis = lis
	s.log.Info("control socket listening", zap.String("path", s.socketPath))

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Close stops accepting, disconnects every client, and unlinks the
// socket path.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.clients = make(map[int]*client)
	s.mu.Unlock()

	if s.lis != nil {
		_ = s.lis.Close()
	}
	for _, c := range clients {
		_ = c.conn.Close()
	}
	s.wg.Wait()
	_ = os.Remove(s.socketPath)
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// acceptLoop admits clients up to the configured cap.
func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.lis.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}
			s.log.Error("control: accept error", zap.Error(err))
			continue
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = conn.Close()
			return
		}
		if len(s.clients) >= s.maxClients {
			s.mu.Unlock()
			s.log.Warn("control: client limit reached, rejecting",
				zap.Int("max_clients", s.maxClients))
			_ = conn.Close()
			continue
		}
		s.nextID++
		c := &client{id: s.nextID, conn: conn}
		s.clients[c.id] = c
		s.mu.Unlock()

		s.log.Info("control: client connected", zap.Int("client", c.id))
		s.wg.Add(1)
		go s.readLoop(c)
	}
}

// readLoop accumulates inbound bytes for one client and dispatches each
// newline-delimited message. Buffer overflow without a newline resets the
// buffer with a warning rather than killing the connection.
func (s *Server) readLoop(c *client) {
	defer s.wg.Done()
	defer s.dropClient(c, "disconnected")

	buf := make([]byte, 0, maxMessageBytes)
	chunk := make([]byte, 1024)
	for {
		n, err := c.conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			for {
				i := indexByte(buf, '\n')
				if i < 0 {
					break
				}
				line := buf[:i]
				buf = buf[i+1:]
				if len(line) > 0 {
					s.dispatch(c, line)
				}
			}
			if len(buf) > maxMessageBytes {
				s.log.Warn("control: message too long, resetting buffer",
					zap.Int("client", c.id), zap.Int("bytes", len(buf)))
				buf = buf[:0]
			}
		}
		if err != nil {
			return
		}
	}
}

func indexByte(b []byte, sep byte) int {
	for i, c := range b {
		if c == sep {
			return i
		}
	}
	return -1
}

// dispatch parses and executes one inbound command. Parse failures and
// missing fields drop the message with a warning.
func (s *Server) dispatch(c *client, line []byte) {
	var cmd Command
	if err := json.Unmarshal(line, &cmd); err != nil {
		s.log.Warn("control: malformed command dropped",
			zap.Int("client", c.id), zap.Error(err))
		return
	}

	switch cmd.Action {
	case "restore":
		if cmd.ID == "" {
			s.log.Warn("control: restore without id dropped", zap.Int("client", c.id))
			return
		}
		entry, err := s.handler.Restore(cmd.ID)
		if err != nil {
			s.log.Warn("control: restore failed",
				zap.String("id", cmd.ID), zap.Error(err))
			s.Broadcast(EventStatus, "", "", fmt.Sprintf("Restore failed: %v", err))
			return
		}
		s.Broadcast(EventRestore, entry.OriginalPath, entry.ThreatName, "Restored from quarantine")

	case "delete":
		if cmd.ID == "" {
			s.log.Warn("control: delete without id dropped", zap.Int("client", c.id))
			return
		}
		entry, err := s.handler.Delete(cmd.ID)
		if err != nil {
			s.log.Warn("control: delete failed",
				zap.String("id", cmd.ID), zap.Error(err))
			s.Broadcast(EventStatus, "", "", fmt.Sprintf("Delete failed: %v", err))
			return
		}
		s.Broadcast(EventDelete, entry.OriginalPath, entry.ThreatName, "Deleted from quarantine")

	case "sync_state":
		s.syncState(c)

	default:
		s.log.Warn("control: unknown action dropped",
			zap.Int("client", c.id), zap.String("action", cmd.Action))
	}
}

// syncState sends the full manifest snapshot to one client: one
// sync_entry per live entry, then a single sync_complete.
func (s *Server) syncState(c *client) {
	entries := s.handler.Manifest()
	for _, e := range entries {
		s.sendTo(c, SyncEntry{
			Event:          EventSyncEntry,
			ID:             e.ID,
			Filename:       e.OriginalPath,
			OriginalPath:   e.OriginalPath,
			QuarantinePath: e.QuarantinePath,
			Threat:         e.ThreatName,
			Timestamp:      e.Timestamp,
		})
	}
	s.sendTo(c, SyncComplete{Event: EventSyncComplete, Count: len(entries)})
	s.log.Info("control: state sync sent",
		zap.Int("client", c.id), zap.Int("entries", len(entries)))
}

// Broadcast composes a timestamped record and writes it to every
// connected client.
func (s *Server) Broadcast(event, filename, threat, details string) {
	rec := Record{
		Event:     event,
		Filename:  filename,
		Threat:    threat,
		Details:   details,
		Timestamp: time.Now().Format("2006-01-02T15:04:05"),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		s.log.Error("control: record marshal failed", zap.Error(err))
		return
	}
	data = append(data, '\n')

	if s.recorder != nil {
		s.recorder.Record(event, filename, threat, details)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.clients {
		s.writeLocked(c, data)
	}
}

// sendTo writes one pre-formed record to a single client.
func (s *Server) sendTo(c *client, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.log.Error("control: record marshal failed", zap.Error(err))
		return
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[c.id]; !ok {
		return
	}
	s.writeLocked(c, data)
}

// writeLocked writes one framed record to a client. Called with the slot
// lock held. A stalled write that sent nothing drops this record for this
// client only; a partial write or a transport error removes the slot.
func (s *Server) writeLocked(c *client, data []byte) {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeStallTimeout))
	n, err := c.conn.Write(data)
	_ = c.conn.SetWriteDeadline(time.Time{})
	if err == nil {
		return
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() && n == 0 {
		if s.drops != nil {
			s.drops.Inc()
		}
		s.log.Warn("control: slow client, record dropped", zap.Int("client", c.id))
		return
	}
	// Torn record, broken pipe, reset, or closed connection: reap the slot.
	delete(s.clients, c.id)
	_ = c.conn.Close()
	s.log.Info("control: client disconnected on write", zap.Int("client", c.id))
}

// dropClient removes a client slot after its read loop ends.
func (s *Server) dropClient(c *client, why string) {
	s.mu.Lock()
	_, present := s.clients[c.id]
	delete(s.clients, c.id)
	s.mu.Unlock()
	_ = c.conn.Close()
	if present {
		s.log.Info("control: client "+why, zap.Int("client", c.id))
	}
}
