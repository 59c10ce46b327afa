package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mimir-im/mimir/internal/engine"
	"github.com/mimir-im/mimir/internal/mirror"
	"github.com/mimir-im/mimir/internal/outbox"
	"github.com/mimir-im/mimir/internal/roster"
	"github.com/mimir-im/mimir/internal/store"
	"github.com/mimir-im/mimir/internal/transport"
	"go.uber.org/zap"
)

// submitTimeout bounds how long a direct submission waits for the
// transport to confirm before the operation falls back to the outbox.
const submitTimeout = 10 * time.Second

// maxFrameSize bounds one bridge line. Payloads are messenger-sized.
const maxFrameSize = 4 << 20

// Server is the bridge between the sync engine and the external transport
// collaborator. The collaborator connects to a unix socket and exchanges
// line-delimited JSON frames; the server also implements
// transport.Submitter by forwarding operations over the active connection
// with correlated request/response frames.
type Server struct {
	listener   net.Listener
	socketPath string
	logger     *zap.Logger

	mu      sync.Mutex
	eng     *engine.Engine
	conn    net.Conn
	pending map[string]chan submitResultBody
}

// NewServer creates a bridge server bound to the profile's unix socket.
func NewServer(socketPath string, logger *zap.Logger) (*Server, error) {
	// Clean stale socket if it exists.
	if _, err := os.Stat(socketPath); err == nil {
		_ = os.Remove(socketPath)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen unix socket: %w", err)
	}
	if err := os.Chmod(socketPath, 0600); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	return &Server{
		listener:   listener,
		socketPath: socketPath,
		logger:     logger,
		pending:    make(map[string]chan submitResultBody),
	}, nil
}

// Attach binds the engine the bridge dispatches into. Must be called
// before Start.
func (s *Server) Attach(eng *engine.Engine) {
	s.mu.Lock()
	s.eng = eng
	s.mu.Unlock()
}

// Start accepts transport connections. Blocks until the listener closes.
// Only one transport collaborator is active at a time; a new connection
// replaces the previous one.
func (s *Server) Start() error {
	s.logger.Info("bridge listening", zap.String("socket", s.socketPath))
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.adopt(conn)
		go s.serveConn(conn)
	}
}

// Stop closes the listener and removes the socket file.
func (s *Server) Stop(_ context.Context) {
	s.logger.Info("bridge stopping")
	_ = s.listener.Close()
	s.mu.Lock()
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	s.mu.Unlock()
	_ = os.Remove(s.socketPath)
}

func (s *Server) adopt(conn net.Conn) {
	s.mu.Lock()
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.conn = conn
	s.mu.Unlock()
	s.logger.Info("transport connected")
}

func (s *Server) serveConn(conn net.Conn) {
	defer func() {
		s.mu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.mu.Unlock()
		_ = conn.Close()
		s.logger.Info("transport disconnected")
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)
	for scanner.Scan() {
		var frame Frame
		if err := json.Unmarshal(scanner.Bytes(), &frame); err != nil {
			s.logger.Warn("bad frame", zap.Error(err))
			continue
		}
		if err := s.dispatch(conn, &frame); err != nil {
			s.logger.Warn("frame rejected",
				zap.String("type", frame.Type), zap.Error(err))
			s.reply(conn, &Frame{Type: frameError, ID: frame.ID, Body: marshal(errorBody{Message: err.Error()})})
		}
	}
	if err := scanner.Err(); err != nil {
		s.logger.Warn("transport read error", zap.Error(err))
	}
}

func (s *Server) dispatch(conn net.Conn, frame *Frame) error {
	switch frame.Type {
	case frameMessage:
		var b messageBody
		if err := json.Unmarshal(frame.Body, &b); err != nil {
			return err
		}
		return s.eng.OnMessage(&mirror.Record{
			ChatID:       b.ChatID,
			Seq:          b.Seq,
			Guid:         b.Guid,
			SenderPubkey: b.Sender,
			Timestamp:    b.Timestamp,
			Kind:         b.Kind,
			Payload:      b.Payload,
			ReplyTo:      b.ReplyTo,
		})
	case frameMember:
		var b memberBody
		if err := json.Unmarshal(frame.Body, &b); err != nil {
			return err
		}
		_, err := s.eng.OnMemberEvent(b.ChatID, b.Pubkey, b.Nickname, b.Avatar)
		return err
	case frameSystem:
		var b systemBody
		if err := json.Unmarshal(frame.Body, &b); err != nil {
			return err
		}
		return s.eng.OnSystemEvent(b.ChatID, &roster.SystemEvent{
			Type:        roster.SystemEventType(b.Event),
			Actor:       b.Actor,
			Target:      b.Target,
			Permissions: b.Permissions,
			Online:      b.Online,
			Nickname:    b.Nickname,
			ChatName:    b.ChatName,
			TargetGuid:  b.TargetGuid,
		})
	case frameRoster:
		var b rosterBody
		if err := json.Unmarshal(frame.Body, &b); err != nil {
			return err
		}
		members := make([]store.RosterEntry, 0, len(b.Members))
		for _, m := range b.Members {
			members = append(members, store.RosterEntry{
				ChatID:      b.ChatID,
				Pubkey:      m.Pubkey,
				Nickname:    m.Nickname,
				Permissions: m.Permissions,
				Online:      m.Online,
				LastSeen:    m.LastSeen,
				Banned:      m.Banned,
			})
		}
		return s.eng.OnRosterSnapshot(b.ChatID, members)
	case frameAck:
		var b ackBody
		if err := json.Unmarshal(frame.Body, &b); err != nil {
			return err
		}
		return s.eng.OnAck(b.Target, b.Guid, b.Seq)
	case frameRekey:
		var b rekeyBody
		if err := json.Unmarshal(frame.Body, &b); err != nil {
			return err
		}
		return s.eng.OnRekey(b.ChatID, b.OldGuid, b.NewGuid)
	case frameSyncRequest:
		var b syncRequestBody
		if err := json.Unmarshal(frame.Body, &b); err != nil {
			return err
		}
		from, err := s.eng.NextSyncRequest(b.ChatID)
		if err != nil {
			return err
		}
		s.reply(conn, &Frame{
			Type: frameSyncRange,
			ID:   frame.ID,
			Body: marshal(syncRangeBody{ChatID: b.ChatID, From: from}),
		})
		return nil
	case frameSubmitResult:
		var b submitResultBody
		if err := json.Unmarshal(frame.Body, &b); err != nil {
			return err
		}
		s.resolve(frame.ID, b)
		return nil
	default:
		return fmt.Errorf("unknown frame type %q", frame.Type)
	}
}

// Submit forwards one pending operation to the connected transport and
// waits for the correlated submit_result. Implements transport.Submitter.
func (s *Server) Submit(ctx context.Context, op transport.PendingOperation) (uint64, error) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return 0, outbox.ErrNotConnected
	}

	id := uuid.NewString()
	ch := make(chan submitResultBody, 1)
	s.mu.Lock()
	s.pending[id] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	s.reply(conn, &Frame{
		Type: frameSubmit,
		ID:   id,
		Body: marshal(submitBody{
			Target:  op.Target,
			Guid:    op.Guid,
			Op:      op.Op,
			Payload: op.Payload,
			Emoji:   op.Emoji,
			ReplyTo: op.ReplyTo,
		}),
	})

	timer := time.NewTimer(submitTimeout)
	defer timer.Stop()
	select {
	case result := <-ch:
		if result.Error != "" {
			return 0, errors.New(result.Error)
		}
		return result.Seq, nil
	case <-timer.C:
		return 0, fmt.Errorf("submit %s: confirmation timeout", op.Guid)
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (s *Server) resolve(id string, result submitResultBody) {
	s.mu.Lock()
	ch := s.pending[id]
	s.mu.Unlock()
	if ch == nil {
		s.logger.Warn("unmatched submit result", zap.String("id", id))
		return
	}
	ch <- result
}

func (s *Server) reply(conn net.Conn, frame *Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		s.logger.Error("failed to encode frame", zap.Error(err))
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Write(append(data, '\n')); err != nil {
		s.logger.Warn("failed to write frame", zap.Error(err))
	}
}

func marshal(v any) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}
