package socket

import (
	"context"
	"sync"
	"time"

	"github.com/SanteonNL/orca/subscriptionengine/subscriptions"
	"github.com/gorilla/websocket"
)

var _ subscriptions.Session = &session{}

func newSession(conn *websocket.Conn, writeTimeout time.Duration) *session {
	return &session{conn: conn, writeTimeout: writeTimeout}
}

// session serializes writes to a websocket connection, which supports one concurrent writer only.
type session struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	mux          sync.Mutex
	closed       bool
}

func (s *session) Send(ctx context.Context, message string) error {
	s.mux.Lock()
	defer s.mux.Unlock()
	if s.closed {
		return websocket.ErrCloseSent
	}
	deadline := time.Now().Add(s.writeTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, []byte(message))
}

// Close sends a close frame and closes the connection. Subsequent calls are no-ops.
func (s *session) Close() error {
	s.mux.Lock()
	defer s.mux.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return s.conn.Close()
}
