package subscriptions

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/SanteonNL/orca/subscriptionengine/lib/logging"
	"github.com/juju/clock"
	"github.com/rs/zerolog/log"
)

// Session is a live socket connection of a subscriber.
type Session interface {
	Send(ctx context.Context, message string) error
	Close() error
}

// BoundMessage is sent on a session when it is bound to a subscription.
func BoundMessage(subscriptionID string) string {
	return "bound " + subscriptionID
}

// PingMessage is sent on a session for every resource that matched the subscription.
func PingMessage(subscriptionID string) string {
	return "ping " + subscriptionID
}

type boundSession struct {
	session  Session
	openedAt time.Time
}

func NewSessionTable(clk clock.Clock) *SessionTable {
	return &SessionTable{
		clock:    clk,
		sessions: map[string]boundSession{},
	}
}

// SessionTable binds subscriptions to at most one live socket session each.
type SessionTable struct {
	clock    clock.Clock
	mux      sync.Mutex
	sessions map[string]boundSession
}

// Bind acknowledges the binding on the session and makes it the session for the subscription.
// A session previously bound to the subscription is closed.
// If the acknowledgement can't be sent, the session is closed and not bound.
func (t *SessionTable) Bind(ctx context.Context, subscriptionID string, session Session) error {
	if err := session.Send(ctx, BoundMessage(subscriptionID)); err != nil {
		_ = session.Close()
		return fmt.Errorf("bind session (subscription=%s): %w", subscriptionID, err)
	}
	t.mux.Lock()
	previous, hadPrevious := t.sessions[subscriptionID]
	t.sessions[subscriptionID] = boundSession{session: session, openedAt: t.clock.Now()}
	t.mux.Unlock()
	if hadPrevious && previous.session != session {
		log.Ctx(ctx).Debug().
			Str(logging.FieldSubscriptionID, subscriptionID).
			Msgf("Socket session superseded (opened at %s)", previous.openedAt.Format(time.RFC3339))
		if err := previous.session.Close(); err != nil {
			log.Ctx(ctx).Debug().Err(err).Str(logging.FieldSubscriptionID, subscriptionID).Msg("Failed to close superseded socket session")
		}
	}
	return nil
}

// Unbind removes the session from the table, if it is still the session bound to the subscription.
// It does not close the session.
func (t *SessionTable) Unbind(subscriptionID string, session Session) bool {
	t.mux.Lock()
	defer t.mux.Unlock()
	current, ok := t.sessions[subscriptionID]
	if !ok || current.session != session {
		return false
	}
	delete(t.sessions, subscriptionID)
	return true
}

// Lookup returns the session bound to the subscription.
func (t *SessionTable) Lookup(subscriptionID string) (Session, bool) {
	t.mux.Lock()
	defer t.mux.Unlock()
	current, ok := t.sessions[subscriptionID]
	return current.session, ok
}

// Len returns the number of bound sessions.
func (t *SessionTable) Len() int {
	t.mux.Lock()
	defer t.mux.Unlock()
	return len(t.sessions)
}

// CloseAll closes and unbinds all sessions.
func (t *SessionTable) CloseAll() {
	t.mux.Lock()
	sessions := t.sessions
	t.sessions = map[string]boundSession{}
	t.mux.Unlock()
	for _, current := range sessions {
		_ = current.session.Close()
	}
}

func (t *SessionTable) evict(subscriptionID string, session Session) {
	t.Unbind(subscriptionID, session)
	_ = session.Close()
}

var _ Channel = SocketChannel{}

// SocketChannel delivers pings to the socket session bound to the subscription.
// Without a bound session, delivery is skipped.
type SocketChannel struct {
	Sessions *SessionTable
}

func (s SocketChannel) Deliver(ctx context.Context, subscription Subscription, _ MatchedResource) Result {
	session, ok := s.Sessions.Lookup(subscription.ID)
	if !ok {
		return Skipped("no-session")
	}
	if err := session.Send(ctx, PingMessage(subscription.ID)); err != nil {
		s.Sessions.evict(subscription.ID, session)
		return Failed(fmt.Sprintf("socket send: %s", err))
	}
	return Delivered()
}
