package events

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/SanteonNL/orca/subscriptionengine/messaging"
	"github.com/stretchr/testify/require"
)

var _ Type = &unmarshallable{}

type unmarshallable struct{}

func (u unmarshallable) Entity() messaging.Entity {
	return messaging.Entity{}
}

func (u unmarshallable) Instance() Type {
	return unmarshallable{}
}

func (u unmarshallable) MarshalJSON() ([]byte, error) {
	return nil, errors.New("fail")
}

func TestWebhookHandler_Handle(t *testing.T) {
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	tests := map[string]struct {
		event         Type
		expectedError string
		context       context.Context
		handlerFunc   http.HandlerFunc
	}{
		"happy path": {
			event:   StringEvent{"noop"},
			context: context.Background(),
			handlerFunc: func(w http.ResponseWriter, r *http.Request) {
				data, _ := io.ReadAll(r.Body)
				if string(data) != `{"Value":"noop"}` || r.Header.Get("Content-Type") != "application/json" {
					w.WriteHeader(http.StatusBadRequest)
					return
				}
				w.WriteHeader(http.StatusAccepted)
			},
		},
		"context canceled": {
			event:         StringEvent{"noop"},
			context:       cancelled,
			expectedError: "context canceled",
			handlerFunc:   func(w http.ResponseWriter, r *http.Request) {},
		},
		"failed to marshal": {
			event:         unmarshallable{},
			context:       context.Background(),
			expectedError: "failed to serialize event",
			handlerFunc:   func(w http.ResponseWriter, r *http.Request) {},
		},
		"non-2xx status": {
			event:         StringEvent{"noop"},
			context:       context.Background(),
			expectedError: "unexpected status code: 500",
			handlerFunc: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
			},
		},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			server := httptest.NewServer(tt.handlerFunc)
			defer server.Close()

			err := NewWebhookHandler(server.URL, server.Client()).Handle(tt.context, tt.event)

			if tt.expectedError != "" {
				require.ErrorContains(t, err, tt.expectedError)
			} else {
				require.NoError(t, err)
			}
		})
	}
	t.Run("delivered through manager", func(t *testing.T) {
		var received []byte
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			received, _ = io.ReadAll(r.Body)
		}))
		defer server.Close()
		manager := NewManager(messaging.NewMemoryBroker())
		require.NoError(t, manager.Subscribe(StringEvent{}, NewWebhookHandler(server.URL, server.Client()).Handle))

		require.NoError(t, manager.Notify(context.Background(), StringEvent{"hello"}))

		require.JSONEq(t, `{"Value":"hello"}`, string(received))
	})
}
