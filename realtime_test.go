package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"
)

// ============================================================================
// Test Helpers
// ============================================================================

func mustEncode(t *testing.T, ev Event) []byte {
	t.Helper()
	data, err := EncodeEvent(ev)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return data
}

// eventSink collects transport callbacks.
type eventSink struct {
	events chan Event
	mu     sync.Mutex
	states []RealtimeState
}

func newEventSink() *eventSink {
	return &eventSink{events: make(chan Event, 16)}
}

func (s *eventSink) onEvent(ev Event) { s.events <- ev }

func (s *eventSink) onState(st RealtimeState) {
	s.mu.Lock()
	s.states = append(s.states, st)
	s.mu.Unlock()
}

func (s *eventSink) sawState(st RealtimeState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, x := range s.states {
		if x == st {
			return true
		}
	}
	return false
}

func (s *eventSink) next(t *testing.T) Event {
	t.Helper()
	select {
	case ev := <-s.events:
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

// serveWS accepts one connection, writes frames, then answers pings until
// the client goes away.
func serveWS(t *testing.T, frames ...[]byte) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close(websocket.StatusInternalError, "")
		ctx := r.Context()

		for _, f := range frames {
			if err := c.Write(ctx, websocket.MessageText, f); err != nil {
				return
			}
		}
		for {
			_, data, err := c.Read(ctx)
			if err != nil {
				return
			}
			var cmd struct {
				Type    string          `json:"type"`
				Payload json.RawMessage `json:"payload"`
			}
			if json.Unmarshal(data, &cmd) == nil && cmd.Type == "ping" {
				pong, _ := json.Marshal(Envelope{Type: "pong", Payload: cmd.Payload})
				c.Write(ctx, websocket.MessageText, pong)
			}
		}
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// ============================================================================
// WSTransport
// ============================================================================

func TestWSTransportDeliversEvents(t *testing.T) {
	ready := mustEncode(t, ConnectionReady{UserID: "u1", GroupIDs: []string{"g1"}})
	live := mustEncode(t, MessageNew{Message: msg("g1", "m1", 1)})
	srv := httptest.NewServer(serveWS(t, ready, []byte(`{broken`), live))
	defer srv.Close()

	log, hook := testLogger()
	ws := NewWSTransport(wsURL(srv), RealtimeConfig{Logger: log})
	sink := newEventSink()

	if err := ws.Connect(context.Background(), sink.onEvent, sink.onState); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer ws.Disconnect()

	if ev, ok := sink.next(t).(ConnectionReady); !ok || ev.UserID != "u1" {
		t.Fatalf("expected readiness first, got %+v", ev)
	}
	if ev, ok := sink.next(t).(MessageNew); !ok || ev.Message.ID != "m1" {
		t.Fatalf("expected message event, got %+v", ev)
	}
	if ws.State() != StateConnected || !sink.sawState(StateConnecting) {
		t.Fatalf("unexpected state: %s", ws.State())
	}

	var warned bool
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel && e.Message == "malformed push frame" {
			warned = true
		}
	}
	if !warned {
		t.Fatal("expected malformed frame to be logged")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := ws.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	ws.Disconnect()
	if ws.State() != StateDisconnected {
		t.Fatalf("expected disconnected, got %s", ws.State())
	}
}

func TestWSTransportRequiresReadiness(t *testing.T) {
	live := mustEncode(t, MessageNew{Message: msg("g1", "m1", 1)})
	srv := httptest.NewServer(serveWS(t, live))
	defer srv.Close()

	log, _ := testLogger()
	ws := NewWSTransport(wsURL(srv), RealtimeConfig{Logger: log})
	sink := newEventSink()

	if err := ws.Connect(context.Background(), sink.onEvent, sink.onState); err == nil {
		ws.Disconnect()
		t.Fatal("expected error without readiness event")
	}
	if ws.State() != StateDisconnected {
		t.Fatalf("expected disconnected, got %s", ws.State())
	}
}

func TestWSTransportReconnects(t *testing.T) {
	var conns atomic.Int32
	ready := mustEncode(t, ConnectionReady{UserID: "u1"})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if conns.Add(1) == 1 {
			c, err := websocket.Accept(w, r, nil)
			if err != nil {
				return
			}
			c.Write(r.Context(), websocket.MessageText, ready)
			c.Close(websocket.StatusGoingAway, "restart")
			return
		}
		serveWS(t, ready)(w, r)
	}))
	defer srv.Close()

	log, _ := testLogger()
	ws := NewWSTransport(wsURL(srv), RealtimeConfig{
		Logger:             log,
		AutoReconnect:      true,
		ReconnectBaseDelay: 10 * time.Millisecond,
		ReconnectMaxDelay:  50 * time.Millisecond,
	})
	sink := newEventSink()

	if err := ws.Connect(context.Background(), sink.onEvent, sink.onState); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer ws.Disconnect()

	sink.next(t)
	if _, ok := sink.next(t).(ConnectionReady); !ok {
		t.Fatal("expected readiness again after reconnect")
	}
	if conns.Load() != 2 {
		t.Fatalf("expected 2 connections, got %d", conns.Load())
	}
	if !sink.sawState(StateReconnecting) {
		t.Fatal("expected a reconnecting state")
	}
}

// ============================================================================
// SSETransport
// ============================================================================

func TestSSETransportDeliversEvents(t *testing.T) {
	ready := mustEncode(t, ConnectionReady{UserID: "u1"})
	update := mustEncode(t, GroupUpdated{Group: grp("g1", 5)})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") != "text/event-stream" {
			http.Error(w, "bad accept", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprintf(w, "data: %s\n\n", ready)
		fmt.Fprint(w, ": keepalive\n\n")
		fmt.Fprint(w, "data: {broken\n\n")
		fmt.Fprintf(w, "data: %s\n\n", update)
		flusher.Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	log, _ := testLogger()
	sse := NewSSETransport(srv.URL, RealtimeConfig{Logger: log})
	sink := newEventSink()

	if err := sse.Connect(context.Background(), sink.onEvent, sink.onState); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if _, ok := sink.next(t).(ConnectionReady); !ok {
		t.Fatal("expected readiness first")
	}
	if ev, ok := sink.next(t).(GroupUpdated); !ok || ev.Group.ID != "g1" {
		t.Fatalf("expected group update, got %+v", ev)
	}

	sse.Disconnect()
	if sse.State() != StateDisconnected {
		t.Fatalf("expected disconnected, got %s", sse.State())
	}
}

func TestSSETransportRejectsHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer srv.Close()

	log, _ := testLogger()
	sse := NewSSETransport(srv.URL, RealtimeConfig{Logger: log})
	err := sse.Connect(context.Background(), func(Event) {}, nil)
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Fatalf("expected HTTP 401 error, got %v", err)
	}
}

func TestReconnectorBackoff(t *testing.T) {
	cfg := RealtimeConfig{ReconnectBaseDelay: 100 * time.Millisecond, ReconnectMaxDelay: time.Second, MaxReconnectAttempts: 3}
	cfg.defaults()
	r := newReconnector(&cfg)

	var last time.Duration
	for i := 1; i <= 3; i++ {
		if !r.shouldReconnect() {
			t.Fatalf("attempt %d should be allowed", i)
		}
		n, d := r.nextDelay()
		if n != i || d > time.Second || d < last {
			t.Fatalf("attempt %d: unexpected delay %v after %v", n, d, last)
		}
		last = d
	}
	if r.shouldReconnect() {
		t.Fatal("expected attempts to be exhausted")
	}
	r.reset()
	if !r.shouldReconnect() {
		t.Fatal("expected reset to allow reconnecting")
	}
}
