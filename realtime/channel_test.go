package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// testServer wraps an httptest server that upgrades requests to websocket
// connections and records what the client sends.
type testServer struct {
	t        *testing.T
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conns    []*websocket.Conn
	closed   int
	inbound  []Envelope
	authSeen []string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	ts := &testServer{t: t}
	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts.mu.Lock()
		ts.authSeen = append(ts.authSeen, r.Header.Get("Authorization"))
		ts.mu.Unlock()

		conn, err := ts.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ts.mu.Lock()
		ts.conns = append(ts.conns, conn)
		ts.mu.Unlock()

		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				ts.mu.Lock()
				ts.closed++
				ts.mu.Unlock()
				return
			}
			envelope, err := DecodeEnvelope(raw)
			if err != nil {
				continue
			}
			ts.mu.Lock()
			ts.inbound = append(ts.inbound, envelope)
			ts.mu.Unlock()
		}
	}))
	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) url() string {
	return "ws" + strings.TrimPrefix(ts.server.URL, "http")
}

func (ts *testServer) lastConn() *websocket.Conn {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if len(ts.conns) == 0 {
		ts.t.Fatal("no websocket connection accepted")
	}
	return ts.conns[len(ts.conns)-1]
}

func (ts *testServer) connCount() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.conns)
}

func (ts *testServer) push(t *testing.T, envelope Envelope) {
	t.Helper()
	raw, err := json.Marshal(envelope)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	if err := ts.lastConn().WriteMessage(websocket.TextMessage, raw); err != nil {
		t.Fatalf("push envelope: %v", err)
	}
}

func (ts *testServer) waitInbound(t *testing.T, want int) []Envelope {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		ts.mu.Lock()
		if len(ts.inbound) >= want {
			got := make([]Envelope, len(ts.inbound))
			copy(got, ts.inbound)
			ts.mu.Unlock()
			return got
		}
		ts.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("server never received %d frames", want)
	return nil
}

func newTestChannel(t *testing.T, url string) *Channel {
	t.Helper()
	channel, err := NewChannel(ChannelOptions{URL: url})
	if err != nil {
		t.Fatalf("NewChannel: %v", err)
	}
	t.Cleanup(channel.Disconnect)
	return channel
}

func waitState(t *testing.T, channel *Channel, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if channel.State() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("channel state = %s, want %s", channel.State(), want)
}

func TestConnectSendsBearerAndReachesConnected(t *testing.T) {
	server := newTestServer(t)
	channel := newTestChannel(t, server.url())

	if channel.State() != StateDisconnected {
		t.Fatalf("initial state = %s, want %s", channel.State(), StateDisconnected)
	}

	if err := channel.Connect(context.Background(), "token-1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if channel.State() != StateConnected {
		t.Fatalf("state after connect = %s, want %s", channel.State(), StateConnected)
	}

	server.mu.Lock()
	auth := server.authSeen[0]
	server.mu.Unlock()
	if auth != "Bearer token-1" {
		t.Fatalf("Authorization = %q, want bearer token", auth)
	}
}

func TestConnectRejectsEmptyToken(t *testing.T) {
	server := newTestServer(t)
	channel := newTestChannel(t, server.url())

	if err := channel.Connect(context.Background(), ""); err == nil {
		t.Fatal("Connect accepted empty access token")
	}
	if channel.State() != StateDisconnected {
		t.Fatalf("state = %s, want %s", channel.State(), StateDisconnected)
	}
}

func TestEmitWritesEnvelopeWithConversationScope(t *testing.T) {
	server := newTestServer(t)
	channel := newTestChannel(t, server.url())

	if err := channel.Connect(context.Background(), "token-1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	err := channel.Emit(CommandSendMessage, "conv-1", SendPayload{Content: "hello"})
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}

	frames := server.waitInbound(t, 1)
	if frames[0].Type != CommandSendMessage || frames[0].ConversationID != "conv-1" {
		t.Fatalf("server saw %+v", frames[0])
	}
	var payload SendPayload
	if err := json.Unmarshal(frames[0].Payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Content != "hello" {
		t.Fatalf("payload content = %q", payload.Content)
	}
}

func TestEmitWhileDisconnectedFails(t *testing.T) {
	server := newTestServer(t)
	channel := newTestChannel(t, server.url())

	err := channel.Emit(CommandTyping, "conv-1", TypingPayload{IsTyping: true})
	if err != ErrNotConnected {
		t.Fatalf("Emit error = %v, want ErrNotConnected", err)
	}
}

func TestInboundEventsReachMatchingSubscribers(t *testing.T) {
	server := newTestServer(t)
	channel := newTestChannel(t, server.url())

	received := make(chan Envelope, 4)
	channel.Subscribe(EventMessage, func(envelope Envelope) {
		received <- envelope
	})
	typingSeen := make(chan Envelope, 4)
	channel.Subscribe(EventTyping, func(envelope Envelope) {
		typingSeen <- envelope
	})

	if err := channel.Connect(context.Background(), "token-1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	server.push(t, Envelope{Type: EventMessage, ConversationID: "conv-1"})

	select {
	case envelope := <-received:
		if envelope.ConversationID != "conv-1" {
			t.Fatalf("dispatched envelope = %+v", envelope)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message subscriber never ran")
	}

	select {
	case envelope := <-typingSeen:
		t.Fatalf("typing subscriber received %+v for a message event", envelope)
	default:
	}
}

func TestClosedSubscriptionStopsDelivery(t *testing.T) {
	server := newTestServer(t)
	channel := newTestChannel(t, server.url())

	received := make(chan Envelope, 4)
	sub := channel.Subscribe(EventMessage, func(envelope Envelope) {
		received <- envelope
	})

	if err := channel.Connect(context.Background(), "token-1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	sub.Close()
	sub.Close() // closing twice must be safe

	server.push(t, Envelope{Type: EventMessage, ConversationID: "conv-1"})
	time.Sleep(100 * time.Millisecond)

	select {
	case envelope := <-received:
		t.Fatalf("closed subscription received %+v", envelope)
	default:
	}
}

func TestSecondConnectTearsDownPriorConnection(t *testing.T) {
	server := newTestServer(t)
	channel := newTestChannel(t, server.url())

	if err := channel.Connect(context.Background(), "token-1"); err != nil {
		t.Fatalf("first Connect: %v", err)
	}

	if err := channel.Connect(context.Background(), "token-2"); err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	if server.connCount() != 2 {
		t.Fatalf("server accepted %d connections, want 2", server.connCount())
	}
	if channel.State() != StateConnected {
		t.Fatalf("state = %s, want %s", channel.State(), StateConnected)
	}

	// The first connection was closed by the client; its server-side read
	// loop observes the teardown.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		server.mu.Lock()
		closed := server.closed
		server.mu.Unlock()
		if closed >= 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("first connection was never closed")
}

func TestConcurrentConnectsKeepOneLiveConnection(t *testing.T) {
	server := newTestServer(t)
	channel := newTestChannel(t, server.url())

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = channel.Connect(context.Background(), "token-1")
		}()
	}
	wg.Wait()

	if channel.State() != StateConnected {
		t.Fatalf("state = %s, want %s", channel.State(), StateConnected)
	}

	// Every accepted connection but the surviving one was closed client-side.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		server.mu.Lock()
		accepted, closed := len(server.conns), server.closed
		server.mu.Unlock()
		if closed >= accepted-1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	server.mu.Lock()
	defer server.mu.Unlock()
	t.Fatalf("%d connections accepted but only %d closed", len(server.conns), server.closed)
}

func TestTransportFailureDisconnectsAndSurfacesError(t *testing.T) {
	server := newTestServer(t)
	channel := newTestChannel(t, server.url())

	if err := channel.Connect(context.Background(), "token-1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	_ = server.lastConn().Close()

	waitState(t, channel, StateDisconnected)
	select {
	case err := <-channel.Errors():
		if err == nil {
			t.Fatal("nil transport error reported")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("transport error never surfaced")
	}
}

func TestSubscriptionsSurviveReconnect(t *testing.T) {
	server := newTestServer(t)
	channel := newTestChannel(t, server.url())

	received := make(chan Envelope, 4)
	channel.Subscribe(EventReadReceipt, func(envelope Envelope) {
		received <- envelope
	})

	if err := channel.Connect(context.Background(), "token-1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	channel.Disconnect()
	if err := channel.Connect(context.Background(), "token-1"); err != nil {
		t.Fatalf("reconnect: %v", err)
	}

	server.push(t, Envelope{Type: EventReadReceipt, ConversationID: "conv-9"})

	select {
	case envelope := <-received:
		if envelope.ConversationID != "conv-9" {
			t.Fatalf("dispatched envelope = %+v", envelope)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber never ran after reconnect")
	}
}
