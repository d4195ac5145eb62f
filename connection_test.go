package chatsync

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

func newTestManager(d Dialer, attempts int) (*ConnectionManager, *Bus) {
	bus := NewBus(zerolog.Nop())
	m := NewConnectionManager(bus, ConnectionConfig{
		Endpoint:             "ws://chat.test/chat",
		MaxReconnectAttempts: attempts,
		ReconnectDelay:       10 * time.Millisecond,
		Dialer:               d,
	}, zerolog.Nop())
	return m, bus
}

func TestConnectionConfigDefaults(t *testing.T) {
	var cfg ConnectionConfig
	cfg.defaults()
	if cfg.MaxReconnectAttempts != 5 {
		t.Errorf("MaxReconnectAttempts = %d, want 5", cfg.MaxReconnectAttempts)
	}
	if cfg.ReconnectDelay != time.Second {
		t.Errorf("ReconnectDelay = %v, want 1s", cfg.ReconnectDelay)
	}
	if _, ok := cfg.Dialer.(WebSocketDialer); !ok {
		t.Errorf("Dialer = %T, want WebSocketDialer", cfg.Dialer)
	}
}

func TestConnectionManager_WebSocket(t *testing.T) {
	type handshake struct{ auth, tenantHeader, tenantQuery string }
	shook := make(chan handshake, 1)
	received := make(chan []byte, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		shook <- handshake{
			auth:         r.Header.Get("Authorization"),
			tenantHeader: r.Header.Get("X-Tenant-ID"),
			tenantQuery:  r.URL.Query().Get("tenantId"),
		}
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close(websocket.StatusInternalError, "")

		frame, _ := json.Marshal(map[string]any{
			"type": EventNewMessage,
			"payload": map[string]any{
				"id": "m1", "conversationId": "c1", "senderId": "u2",
				"content": "hi", "createdAt": baseTime,
			},
		})
		if err := c.Write(r.Context(), websocket.MessageText, frame); err != nil {
			return
		}
		_, data, err := c.Read(r.Context())
		if err != nil {
			return
		}
		received <- data
		// Hold the socket until the client closes it.
		c.Read(r.Context())
	}))
	defer srv.Close()

	bus := NewBus(zerolog.Nop())
	got := make(chan Message, 1)
	bus.OnNewMessage(func(ev NewMessageEvent) { got <- ev.Message })

	m := NewConnectionManager(bus, ConnectionConfig{
		Endpoint: "ws" + strings.TrimPrefix(srv.URL, "http") + "/chat",
	}, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Connect(ctx, "tok-1", "acme"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer m.Disconnect()

	hs := <-shook
	if hs.auth != "Bearer tok-1" {
		t.Errorf("Authorization = %q", hs.auth)
	}
	if hs.tenantHeader != "acme" || hs.tenantQuery != "acme" {
		t.Errorf("tenant header=%q query=%q, want acme", hs.tenantHeader, hs.tenantQuery)
	}
	if m.Status() != StatusConnected {
		t.Errorf("Status = %s, want connected", m.Status())
	}

	select {
	case mm := <-got:
		if mm.ID != "m1" || mm.ConversationID != "c1" || mm.Content != "hi" {
			t.Errorf("unexpected message %+v", mm)
		}
	case <-ctx.Done():
		t.Fatal("no newMessage delivered")
	}

	if err := m.SendMessage(ctx, "c1", "hello back"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	select {
	case data := <-received:
		var cmd struct {
			Type      string             `json:"type"`
			Payload   sendMessagePayload `json:"payload"`
			RequestID string             `json:"requestId"`
		}
		if err := json.Unmarshal(data, &cmd); err != nil {
			t.Fatalf("decode command: %v", err)
		}
		if cmd.Type != CommandSendMessage || cmd.Payload.ConversationID != "c1" || cmd.Payload.Content != "hello back" {
			t.Errorf("unexpected command %+v", cmd)
		}
		if cmd.RequestID == "" {
			t.Error("expected a requestId")
		}
	case <-ctx.Done():
		t.Fatal("server did not receive sendMessage")
	}
}

func TestConnectionManager_Connect(t *testing.T) {
	t.Run("idempotent while open", func(t *testing.T) {
		d := &fakeDialer{}
		m, bus := newTestManager(d, 5)
		rec := recordStatuses(bus)
		ctx := context.Background()

		if err := m.Connect(ctx, "tok", "acme"); err != nil {
			t.Fatalf("Connect: %v", err)
		}
		if err := m.Connect(ctx, "tok", "acme"); err != nil {
			t.Fatalf("second Connect: %v", err)
		}
		defer m.Disconnect()

		if d.dialCount() != 1 {
			t.Errorf("dials = %d, want 1", d.dialCount())
		}
		if d.tenantID != "acme" || d.token != "tok" {
			t.Errorf("dialed with token=%q tenant=%q", d.token, d.tenantID)
		}
		got := rec.all()
		if len(got) != 2 || got[0] != StatusConnecting || got[1] != StatusConnected {
			t.Errorf("statuses = %v, want [connecting connected]", got)
		}
	})

	t.Run("send is rejected while disconnected", func(t *testing.T) {
		m, _ := newTestManager(&fakeDialer{}, 5)
		if err := m.SendMessage(context.Background(), "c1", "hi"); !errors.Is(err, ErrNotConnected) {
			t.Errorf("SendMessage err = %v, want ErrNotConnected", err)
		}
		if err := m.MarkAsRead(context.Background(), "c1"); !errors.Is(err, ErrNotConnected) {
			t.Errorf("MarkAsRead err = %v, want ErrNotConnected", err)
		}
	})

	t.Run("commands carry payload and request id", func(t *testing.T) {
		d := &fakeDialer{}
		m, _ := newTestManager(d, 5)
		if err := m.Connect(context.Background(), "tok", "acme"); err != nil {
			t.Fatal(err)
		}
		defer m.Disconnect()

		if err := m.MarkAsRead(context.Background(), "c9"); err != nil {
			t.Fatalf("MarkAsRead: %v", err)
		}
		sent := d.last().sentOfType(CommandMarkAsRead)
		if len(sent) != 1 {
			t.Fatalf("sent %d markAsRead frames, want 1", len(sent))
		}
		var p markAsReadPayload
		if err := json.Unmarshal(sent[0].Payload, &p); err != nil {
			t.Fatal(err)
		}
		if p.ConversationID != "c9" || sent[0].RequestID == "" {
			t.Errorf("unexpected frame %+v", sent[0])
		}
	})
}

func TestConnectionManager_Reconnect(t *testing.T) {
	t.Run("drop then reconnect", func(t *testing.T) {
		d := &fakeDialer{}
		m, bus := newTestManager(d, 5)
		rec := recordStatuses(bus)
		if err := m.Connect(context.Background(), "tok", "acme"); err != nil {
			t.Fatal(err)
		}
		defer m.Disconnect()

		first := d.last()
		first.Close()

		waitFor(t, "redial", func() bool { return len(rec.all()) == 5 })
		want := []SocketStatus{StatusConnecting, StatusConnected, StatusDisconnected, StatusConnecting, StatusConnected}
		got := rec.all()
		if len(got) != len(want) {
			t.Fatalf("statuses = %v, want %v", got, want)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("statuses = %v, want %v", got, want)
			}
		}

		received := make(chan string, 1)
		bus.OnPresenceChanged(func(ev PresenceChangedEvent) { received <- ev.UserID })
		d.last().push(t, EventUserStatusChanged, PresenceChangedEvent{UserID: "7", IsOnline: true})
		select {
		case id := <-received:
			if id != "7" {
				t.Errorf("user = %q", id)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("no event after reconnect")
		}
	})

	t.Run("failed first dial keeps retrying", func(t *testing.T) {
		d := &fakeDialer{fail: 2}
		m, _ := newTestManager(d, 5)
		if err := m.Connect(context.Background(), "tok", "acme"); !errors.Is(err, errDialRefused) {
			t.Fatalf("Connect err = %v, want dial error", err)
		}
		defer m.Disconnect()

		waitFor(t, "connected", func() bool { return m.Status() == StatusConnected })
		if d.dialCount() != 3 {
			t.Errorf("dials = %d, want 3", d.dialCount())
		}
	})

	t.Run("stops after max attempts", func(t *testing.T) {
		d := &fakeDialer{fail: -1}
		m, _ := newTestManager(d, 3)
		m.Connect(context.Background(), "tok", "acme")

		waitFor(t, "retries exhausted", func() bool {
			m.mu.Lock()
			defer m.mu.Unlock()
			return m.done == nil
		})
		if d.dialCount() != 4 {
			t.Errorf("dials = %d, want 1 + 3 retries", d.dialCount())
		}
		if m.Status() != StatusDisconnected {
			t.Errorf("Status = %s, want disconnected", m.Status())
		}

		d.setFail(0)
		if err := m.Connect(context.Background(), "tok", "acme"); err != nil {
			t.Fatalf("Connect after exhaustion: %v", err)
		}
		defer m.Disconnect()
		if m.Status() != StatusConnected {
			t.Errorf("Status = %s, want connected", m.Status())
		}
	})
}

func TestConnectionManager_Disconnect(t *testing.T) {
	d := &fakeDialer{}
	m, bus := newTestManager(d, 5)
	bus.OnNewMessage(func(NewMessageEvent) {})
	if err := m.Connect(context.Background(), "tok", "acme"); err != nil {
		t.Fatal(err)
	}
	conn := d.last()

	m.Disconnect()

	if bus.Len() != 0 {
		t.Errorf("listeners left after Disconnect: %d", bus.Len())
	}
	if m.Status() != StatusDisconnected {
		t.Errorf("Status = %s, want disconnected", m.Status())
	}
	select {
	case <-conn.closed:
	default:
		t.Error("socket not closed")
	}

	time.Sleep(50 * time.Millisecond)
	if d.dialCount() != 1 {
		t.Errorf("redialed after explicit Disconnect: %d dials", d.dialCount())
	}
	if err := m.SendMessage(context.Background(), "c1", "hi"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SendMessage err = %v, want ErrNotConnected", err)
	}

	m.Disconnect()
}

func TestConnectionManager_DisconnectDuringDial(t *testing.T) {
	// waitDone fails the test if fn does not return in time.
	waitDone := func(t *testing.T, what string, fn func()) {
		t.Helper()
		finished := make(chan struct{})
		go func() {
			fn()
			close(finished)
		}()
		select {
		case <-finished:
		case <-time.After(3 * time.Second):
			t.Fatalf("%s did not return", what)
		}
	}

	t.Run("dial ignoring cancellation", func(t *testing.T) {
		entered, release := make(chan struct{}), make(chan struct{})
		conn := newFakeConn()
		d := DialerFunc(func(ctx context.Context, endpoint, token, tenantID string) (Conn, error) {
			close(entered)
			<-release
			return conn, nil
		})
		m, _ := newTestManager(d, 5)

		connected := make(chan error, 1)
		go func() { connected <- m.Connect(context.Background(), "tok", "acme") }()
		<-entered

		disconnected := make(chan struct{})
		go func() {
			m.Disconnect()
			close(disconnected)
		}()
		waitFor(t, "Disconnect to claim the run", func() bool {
			m.mu.Lock()
			defer m.mu.Unlock()
			return m.done == nil
		})
		close(release)

		waitDone(t, "Connect", func() { <-connected })
		waitDone(t, "Disconnect", func() { <-disconnected })
		if m.Status() != StatusDisconnected {
			t.Errorf("Status = %s, want disconnected", m.Status())
		}
		select {
		case <-conn.closed:
		default:
			t.Error("late socket left open")
		}
	})

	t.Run("dial honoring cancellation", func(t *testing.T) {
		entered := make(chan struct{})
		d := DialerFunc(func(ctx context.Context, endpoint, token, tenantID string) (Conn, error) {
			close(entered)
			<-ctx.Done()
			return nil, ctx.Err()
		})
		m, _ := newTestManager(d, 5)

		connected := make(chan error, 1)
		go func() { connected <- m.Connect(context.Background(), "tok", "acme") }()
		<-entered

		waitDone(t, "Disconnect", m.Disconnect)
		waitDone(t, "Connect", func() {
			if err := <-connected; err != nil {
				t.Errorf("Connect err = %v, want nil after Disconnect", err)
			}
		})
		if m.Status() != StatusDisconnected {
			t.Errorf("Status = %s, want disconnected", m.Status())
		}
	})

	t.Run("caller context bounds the first dial", func(t *testing.T) {
		d := DialerFunc(func(ctx context.Context, endpoint, token, tenantID string) (Conn, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})
		m, _ := newTestManager(d, 5)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		if err := m.Connect(ctx, "tok", "acme"); err == nil {
			t.Fatal("expected the dial to fail with the caller's deadline")
		}
		waitDone(t, "Disconnect", m.Disconnect)
	})
}

func TestDecodeEvent(t *testing.T) {
	t.Run("variants", func(t *testing.T) {
		ev, err := decodeEvent(encodeEvent(t, EventConversationRead, ConversationReadEvent{ConversationID: "c1", ReadByUserID: "u2"}))
		if err != nil {
			t.Fatal(err)
		}
		if got, ok := ev.(ConversationReadEvent); !ok || got.ReadByUserID != "u2" {
			t.Errorf("got %#v", ev)
		}

		ev, err = decodeEvent(encodeEvent(t, EventUserStatusChanged, PresenceChangedEvent{UserID: "7", IsOnline: true}))
		if err != nil {
			t.Fatal(err)
		}
		if got, ok := ev.(PresenceChangedEvent); !ok || !got.IsOnline {
			t.Errorf("got %#v", ev)
		}
	})

	t.Run("rejects malformed frames", func(t *testing.T) {
		cases := map[string][]byte{
			"not json":            []byte("{"),
			"unknown type":        encodeEvent(t, "typing", map[string]string{}),
			"message without id":  encodeEvent(t, EventNewMessage, map[string]string{"conversationId": "c1"}),
			"read without conv":   encodeEvent(t, EventConversationRead, map[string]string{"readByUserId": "u1"}),
			"status without user": encodeEvent(t, EventUserStatusChanged, map[string]bool{"isOnline": true}),
		}
		for name, data := range cases {
			if _, err := decodeEvent(data); err == nil {
				t.Errorf("%s: expected error", name)
			}
		}
	})

	t.Run("error frame", func(t *testing.T) {
		_, err := decodeEvent(encodeEvent(t, EventError, map[string]string{"message": "forbidden"}))
		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			t.Fatalf("err = %v, want *APIError", err)
		}
		if apiErr.Code != "SOCKET_ERROR" || apiErr.Message != "forbidden" {
			t.Errorf("got %+v", apiErr)
		}
	})
}
