package chatsync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

// ============================================================================
// Test Helpers
// ============================================================================

var (
	errConnClosed  = errors.New("fake conn closed")
	errDialRefused = errors.New("dial refused")
)

var baseTime = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func at(minutes int) time.Time { return baseTime.Add(time.Duration(minutes) * time.Minute) }

func encodeEvent(t *testing.T, typ string, payload any) []byte {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	b, err := json.Marshal(Envelope{Type: typ, Payload: raw})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return b
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func msg(id, convID, sender string, minute int) Message {
	return Message{
		ID:             id,
		ConversationID: convID,
		SenderID:       sender,
		Content:        "message " + id,
		CreatedAt:      at(minute),
	}
}

// newestFirst builds messages with ids from..to (inclusive), newest first.
func newestFirst(convID, sender string, from, to int) []Message {
	out := make([]Message, 0, to-from+1)
	for i := to; i >= from; i-- {
		out = append(out, msg(strconv.Itoa(i), convID, sender, i))
	}
	return out
}

func ids(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func convIDs(convs []Conversation) []string {
	out := make([]string, len(convs))
	for i, c := range convs {
		out[i] = c.ID
	}
	return out
}

// ============================================================================
// Fake transport
// ============================================================================

type fakeConn struct {
	in     chan []byte
	closed chan struct{}
	once   sync.Once

	mu      sync.Mutex
	written []Envelope
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 64), closed: make(chan struct{})}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, errConnClosed
	case b := <-c.in:
		return b, nil
	}
}

func (c *fakeConn) Write(ctx context.Context, data []byte) error {
	select {
	case <-c.closed:
		return errConnClosed
	default:
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	c.mu.Lock()
	c.written = append(c.written, env)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) push(t *testing.T, typ string, payload any) {
	t.Helper()
	c.in <- encodeEvent(t, typ, payload)
}

func (c *fakeConn) sent() []Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Envelope(nil), c.written...)
}

func (c *fakeConn) sentOfType(typ string) []Envelope {
	var out []Envelope
	for _, e := range c.sent() {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

// fakeDialer hands out fakeConns. The first fail dials are refused; a
// negative fail refuses every dial.
type fakeDialer struct {
	mu       sync.Mutex
	fail     int
	dials    int
	conns    []*fakeConn
	token    string
	tenantID string
}

func (d *fakeDialer) Dial(ctx context.Context, endpoint, token, tenantID string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	d.token, d.tenantID = token, tenantID
	if d.fail < 0 {
		return nil, errDialRefused
	}
	if d.fail > 0 {
		d.fail--
		return nil, errDialRefused
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

func (d *fakeDialer) setFail(n int) {
	d.mu.Lock()
	d.fail = n
	d.mu.Unlock()
}

// statusRecorder collects connection status transitions.
type statusRecorder struct {
	mu       sync.Mutex
	statuses []SocketStatus
}

func recordStatuses(bus *Bus) *statusRecorder {
	r := &statusRecorder{}
	bus.OnStatusChanged(func(ev ConnectionStatusChangedEvent) {
		r.mu.Lock()
		r.statuses = append(r.statuses, ev.Status)
		r.mu.Unlock()
	})
	return r
}

func (r *statusRecorder) all() []SocketStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]SocketStatus(nil), r.statuses...)
}

// ============================================================================
// Fake REST collaborator
// ============================================================================

type chatAPI struct {
	srv *httptest.Server

	mu            sync.Mutex
	conversations []Conversation
	messages      map[string][]Message
	contacts      []ChatUser
	failMessages  bool
	convRequests  int
	lastAuth      string
	lastTenant    string
	initTargets   []string
}

func newChatAPI(t *testing.T) *chatAPI {
	t.Helper()
	api := &chatAPI{messages: make(map[string][]Message)}
	api.srv = httptest.NewServer(http.HandlerFunc(api.serve))
	t.Cleanup(api.srv.Close)
	return api
}

func (a *chatAPI) serve(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastAuth = r.Header.Get("Authorization")
	a.lastTenant = r.Header.Get("X-Tenant-ID")

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = DefaultPageSize
	}

	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/chat/conversations":
		a.convRequests++
		writeJSON(w, http.StatusOK, paginate(a.conversations, page, limit))

	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/chat/conversations/") && strings.HasSuffix(r.URL.Path, "/messages"):
		id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/chat/conversations/"), "/messages")
		if a.failMessages {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"code": "INTERNAL", "message": "history unavailable"})
			return
		}
		writeJSON(w, http.StatusOK, paginate(a.messages[id], page, limit))

	case r.Method == http.MethodGet && r.URL.Path == "/chat/contacts":
		q := strings.ToLower(r.URL.Query().Get("search"))
		var out []ChatUser
		for _, c := range a.contacts {
			if q == "" || strings.Contains(strings.ToLower(c.Name), q) {
				out = append(out, c)
			}
		}
		writeJSON(w, http.StatusOK, paginate(out, page, limit))

	case r.Method == http.MethodPost && r.URL.Path == "/chat/init":
		var body struct {
			TargetUserID string `json:"targetUserId"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.TargetUserID == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"code": "BAD_REQUEST", "message": "targetUserId required"})
			return
		}
		a.initTargets = append(a.initTargets, body.TargetUserID)
		conv := Conversation{
			ID:           "direct-" + body.TargetUserID,
			Type:         ConversationDirect,
			Participants: []ChatUser{{ID: body.TargetUserID, Name: "User " + body.TargetUserID}},
			CreatedAt:    baseTime,
		}
		writeJSON(w, http.StatusOK, conv)

	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"message": fmt.Sprintf("no route %s %s", r.Method, r.URL.Path)})
	}
}

func (a *chatAPI) setConversations(convs ...Conversation) {
	a.mu.Lock()
	a.conversations = convs
	a.mu.Unlock()
}

func (a *chatAPI) setContacts(users ...ChatUser) {
	a.mu.Lock()
	a.contacts = users
	a.mu.Unlock()
}

func (a *chatAPI) setMessages(convID string, msgs []Message) {
	a.mu.Lock()
	a.messages[convID] = msgs
	a.mu.Unlock()
}

func (a *chatAPI) setFailMessages(v bool) {
	a.mu.Lock()
	a.failMessages = v
	a.mu.Unlock()
}

func (a *chatAPI) headers() (auth, tenant string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastAuth, a.lastTenant
}

func (a *chatAPI) conversationRequests() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.convRequests
}

func (a *chatAPI) client(opts ...ClientOption) *Client {
	return NewClient("test-token", append([]ClientOption{WithBaseURL(a.srv.URL), WithLogger(zerolog.Nop())}, opts...)...)
}

func paginate[T any](all []T, page, limit int) Page[T] {
	start := (page - 1) * limit
	if start > len(all) {
		start = len(all)
	}
	end := start + limit
	if end > len(all) {
		end = len(all)
	}
	data := append([]T{}, all[start:end]...)
	return Page[T]{Data: data, Total: len(all)}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
