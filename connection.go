package chatsync

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

var (
	// ErrNotConnected is returned by outbound actions while the socket is not connected.
	ErrNotConnected = errors.New("chatsync: not connected")
)

// ============================================================================
// Transport
// ============================================================================

// Conn is one open socket.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

// Dialer opens an authenticated, tenant-scoped socket.
type Dialer interface {
	Dial(ctx context.Context, endpoint, token, tenantID string) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, endpoint, token, tenantID string) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, endpoint, token, tenantID string) (Conn, error) {
	return f(ctx, endpoint, token, tenantID)
}

// WebSocketDialer is the default Dialer. The token travels as a bearer header
// and the tenant id as a connection-time query parameter.
type WebSocketDialer struct {
	HTTPClient *http.Client
}

func (d WebSocketDialer) Dial(ctx context.Context, endpoint, token, tenantID string) (Conn, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, errors.Wrap(err, "parse socket endpoint")
	}
	q := u.Query()
	q.Set("tenantId", tenantID)
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	header.Set("X-Tenant-ID", tenantID)

	c, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPHeader: header,
		HTTPClient: d.HTTPClient,
	})
	if err != nil {
		return nil, errors.Wrap(err, "websocket dial")
	}
	return &wsConn{c: c}, nil
}

type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := w.c.Read(ctx)
	return data, err
}

func (w *wsConn) Write(ctx context.Context, data []byte) error {
	return w.c.Write(ctx, websocket.MessageText, data)
}

func (w *wsConn) Close() error {
	return w.c.Close(websocket.StatusNormalClosure, "client disconnect")
}

// ============================================================================
// Configuration
// ============================================================================

// ConnectionConfig configures the ConnectionManager.
type ConnectionConfig struct {
	Endpoint             string
	MaxReconnectAttempts int
	ReconnectDelay       time.Duration
	Dialer               Dialer
}

func (c *ConnectionConfig) defaults() {
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = time.Second
	}
	if c.Dialer == nil {
		c.Dialer = WebSocketDialer{}
	}
}

// ============================================================================
// ConnectionManager
// ============================================================================

// ConnectionManager owns the single socket of a session. It is the only
// component that touches the wire. Inbound frames and status transitions are
// published on the bus from one goroutine at a time.
type ConnectionManager struct {
	cfg ConnectionConfig
	bus *Bus
	log zerolog.Logger

	mu       sync.Mutex
	status   SocketStatus
	conn     Conn
	token    string
	tenantID string
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewConnectionManager creates a manager in the disconnected state.
func NewConnectionManager(bus *Bus, cfg ConnectionConfig, logger zerolog.Logger) *ConnectionManager {
	cfg.defaults()
	return &ConnectionManager{
		cfg:    cfg,
		bus:    bus,
		log:    logger.With().Str("component", "connection").Logger(),
		status: StatusDisconnected,
	}
}

// Status returns the current socket status.
func (m *ConnectionManager) Status() SocketStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Connect opens the socket. While a connection is open or being retried it
// returns immediately without side effects. The first dial is synchronous;
// if it fails the error is returned and the manager keeps retrying in the
// background until the attempts are exhausted or Disconnect is called.
func (m *ConnectionManager) Connect(ctx context.Context, token, tenantID string) error {
	m.mu.Lock()
	if m.done != nil {
		m.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.token, m.tenantID = token, tenantID
	m.cancel, m.done = cancel, done
	m.mu.Unlock()

	// The first dial ends on either the caller's ctx or Disconnect.
	dialCtx, stopDial := context.WithCancel(runCtx)
	stop := context.AfterFunc(ctx, stopDial)
	m.setStatus(StatusConnecting, nil)
	conn, err := m.cfg.Dialer.Dial(dialCtx, m.cfg.Endpoint, token, tenantID)
	stop()
	stopDial()
	if err != nil {
		if runCtx.Err() != nil {
			close(done)
			return nil
		}
		m.log.Warn().Err(err).Str("tenant", tenantID).Msg("connect failed")
		m.setStatus(StatusDisconnected, err)
		go m.run(runCtx, done, nil)
		return err
	}
	if !m.setConnIfCurrent(conn, done) {
		conn.Close()
		close(done)
		return nil
	}
	m.setStatus(StatusConnected, nil)
	m.log.Info().Str("tenant", tenantID).Msg("connected")

	go m.run(runCtx, done, conn)
	return nil
}

// Disconnect closes the socket, stops reconnection and drops every bus
// listener. It must not be called from a bus handler.
func (m *ConnectionManager) Disconnect() {
	m.mu.Lock()
	cancel, done, conn := m.cancel, m.done, m.conn
	m.cancel, m.done, m.conn = nil, nil, nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			m.log.Debug().Err(err).Msg("close socket")
		}
	}
	if done != nil {
		<-done
	}
	m.setStatus(StatusDisconnected, nil)
	m.bus.Reset()
}

// SendMessage emits sendMessage without waiting for an acknowledgement.
func (m *ConnectionManager) SendMessage(ctx context.Context, conversationID, content string) error {
	return m.emit(ctx, CommandSendMessage, sendMessagePayload{ConversationID: conversationID, Content: content})
}

// MarkAsRead emits markAsRead without waiting for an acknowledgement.
func (m *ConnectionManager) MarkAsRead(ctx context.Context, conversationID string) error {
	return m.emit(ctx, CommandMarkAsRead, markAsReadPayload{ConversationID: conversationID})
}

func (m *ConnectionManager) emit(ctx context.Context, typ string, payload any) error {
	m.mu.Lock()
	conn, status := m.conn, m.status
	m.mu.Unlock()
	if conn == nil || status != StatusConnected {
		return ErrNotConnected
	}

	data, err := json.Marshal(Command{Type: typ, Payload: payload, RequestID: uuid.NewString()})
	if err != nil {
		return errors.Wrapf(err, "encode %s", typ)
	}
	if err := conn.Write(ctx, data); err != nil {
		return errors.Wrapf(err, "write %s", typ)
	}
	return nil
}

// run supervises one session: it reads until the socket drops, then redials
// with a fixed delay. A successful connection resets the attempt counter.
// No missed-message replay happens after a reconnect.
func (m *ConnectionManager) run(ctx context.Context, done chan struct{}, conn Conn) {
	defer close(done)

	attempts := 0
	for {
		if conn != nil {
			attempts = 0
			err := m.readLoop(ctx, conn)
			conn.Close()
			m.clearConn(conn)
			if ctx.Err() != nil {
				return
			}
			m.log.Warn().Err(err).Msg("socket dropped")
			m.setStatus(StatusDisconnected, err)
			conn = nil
		}

		if attempts >= m.cfg.MaxReconnectAttempts {
			m.log.Error().Int("attempts", attempts).Msg("reconnect attempts exhausted")
			m.release(done)
			return
		}
		attempts++

		select {
		case <-ctx.Done():
			return
		case <-time.After(m.cfg.ReconnectDelay):
		}

		m.mu.Lock()
		token, tenantID := m.token, m.tenantID
		m.mu.Unlock()

		m.setStatus(StatusConnecting, nil)
		c, err := m.cfg.Dialer.Dial(ctx, m.cfg.Endpoint, token, tenantID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.log.Warn().Err(err).Int("attempt", attempts).Msg("reconnect failed")
			m.setStatus(StatusDisconnected, err)
			continue
		}
		if !m.setConnIfCurrent(c, done) {
			c.Close()
			return
		}
		m.log.Info().Int("attempt", attempts).Msg("reconnected")
		m.setStatus(StatusConnected, nil)
		conn = c
	}
}

func (m *ConnectionManager) readLoop(ctx context.Context, conn Conn) error {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		ev, err := decodeEvent(data)
		if err != nil {
			var apiErr *APIError
			if errors.As(err, &apiErr) {
				m.log.Warn().Str("code", apiErr.Code).Msg(apiErr.Message)
			} else {
				m.log.Debug().Err(err).Msg("dropped frame")
			}
			continue
		}
		m.bus.Publish(ev)
	}
}

func (m *ConnectionManager) setStatus(s SocketStatus, err error) {
	m.mu.Lock()
	if m.status == s {
		m.mu.Unlock()
		return
	}
	m.status = s
	m.mu.Unlock()
	m.bus.Publish(ConnectionStatusChangedEvent{Status: s, Err: err})
}

// setConnIfCurrent installs c unless Disconnect already released this run.
func (m *ConnectionManager) setConnIfCurrent(c Conn, done chan struct{}) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done != done {
		return false
	}
	m.conn = c
	return true
}

func (m *ConnectionManager) clearConn(c Conn) {
	m.mu.Lock()
	if m.conn == c {
		m.conn = nil
	}
	m.mu.Unlock()
}

// release lets a later Connect start a fresh run after retries are exhausted.
func (m *ConnectionManager) release(done chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done == done {
		m.cancel()
		m.cancel, m.done = nil, nil
	}
}
