package chatsync

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

var (
	ErrPrivilegedSession = errors.New("chatsync: privileged sessions cannot chat")
	ErrSessionClosed     = errors.New("chatsync: no active session")
)

// ============================================================================
// Engine
// ============================================================================

// Engine owns everything scoped to one authenticated session: the shared
// connection, the bus, the presence set, the conversation list and the
// global notification listener.
type Engine struct {
	client     *Client
	bus        *Bus
	conn       *ConnectionManager
	presence   *PresenceTracker
	convs      *ConversationStore
	screen     *ScreenState
	names      *Directory
	notifier   Notifier
	policy     ReadPolicy
	previewLen int
	log        zerolog.Logger

	mu       sync.RWMutex
	session  *Session
	global   Group
	receipts *ReadReceiptCoordinator
	ctx      context.Context
	cancel   context.CancelFunc
}

type EngineOption func(*engineOptions)

type engineOptions struct {
	notifier   Notifier
	policy     ReadPolicy
	conn       ConnectionConfig
	previewLen int
}

// WithNotifier sets where toasts go. The default shows nothing.
func WithNotifier(n Notifier) EngineOption {
	return func(o *engineOptions) { o.notifier = n }
}

// WithReadPolicy replaces DefaultReadPolicy.
func WithReadPolicy(p ReadPolicy) EngineOption {
	return func(o *engineOptions) { o.policy = p }
}

// WithConnectionConfig configures the shared socket. An empty Endpoint is
// derived from the client's base URL.
func WithConnectionConfig(cfg ConnectionConfig) EngineOption {
	return func(o *engineOptions) { o.conn = cfg }
}

// WithDialer replaces the WebSocket dialer.
func WithDialer(d Dialer) EngineOption {
	return func(o *engineOptions) { o.conn.Dialer = d }
}

// WithPreviewLength sets the notification preview length.
func WithPreviewLength(n int) EngineOption {
	return func(o *engineOptions) { o.previewLen = n }
}

// NewEngine wires the engine around a REST client. It logs through the
// client's logger.
func NewEngine(client *Client, opts ...EngineOption) *Engine {
	o := engineOptions{policy: DefaultReadPolicy(), previewLen: PreviewLength}
	for _, opt := range opts {
		opt(&o)
	}
	if o.conn.Endpoint == "" {
		o.conn.Endpoint = client.WebSocketURL()
	}

	log := client.Logger()
	bus := NewBus(log)
	return &Engine{
		client:     client,
		bus:        bus,
		conn:       NewConnectionManager(bus, o.conn, log),
		presence:   NewPresenceTracker(),
		convs:      NewConversationStore(client.ListConversations, client.PageSize(), log),
		screen:     &ScreenState{},
		names:      NewDirectory(),
		notifier:   o.notifier,
		policy:     o.policy,
		previewLen: o.previewLen,
		log:        log.With().Str("component", "engine").Logger(),
	}
}

// Login starts a session. Non-privileged sessions open the shared socket; a
// failed first dial is logged and retried in the background, so the caller
// follows Status rather than the returned error. Logging in again replaces
// the previous session.
func (e *Engine) Login(ctx context.Context, sess Session) error {
	if err := sess.Validate(); err != nil {
		return err
	}
	if e.Session() != nil {
		e.Logout()
	}

	e.client.SetSession(sess.Token, sess.TenantID)
	runCtx, cancel := context.WithCancel(context.Background())
	receipts := NewReadReceiptCoordinator(e.conn, sess.UserID, e.policy, e.log)
	dispatcher := NewDispatcher(DispatcherConfig{
		Notifier:      e.notifier,
		Screen:        e.screen,
		Names:         e.names,
		Invalidate:    e.invalidateConversations,
		CurrentUserID: sess.UserID,
		PreviewLength: e.previewLen,
	}, e.log)

	e.mu.Lock()
	s := sess
	e.session = &s
	e.receipts = receipts
	e.ctx, e.cancel = runCtx, cancel
	e.mu.Unlock()

	e.global.Add(e.presence.Attach(e.bus), dispatcher.Attach(e.bus))

	logger := e.log.With().Str("tenant", sess.TenantID).Str("user", sess.UserID).Logger()
	if sess.Privileged() {
		logger.Info().Str("role", string(sess.Role)).Msg("privileged session, chat socket not opened")
		return nil
	}
	if err := e.conn.Connect(ctx, sess.Token, sess.TenantID); err != nil {
		logger.Warn().Err(err).Msg("initial connect failed, retrying")
	}
	return nil
}

// Logout closes the socket, drops every listener and discards the caches.
func (e *Engine) Logout() {
	e.mu.Lock()
	cancel := e.cancel
	e.session, e.receipts = nil, nil
	e.ctx, e.cancel = nil, nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.conn.Disconnect()
	e.global.Close()
	e.presence.reset()
	e.convs.reset()
	e.screen.leave()
	e.client.SetSession("", "")
}

// NewChatScreen returns an unmounted screen-local adapter.
func (e *Engine) NewChatScreen() *ChatScreen {
	return &ChatScreen{
		engine: e,
		log:    e.log.With().Str("component", "screen").Logger(),
	}
}

// Session returns the active session, or nil after Logout.
func (e *Engine) Session() *Session {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.session == nil {
		return nil
	}
	s := *e.session
	return &s
}

func (e *Engine) Bus() *Bus                         { return e.bus }
func (e *Engine) Presence() *PresenceTracker        { return e.presence }
func (e *Engine) Conversations() *ConversationStore { return e.convs }
func (e *Engine) Directory() *Directory             { return e.names }
func (e *Engine) Status() SocketStatus              { return e.conn.Status() }

func (e *Engine) readReceipts() *ReadReceiptCoordinator {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.receipts
}

func (e *Engine) userID() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.session == nil {
		return ""
	}
	return e.session.UserID
}

func (e *Engine) requireSession() error {
	if e.Session() == nil {
		return ErrSessionClosed
	}
	return nil
}

// invalidateConversations marks the list stale and refetches it in the
// background.
func (e *Engine) invalidateConversations() {
	e.convs.Invalidate()
	e.refreshConversations()
}

// refreshConversations refetches page 1 in the background when the list is
// stale. Concurrent refreshes share one request.
func (e *Engine) refreshConversations() {
	e.mu.RLock()
	ctx := e.ctx
	e.mu.RUnlock()
	if ctx == nil {
		return
	}
	go func() {
		if err := e.convs.RefreshIfStale(ctx); err != nil && ctx.Err() == nil {
			e.log.Debug().Err(err).Msg("background conversation refresh")
		}
	}()
}
