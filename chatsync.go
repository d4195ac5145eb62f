// Package chatsync is the client-side real-time conversation sync engine of
// the CRM chat.
//
// It keeps one tenant-scoped socket per session, fans inbound events out on a
// typed bus and folds them into conversation, message and presence caches
// that stay consistent with the REST listings.
//
// Example:
//
//	client := chatsync.NewClient(token, chatsync.WithBaseURL("https://acme.crm.example.com/api"))
//	sess, _ := chatsync.ParseSession(token, "")
//
//	engine := chatsync.NewEngine(client, chatsync.WithNotifier(chatsync.DesktopNotifier{}))
//	_ = engine.Login(ctx, sess)
//	defer engine.Logout()
//
//	screen := engine.NewChatScreen()
//	screen.Mount()
//	defer screen.Unmount()
//	_ = screen.Open(ctx, "conv-1")
//	_ = screen.Send(ctx, "Hello!")
package chatsync

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	DefaultBaseURL  = "http://localhost:3000/api"
	DefaultTimeout  = 30 * time.Second
	DefaultPageSize = 30
)

// ============================================================================
// Client
// ============================================================================

// Client is the REST collaborator: contacts, conversations, history and
// conversation creation.
type Client struct {
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client
	pageSize   int
	log        zerolog.Logger
	rc         *resty.Client

	mu       sync.RWMutex
	token    string
	tenantID string
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithLogger(logger zerolog.Logger) ClientOption {
	return func(c *Client) { c.log = logger }
}

// WithPageSize sets the page size used for conversation and message listings.
func WithPageSize(n int) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.pageSize = n
		}
	}
}

// NewClient creates a REST client authenticated with token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:  DefaultBaseURL,
		timeout:  DefaultTimeout,
		pageSize: DefaultPageSize,
		log:      zerolog.Nop(),
		token:    token,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.httpClient != nil {
		c.rc = resty.NewWithClient(c.httpClient)
	} else {
		c.rc = resty.New().SetTimeout(c.timeout)
	}
	c.rc.SetBaseURL(c.baseURL).SetHeader("Accept", "application/json")
	return c
}

// SetSession updates the bearer token and the tenant sent on every request.
func (c *Client) SetSession(token, tenantID string) {
	c.mu.Lock()
	c.token, c.tenantID = token, tenantID
	c.mu.Unlock()
}

func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) PageSize() int { return c.pageSize }

func (c *Client) Logger() zerolog.Logger { return c.log }

// WebSocketURL derives the socket endpoint from the REST base URL.
func (c *Client) WebSocketURL() string {
	u := c.baseURL
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/chat"
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	c.mu.RLock()
	token, tenantID := c.token, c.tenantID
	c.mu.RUnlock()

	req := c.rc.R().SetContext(ctx)
	if token != "" {
		req.SetAuthToken(token)
	}
	if tenantID != "" {
		req.SetHeader("X-Tenant-ID", tenantID)
	}
	if len(query) > 0 {
		req.SetQueryParams(query)
	}
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, errors.Wrap(err, "marshal request")
		}
		req.SetHeader("Content-Type", "application/json").SetBody(b)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		c.log.Warn().Err(err).Str("method", method).Str("path", path).Msg("request failed")
		return nil, errors.Wrapf(err, "%s %s", method, path)
	}
	if resp.IsError() {
		apiErr := &APIError{Status: resp.StatusCode()}
		if err := json.Unmarshal(resp.Body(), apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode())
		}
		c.log.Warn().Int("status", apiErr.Status).Str("code", apiErr.Code).Str("path", path).Msg(apiErr.Message)
		return nil, errors.Wrapf(apiErr, "%s %s", method, path)
	}
	return resp.Body(), nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, errors.Wrap(err, "unmarshal response")
	}
	return &result, nil
}

func pageQuery(page, limit int) map[string]string {
	return map[string]string{
		"page":  strconv.Itoa(page),
		"limit": strconv.Itoa(limit),
	}
}

// ============================================================================
// Chat API Methods
// ============================================================================

// ListContacts returns users of the tenant the current user may chat with.
func (c *Client) ListContacts(ctx context.Context, page, limit int, search string) (*Page[ChatUser], error) {
	q := pageQuery(page, limit)
	if s := strings.TrimSpace(search); s != "" {
		q["search"] = s
	}
	data, err := c.doRequest(ctx, http.MethodGet, "/chat/contacts", nil, q)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Page[ChatUser]](data)
}

// InitConversation returns the DIRECT conversation with targetUserID,
// creating it on the server when needed.
func (c *Client) InitConversation(ctx context.Context, targetUserID string) (*Conversation, error) {
	if targetUserID == "" {
		return nil, errors.New("target user id is required")
	}
	body := map[string]string{"targetUserId": targetUserID}
	data, err := c.doRequest(ctx, http.MethodPost, "/chat/init", body, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Conversation](data)
}

// ListConversations returns one page of the current user's conversations in
// server order.
func (c *Client) ListConversations(ctx context.Context, page, limit int) (*Page[Conversation], error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/chat/conversations", nil, pageQuery(page, limit))
	if err != nil {
		return nil, err
	}
	return decodeJSON[Page[Conversation]](data)
}

// GetMessages returns one page of history, newest first.
func (c *Client) GetMessages(ctx context.Context, conversationID string, page, limit int) (*Page[Message], error) {
	path := "/chat/conversations/" + url.PathEscape(conversationID) + "/messages"
	data, err := c.doRequest(ctx, http.MethodGet, path, nil, pageQuery(page, limit))
	if err != nil {
		return nil, err
	}
	return decodeJSON[Page[Message]](data)
}
