// Package chatsync keeps an in-memory cache of chat groups and messages
// consistent across paginated history fetches, user mutations, and a live
// push channel.
//
// Example:
//
//	client := chatsync.NewClient(token, chatsync.WithTenant("org-42"))
//	chat := chatsync.NewChat(client.Groups, client.Messages,
//		chatsync.WithDialer(client.Realtime.WSDialer(chatsync.RealtimeConfig{AutoReconnect: true})))
//
//	// Groups and history
//	chat.Mutations.RefreshGroups(ctx)
//	chat.Pager.LoadInitial(ctx, groupID, 50)
//	chat.Pager.LoadOlder(ctx, groupID)
//
//	// Mutations
//	chat.Mutations.SendMessage(ctx, groupID, "hello")
//
//	// Live events
//	chat.Push.Update(ctx, chatsync.Session{UserID: me, TenantID: "org-42", Token: token})
//	for _, g := range chat.Groups() { ... }
package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultBaseURL = "https://app.orgdesk.io"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Collaborator interfaces
// ============================================================================

// GroupAPI is the group REST surface the cache depends on.
type GroupAPI interface {
	ListGroups(ctx context.Context) ([]ChatGroup, error)
	GetGroup(ctx context.Context, groupID string) (*ChatGroup, error)
	CreateGroup(ctx context.Context, name string, memberIDs []string) (*ChatGroup, error)
	UpdateGroup(ctx context.Context, groupID string, patch GroupPatch) (*ChatGroup, error)
	ArchiveGroup(ctx context.Context, groupID string) (*ChatGroup, error)
}

// ListMessagesRequest selects a window of history. An empty BeforeID asks
// for the newest messages.
type ListMessagesRequest struct {
	GroupID  string
	Limit    int
	BeforeID string
}

// MessageAPI is the message REST surface the cache depends on.
type MessageAPI interface {
	ListMessages(ctx context.Context, req ListMessagesRequest) (*MessagePage, error)
	SendMessage(ctx context.Context, groupID, content string) (*ChatMessage, error)
}

// ============================================================================
// Client
// ============================================================================

type Client struct {
	mu         sync.RWMutex
	token      string
	tenant     string
	baseURL    string
	httpClient *http.Client

	Groups   *GroupsClient
	Messages *MessagesClient
	Realtime *RealtimeClient
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithTenant scopes every request to an organization.
func WithTenant(tenantID string) ClientOption {
	return func(c *Client) { c.tenant = tenantID }
}

// NewClient creates a REST client authenticated with token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	c.Groups = &GroupsClient{client: c}
	c.Messages = &MessagesClient{client: c}
	c.Realtime = &RealtimeClient{client: c}
	return c
}

// SetToken replaces the bearer token, e.g. after a session refresh.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// SetTenant switches the organization context.
func (c *Client) SetTenant(tenantID string) {
	c.mu.Lock()
	c.tenant = tenantID
	c.mu.Unlock()
}

// BaseURL returns the API root.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ============================================================================
// Internal request helper
// ============================================================================

type apiResult struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) (json.RawMessage, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	c.mu.RLock()
	token, tenant := c.token, c.tenant
	c.mu.RUnlock()

	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if method != http.MethodGet {
		req.Header.Set("Idempotency-Key", uuid.NewString())
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if tenant != "" {
		req.Header.Set("X-Organization-Id", tenant)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var result apiResult
	if err := json.Unmarshal(data, &result); err != nil {
		if resp.StatusCode >= 300 {
			return nil, &APIError{Status: resp.StatusCode, Code: "HTTP_ERROR", Message: strings.TrimSpace(string(data))}
		}
		return nil, fmt.Errorf("%w: failed to unmarshal response: %v", ErrMalformedPayload, err)
	}
	if resp.StatusCode >= 300 || !result.OK {
		apiErr := result.Error
		if apiErr == nil {
			apiErr = &APIError{Code: "REQUEST_FAILED", Message: http.StatusText(resp.StatusCode)}
		}
		apiErr.Status = resp.StatusCode
		return nil, apiErr
	}
	return result.Data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal response: %v", ErrMalformedPayload, err)
	}
	return &result, nil
}

func groupPath(groupID string) string {
	return "/api/chat/groups/" + url.PathEscape(groupID)
}

func decodeGroup(data []byte) (*ChatGroup, error) {
	g, err := decodeJSON[ChatGroup](data)
	if err != nil {
		return nil, err
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

// ============================================================================
// Sub-Clients
// ============================================================================

// GroupsClient handles group management.
type GroupsClient struct{ client *Client }

func (g *GroupsClient) ListGroups(ctx context.Context) ([]ChatGroup, error) {
	data, err := g.client.doRequest(ctx, http.MethodGet, "/api/chat/groups", nil, nil)
	if err != nil {
		return nil, err
	}
	groups, err := decodeJSON[[]ChatGroup](data)
	if err != nil {
		return nil, err
	}
	for i := range *groups {
		if err := (*groups)[i].Validate(); err != nil {
			return nil, err
		}
	}
	return *groups, nil
}

func (g *GroupsClient) GetGroup(ctx context.Context, groupID string) (*ChatGroup, error) {
	data, err := g.client.doRequest(ctx, http.MethodGet, groupPath(groupID), nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeGroup(data)
}

func (g *GroupsClient) CreateGroup(ctx context.Context, name string, memberIDs []string) (*ChatGroup, error) {
	body := map[string]interface{}{"name": name, "memberIds": memberIDs}
	data, err := g.client.doRequest(ctx, http.MethodPost, "/api/chat/groups", body, nil)
	if err != nil {
		return nil, err
	}
	return decodeGroup(data)
}

func (g *GroupsClient) UpdateGroup(ctx context.Context, groupID string, patch GroupPatch) (*ChatGroup, error) {
	data, err := g.client.doRequest(ctx, http.MethodPatch, groupPath(groupID), patch, nil)
	if err != nil {
		return nil, err
	}
	return decodeGroup(data)
}

func (g *GroupsClient) ArchiveGroup(ctx context.Context, groupID string) (*ChatGroup, error) {
	data, err := g.client.doRequest(ctx, http.MethodPost, groupPath(groupID)+"/archive", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeGroup(data)
}

// MessagesClient handles message history and sending.
type MessagesClient struct{ client *Client }

func (m *MessagesClient) ListMessages(ctx context.Context, req ListMessagesRequest) (*MessagePage, error) {
	query := map[string]string{}
	if req.Limit > 0 {
		query["limit"] = strconv.Itoa(req.Limit)
	}
	if req.BeforeID != "" {
		query["beforeId"] = req.BeforeID
	}
	data, err := m.client.doRequest(ctx, http.MethodGet, groupPath(req.GroupID)+"/messages", nil, query)
	if err != nil {
		return nil, err
	}
	page, err := decodeJSON[MessagePage](data)
	if err != nil {
		return nil, err
	}
	if err := page.Validate(); err != nil {
		return nil, err
	}
	return page, nil
}

func (m *MessagesClient) SendMessage(ctx context.Context, groupID, content string) (*ChatMessage, error) {
	body := map[string]string{"groupId": groupID, "content": content}
	data, err := m.client.doRequest(ctx, http.MethodPost, groupPath(groupID)+"/messages", body, nil)
	if err != nil {
		return nil, err
	}
	msg, err := decodeJSON[ChatMessage](data)
	if err != nil {
		return nil, err
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return msg, nil
}

// RealtimeClient builds push transports bound to this client's base URL.
type RealtimeClient struct{ client *Client }

// WSUrl returns the WebSocket URL for a session.
func (r *RealtimeClient) WSUrl(s Session) string {
	base := strings.Replace(r.client.baseURL, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	return base + "/ws?" + sessionQuery(s)
}

// SSEUrl returns the SSE URL for a session.
func (r *RealtimeClient) SSEUrl(s Session) string {
	return r.client.baseURL + "/sse?" + sessionQuery(s)
}

// WSDialer returns a Dialer producing WebSocket transports.
func (r *RealtimeClient) WSDialer(config RealtimeConfig) Dialer {
	return func(s Session) Transport {
		return NewWSTransport(r.WSUrl(s), config)
	}
}

// SSEDialer returns a Dialer producing SSE transports.
func (r *RealtimeClient) SSEDialer(config RealtimeConfig) Dialer {
	return func(s Session) Transport {
		return NewSSETransport(r.SSEUrl(s), config)
	}
}

func sessionQuery(s Session) string {
	q := url.Values{}
	q.Set("token", s.Token)
	q.Set("organizationId", s.TenantID)
	return q.Encode()
}
