package chatsync

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrLoadInProgress is returned when a page fetch is requested for a group
	// that already has one outstanding. The call is ignored, not queued.
	ErrLoadInProgress = errors.New("chatsync: page load already in progress")

	// ErrStaleFetch is returned when a fetch completed after its view was
	// released. The fetched page is not merged.
	ErrStaleFetch = errors.New("chatsync: stale fetch discarded")

	// ErrMalformedPayload marks server payloads that are missing identity fields.
	ErrMalformedPayload = errors.New("chatsync: malformed payload")

	ErrNotConnected = errors.New("chatsync: not connected")
	ErrNoSession    = errors.New("chatsync: no session")
	ErrUnknownGroup = errors.New("chatsync: unknown group")
)

// APIError represents a failed REST call.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s (HTTP %d)", e.Code, e.Message, e.Status)
	}
	return e.Code + ": " + e.Message
}

// ============================================================================
// Timestamp
// ============================================================================

// Timestamp is a UTC instant that decodes from either an ISO-8601 string or
// an epoch number. Epoch values below 1e11 are seconds, otherwise milliseconds.
type Timestamp struct {
	time.Time
}

// At wraps t as a Timestamp.
func At(t time.Time) Timestamp {
	return Timestamp{Time: t.UTC()}
}

func (ts Timestamp) MarshalJSON() ([]byte, error) {
	if ts.IsZero() {
		return []byte(`null`), nil
	}
	return json.Marshal(ts.UTC().Format(time.RFC3339Nano))
}

func (ts *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte(`null`)) {
		*ts = Timestamp{}
		return nil
	}

	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		return ts.parseString(s)
	}

	n, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp %s: %w", data, err)
	}
	*ts = fromEpoch(n)
	return nil
}

func (ts *Timestamp) parseString(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		*ts = Timestamp{}
		return nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999", "2006-01-02 15:04:05.999999999Z07:00"} {
		if t, err := time.Parse(layout, s); err == nil {
			*ts = At(t)
			return nil
		}
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		*ts = fromEpoch(n)
		return nil
	}
	return fmt.Errorf("invalid timestamp %q", s)
}

func fromEpoch(n float64) Timestamp {
	if n < 1e11 {
		return At(time.UnixMilli(int64(n * 1000)))
	}
	return At(time.UnixMilli(int64(n)))
}

// ============================================================================
// Domain Types
// ============================================================================

// ChatGroup is a chat group as held by the cache.
type ChatGroup struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	MemberIDs  []string  `json:"memberIds"`
	IsArchived bool      `json:"isArchived"`
	UpdatedAt  Timestamp `json:"updatedAt"`
}

// Validate reports whether the record carries the fields the cache keys on.
func (g *ChatGroup) Validate() error {
	if g == nil {
		return fmt.Errorf("%w: nil group", ErrMalformedPayload)
	}
	if g.ID == "" {
		return fmt.Errorf("%w: group without id", ErrMalformedPayload)
	}
	if g.UpdatedAt.IsZero() {
		return fmt.Errorf("%w: group %s without updatedAt", ErrMalformedPayload, g.ID)
	}
	return nil
}

// HasMember reports whether userID is in the group's member set.
func (g *ChatGroup) HasMember(userID string) bool {
	for _, id := range g.MemberIDs {
		if id == userID {
			return true
		}
	}
	return false
}

func (g ChatGroup) clone() ChatGroup {
	g.MemberIDs = append([]string(nil), g.MemberIDs...)
	return g
}

// ChatMessage is an immutable message within a group.
type ChatMessage struct {
	ID        string    `json:"id"`
	GroupID   string    `json:"groupId"`
	SenderID  string    `json:"senderId"`
	Content   string    `json:"content"`
	CreatedAt Timestamp `json:"createdAt"`
}

// Validate reports whether the message carries its identity fields.
func (m *ChatMessage) Validate() error {
	if m == nil {
		return fmt.Errorf("%w: nil message", ErrMalformedPayload)
	}
	if m.ID == "" {
		return fmt.Errorf("%w: message without id", ErrMalformedPayload)
	}
	if m.GroupID == "" {
		return fmt.Errorf("%w: message %s without groupId", ErrMalformedPayload, m.ID)
	}
	if m.CreatedAt.IsZero() {
		return fmt.Errorf("%w: message %s without createdAt", ErrMalformedPayload, m.ID)
	}
	return nil
}

// before orders messages by createdAt, then id.
func (m *ChatMessage) before(o *ChatMessage) bool {
	if !m.CreatedAt.Equal(o.CreatedAt.Time) {
		return m.CreatedAt.Before(o.CreatedAt.Time)
	}
	return m.ID < o.ID
}

// MessagePage is one fetched window of history, ascending by createdAt.
type MessagePage struct {
	Messages []ChatMessage `json:"messages"`
	HasMore  bool          `json:"hasMore"`
}

// Cursor is the id of the page's oldest message.
func (p *MessagePage) Cursor() string {
	if len(p.Messages) == 0 {
		return ""
	}
	return p.Messages[0].ID
}

// Validate checks every message in the page.
func (p *MessagePage) Validate() error {
	for i := range p.Messages {
		if err := p.Messages[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}

// GroupPatch carries the mutable group fields. Nil fields are left unchanged.
type GroupPatch struct {
	Name      *string  `json:"name,omitempty"`
	MemberIDs []string `json:"memberIds,omitempty"`
}

// Session is the authenticated context a push bridge runs under.
type Session struct {
	UserID   string
	TenantID string
	Token    string
}

// Ready reports whether all three bridge preconditions hold.
func (s Session) Ready() bool {
	return s.UserID != "" && s.TenantID != "" && s.Token != ""
}
