package chatsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

// ============================================================================
// Test Helpers
// ============================================================================

var epoch = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func ts(sec int) Timestamp {
	return At(epoch.Add(time.Duration(sec) * time.Second))
}

func msg(groupID, id string, sec int) ChatMessage {
	return ChatMessage{
		ID:        id,
		GroupID:   groupID,
		SenderID:  "user-1",
		Content:   "content of " + id,
		CreatedAt: ts(sec),
	}
}

func grp(id string, sec int, members ...string) ChatGroup {
	return ChatGroup{
		ID:        id,
		Name:      "group " + id,
		MemberIDs: members,
		UpdatedAt: ts(sec),
	}
}

func ids(msgs []ChatMessage) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func groupIDs(groups []ChatGroup) []string {
	out := make([]string, len(groups))
	for i, g := range groups {
		out[i] = g.ID
	}
	return out
}

func equalIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func testLogger() (*logrus.Entry, *test.Hook) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	return logger.WithField("service", serviceName), hook
}

func newTestStore() (*Store, *test.Hook) {
	log, hook := testLogger()
	return NewStore(log), hook
}

// recorder counts store changes.
type recorder struct {
	mu      sync.Mutex
	changes []Change
}

func (r *recorder) handle(c Change) {
	r.mu.Lock()
	r.changes = append(r.changes, c)
	r.mu.Unlock()
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.changes)
}

// ============================================================================
// Fake REST collaborators
// ============================================================================

// fakeMessages serves history from an ascending per-group slice.
type fakeMessages struct {
	mu       sync.Mutex
	history  map[string][]ChatMessage
	requests []ListMessagesRequest
	listErr  error
	sendErr  error
	entered  chan struct{}
	gate     chan struct{}
	seq      int
}

func newFakeMessages() *fakeMessages {
	return &fakeMessages{history: make(map[string][]ChatMessage)}
}

// seed fills a group with n messages m001..mNNN at seconds 1..n.
func (f *fakeMessages) seed(groupID string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := 1; i <= n; i++ {
		f.history[groupID] = append(f.history[groupID], msg(groupID, fmt.Sprintf("m%03d", i), i))
	}
}

func (f *fakeMessages) ListMessages(_ context.Context, req ListMessagesRequest) (*MessagePage, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	entered, gate := f.entered, f.gate
	f.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}

	h := f.history[req.GroupID]
	end := len(h)
	if req.BeforeID != "" {
		for i, m := range h {
			if m.ID == req.BeforeID {
				end = i
				break
			}
		}
	}
	start := end - req.Limit
	if start < 0 {
		start = 0
	}
	return &MessagePage{
		Messages: append([]ChatMessage(nil), h[start:end]...),
		HasMore:  start > 0,
	}, nil
}

func (f *fakeMessages) SendMessage(_ context.Context, groupID, content string) (*ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.seq++
	m := msg(groupID, fmt.Sprintf("srv-%d", f.seq), 1000+f.seq)
	m.Content = content
	f.history[groupID] = append(f.history[groupID], m)
	return &m, nil
}

func (f *fakeMessages) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *fakeMessages) lastRequest() ListMessagesRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

// fakeGroups keeps server-side group records.
type fakeGroups struct {
	mu     sync.Mutex
	groups map[string]ChatGroup
	err    error
	seq    int
}

func newFakeGroups(groups ...ChatGroup) *fakeGroups {
	f := &fakeGroups{groups: make(map[string]ChatGroup)}
	for _, g := range groups {
		f.groups[g.ID] = g
	}
	return f
}

func (f *fakeGroups) tick() Timestamp {
	f.seq++
	return ts(100 + f.seq)
}

func (f *fakeGroups) ListGroups(context.Context) ([]ChatGroup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make([]ChatGroup, 0, len(f.groups))
	for _, g := range f.groups {
		out = append(out, g)
	}
	return out, nil
}

func (f *fakeGroups) GetGroup(_ context.Context, id string) (*ChatGroup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	g, ok := f.groups[id]
	if !ok {
		return nil, &APIError{Status: 404, Code: "NOT_FOUND", Message: "no such group"}
	}
	return &g, nil
}

func (f *fakeGroups) CreateGroup(_ context.Context, name string, memberIDs []string) (*ChatGroup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	g := ChatGroup{
		ID:        fmt.Sprintf("g-new-%d", f.seq+1),
		Name:      name,
		MemberIDs: append([]string(nil), memberIDs...),
		UpdatedAt: f.tick(),
	}
	f.groups[g.ID] = g
	return &g, nil
}

func (f *fakeGroups) UpdateGroup(_ context.Context, id string, patch GroupPatch) (*ChatGroup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	g, ok := f.groups[id]
	if !ok {
		return nil, &APIError{Status: 404, Code: "NOT_FOUND", Message: "no such group"}
	}
	if patch.Name != nil {
		g.Name = *patch.Name
	}
	if patch.MemberIDs != nil {
		g.MemberIDs = append([]string(nil), patch.MemberIDs...)
	}
	g.UpdatedAt = f.tick()
	f.groups[id] = g
	return &g, nil
}

func (f *fakeGroups) ArchiveGroup(_ context.Context, id string) (*ChatGroup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	g, ok := f.groups[id]
	if !ok {
		return nil, &APIError{Status: 404, Code: "NOT_FOUND", Message: "no such group"}
	}
	g.IsArchived = true
	g.UpdatedAt = f.tick()
	f.groups[id] = g
	return &g, nil
}

// ============================================================================
// Fake transport
// ============================================================================

// fakeTransport keeps its callbacks after Disconnect so tests can simulate
// events arriving late.
type fakeTransport struct {
	mu          sync.Mutex
	connectErr  error
	connects    int
	disconnects int
	onEvent     func(Event)
	onState     func(RealtimeState)
}

func (f *fakeTransport) Connect(_ context.Context, onEvent func(Event), onState func(RealtimeState)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.connectErr != nil {
		return f.connectErr
	}
	f.onEvent = onEvent
	f.onState = onState
	return nil
}

func (f *fakeTransport) Disconnect() error {
	f.mu.Lock()
	f.disconnects++
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) emit(ev Event) {
	f.mu.Lock()
	h := f.onEvent
	f.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

func (f *fakeTransport) state(s RealtimeState) {
	f.mu.Lock()
	h := f.onState
	f.mu.Unlock()
	if h != nil {
		h(s)
	}
}

func (f *fakeTransport) disconnectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnects
}
