package chatsync

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ChangeKind names the store write that produced a Change.
type ChangeKind string

const (
	GroupUpserted   ChangeKind = "group.upserted"
	MessagesRemoved ChangeKind = "messages.removed"
	PageAppended    ChangeKind = "page.appended"
	MessageAppended ChangeKind = "message.appended"
)

// Change is delivered to subscribers after every effective store write.
type Change struct {
	Kind    ChangeKind
	GroupID string
	// MessageID is set for MessageAppended.
	MessageID string
}

// ChangeHandler receives store changes. It runs on the writer's goroutine
// after the store lock is released, so it may read the store.
type ChangeHandler func(Change)

// Store is the cache of groups and per-group message timelines. It is the
// only mutable shared state of a chat session and is written exclusively
// through its merge operations, each of which is idempotent per entity id.
type Store struct {
	mu        sync.RWMutex
	groups    map[string]*ChatGroup
	timelines map[string]*timeline

	subMu       sync.RWMutex
	subscribers map[string]ChangeHandler

	log *logrus.Entry
}

// NewStore creates an empty store. A nil logger selects the package default.
func NewStore(log *logrus.Entry) *Store {
	if log == nil {
		log = defaultLogger()
	}
	return &Store{
		groups:      make(map[string]*ChatGroup),
		timelines:   make(map[string]*timeline),
		subscribers: make(map[string]ChangeHandler),
		log:         log.WithField("component", "store"),
	}
}

// ── Reads ────────────────────────────────────────────────

// GetGroups returns every cached group, archived ones included, by id.
func (s *Store) GetGroups() []ChatGroup {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ChatGroup, 0, len(s.groups))
	for _, g := range s.groups {
		out = append(out, g.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetGroup returns a group's detail record, including tombstoned groups.
func (s *Store) GetGroup(id string) (ChatGroup, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[id]
	if !ok {
		return ChatGroup{}, false
	}
	return g.clone(), true
}

// GetMessagePages returns the group's pages, oldest page first. Only the
// first page carries the hasMore flag.
func (s *Store) GetMessagePages(groupID string) []MessagePage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tl, ok := s.timelines[groupID]
	if !ok {
		return nil
	}
	return tl.snapshot()
}

// Timeline returns the group's messages flattened in ascending order.
func (s *Store) Timeline(groupID string) []ChatMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tl, ok := s.timelines[groupID]
	if !ok {
		return nil
	}
	return tl.flatten()
}

// HasMore reports whether older history exists beyond the cached pages.
func (s *Store) HasMore(groupID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tl, ok := s.timelines[groupID]
	return ok && tl.hasMore
}

// Loaded reports whether at least one page has been merged for the group.
func (s *Store) Loaded(groupID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tl, ok := s.timelines[groupID]
	return ok && tl.loaded
}

// Oldest returns the earliest cached message of a group.
func (s *Store) Oldest(groupID string) (ChatMessage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tl, ok := s.timelines[groupID]
	if !ok {
		return ChatMessage{}, false
	}
	m := tl.oldest()
	if m == nil {
		return ChatMessage{}, false
	}
	return *m, true
}

// ── Merge operations ─────────────────────────────────────

// UpsertGroup stores g unless the cached record is strictly fresher.
// It reports whether the stored record changed.
func (s *Store) UpsertGroup(g ChatGroup) (bool, error) {
	if err := g.Validate(); err != nil {
		return false, err
	}
	g = g.clone()
	return s.apply(nil, func() []Change {
		if !s.putGroupLocked(&g) {
			return nil
		}
		return []Change{{Kind: GroupUpserted, GroupID: g.ID}}
	}), nil
}

// ArchiveGroup tombstones a group confirmed archived by the server and
// drops its timeline in one step. The archive always wins: updatedAt
// becomes the later of the cached and the confirmed value. It returns the
// stored tombstone.
func (s *Store) ArchiveGroup(g ChatGroup) (ChatGroup, error) {
	if err := g.Validate(); err != nil {
		return ChatGroup{}, err
	}
	tomb := g.clone()
	tomb.IsArchived = true
	s.apply(nil, func() []Change {
		if cur, ok := s.groups[tomb.ID]; ok && cur.UpdatedAt.After(tomb.UpdatedAt.Time) {
			tomb.UpdatedAt = cur.UpdatedAt
		}
		var changes []Change
		stored := tomb.clone()
		if s.putGroupLocked(&stored) {
			changes = append(changes, Change{Kind: GroupUpserted, GroupID: tomb.ID})
		}
		if s.dropTimelineLocked(tomb.ID) {
			changes = append(changes, Change{Kind: MessagesRemoved, GroupID: tomb.ID})
		}
		return changes
	})
	return tomb.clone(), nil
}

// RemoveGroupMessages drops the group's whole timeline. The group record
// itself is kept.
func (s *Store) RemoveGroupMessages(groupID string) bool {
	return s.apply(nil, func() []Change {
		if !s.dropTimelineLocked(groupID) {
			return nil
		}
		return []Change{{Kind: MessagesRemoved, GroupID: groupID}}
	})
}

// AppendPage merges a fetched page into the group's timeline. Messages
// already held are skipped. Pages for archived groups are ignored so that
// a late fetch cannot repopulate a tombstoned group.
func (s *Store) AppendPage(groupID string, page MessagePage, dir Direction) (bool, error) {
	if err := page.Validate(); err != nil {
		return false, err
	}
	for _, m := range page.Messages {
		if m.GroupID != groupID {
			return false, fmt.Errorf("%w: message %s belongs to group %s, not %s",
				ErrMalformedPayload, m.ID, m.GroupID, groupID)
		}
	}

	return s.apply(nil, func() []Change {
		if g, ok := s.groups[groupID]; ok && g.IsArchived {
			return nil
		}
		if !s.timelineLocked(groupID).mergePage(page, dir) {
			return nil
		}
		return []Change{{Kind: PageAppended, GroupID: groupID}}
	}), nil
}

// AppendLiveMessage inserts a single message at its chronological position
// and advances the group's updatedAt to the message's createdAt when newer.
// A message whose id is already held is a no-op.
func (s *Store) AppendLiveMessage(m ChatMessage) (bool, error) {
	return s.appendLive(m, nil)
}

// appendLive is AppendLiveMessage with an admission check evaluated under
// the write lock.
func (s *Store) appendLive(m ChatMessage, admit func() bool) (bool, error) {
	if err := m.Validate(); err != nil {
		return false, err
	}
	return s.apply(admit, func() []Change {
		g, known := s.groups[m.GroupID]
		if known && g.IsArchived {
			return nil
		}
		if !s.timelineLocked(m.GroupID).insertLive(m) {
			return nil
		}
		if known && m.CreatedAt.After(g.UpdatedAt.Time) {
			advanced := g.clone()
			advanced.UpdatedAt = m.CreatedAt
			s.groups[m.GroupID] = &advanced
		}
		return []Change{{Kind: MessageAppended, GroupID: m.GroupID, MessageID: m.ID}}
	}), nil
}

// applyGroupNotice merges a pushed group record. When the stored record
// ends up archived the timeline is dropped in the same step; a stale
// archive notice loses to a fresher cached group and wipes nothing.
func (s *Store) applyGroupNotice(g ChatGroup, admit func() bool) (bool, error) {
	if err := g.Validate(); err != nil {
		return false, err
	}
	g = g.clone()
	return s.apply(admit, func() []Change {
		var changes []Change
		if s.putGroupLocked(&g) {
			changes = append(changes, Change{Kind: GroupUpserted, GroupID: g.ID})
		}
		if cur := s.groups[g.ID]; cur.IsArchived && s.dropTimelineLocked(g.ID) {
			changes = append(changes, Change{Kind: MessagesRemoved, GroupID: g.ID})
		}
		return changes
	}), nil
}

// settle waits for a write in progress to finish.
func (s *Store) settle() {
	s.mu.Lock()
	s.mu.Unlock()
}

// apply runs fn under the write lock unless admit rejects it, then
// notifies subscribers of the changes fn reports, outside the lock.
func (s *Store) apply(admit func() bool, fn func() []Change) bool {
	s.mu.Lock()
	if admit != nil && !admit() {
		s.mu.Unlock()
		return false
	}
	changes := fn()
	s.mu.Unlock()

	for _, c := range changes {
		s.notify(c)
	}
	return len(changes) > 0
}

func (s *Store) putGroupLocked(g *ChatGroup) bool {
	if cur, ok := s.groups[g.ID]; ok && (g.UpdatedAt.Before(cur.UpdatedAt.Time) || sameGroup(cur, g)) {
		return false
	}
	s.groups[g.ID] = g
	return true
}

func (s *Store) dropTimelineLocked(groupID string) bool {
	_, ok := s.timelines[groupID]
	delete(s.timelines, groupID)
	return ok
}

func (s *Store) timelineLocked(groupID string) *timeline {
	tl, ok := s.timelines[groupID]
	if !ok {
		tl = newTimeline()
		s.timelines[groupID] = tl
	}
	return tl
}

// ── Subscriptions ────────────────────────────────────────

// Subscribe registers h for every subsequent change and returns a function
// that removes it.
func (s *Store) Subscribe(h ChangeHandler) (unsubscribe func()) {
	id := uuid.NewString()
	s.subMu.Lock()
	s.subscribers[id] = h
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.subscribers, id)
		s.subMu.Unlock()
	}
}

func (s *Store) notify(c Change) {
	s.subMu.RLock()
	handlers := make([]ChangeHandler, 0, len(s.subscribers))
	for _, h := range s.subscribers {
		handlers = append(handlers, h)
	}
	s.subMu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.log.WithFields(logrus.Fields{
						"kind":     c.Kind,
						"group_id": c.GroupID,
						"panic":    r,
					}).Error("store subscriber panicked")
				}
			}()
			h(c)
		}()
	}
}

func sameGroup(a, b *ChatGroup) bool {
	if a.ID != b.ID || a.Name != b.Name || a.IsArchived != b.IsArchived || !a.UpdatedAt.Equal(b.UpdatedAt.Time) {
		return false
	}
	if len(a.MemberIDs) != len(b.MemberIDs) {
		return false
	}
	members := make(map[string]int, len(a.MemberIDs))
	for _, id := range a.MemberIDs {
		members[id]++
	}
	for _, id := range b.MemberIDs {
		if members[id] == 0 {
			return false
		}
		members[id]--
	}
	return true
}
