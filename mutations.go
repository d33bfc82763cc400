package chatsync

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Coordinator runs group and message mutations against the REST surface and,
// only when a call succeeds, reconciles its result into the store. A failed
// call returns the collaborator's error unchanged and leaves the store alone.
type Coordinator struct {
	store    *Store
	groups   GroupAPI
	messages MessageAPI
	log      *logrus.Entry
}

// NewCoordinator creates a coordinator writing into store.
func NewCoordinator(store *Store, groups GroupAPI, messages MessageAPI, log *logrus.Entry) *Coordinator {
	if log == nil {
		log = defaultLogger()
	}
	return &Coordinator{
		store:    store,
		groups:   groups,
		messages: messages,
		log:      log.WithField("component", "mutations"),
	}
}

// CreateGroup creates a group and caches the server's record.
func (c *Coordinator) CreateGroup(ctx context.Context, name string, memberIDs []string) (*ChatGroup, error) {
	g, err := c.groups.CreateGroup(ctx, name, memberIDs)
	if err != nil {
		return nil, err
	}
	if g == nil {
		return nil, fmt.Errorf("%w: empty group response", ErrMalformedPayload)
	}
	if _, err := c.store.UpsertGroup(*g); err != nil {
		return nil, err
	}
	c.log.WithField("group_id", g.ID).Info("group created")
	return g, nil
}

// UpdateGroup applies patch and caches the fully resolved group returned.
func (c *Coordinator) UpdateGroup(ctx context.Context, groupID string, patch GroupPatch) (*ChatGroup, error) {
	g, err := c.groups.UpdateGroup(ctx, groupID, patch)
	if err != nil {
		return nil, err
	}
	if g == nil {
		return nil, fmt.Errorf("%w: empty group response", ErrMalformedPayload)
	}
	if _, err := c.store.UpsertGroup(*g); err != nil {
		return nil, err
	}
	return g, nil
}

// ArchiveGroup archives a group. The cached record is kept as a tombstone
// and the group's timeline is dropped.
func (c *Coordinator) ArchiveGroup(ctx context.Context, groupID string) (*ChatGroup, error) {
	g, err := c.groups.ArchiveGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}

	// A live message may have advanced the cached updatedAt past the server's
	// value; the store keeps the later one so the confirmed archive wins.
	tomb, err := c.store.ArchiveGroup(*g)
	if err != nil {
		return nil, err
	}
	c.log.WithField("group_id", groupID).Info("group archived")
	return &tomb, nil
}

// SendMessage sends content and caches the persisted message, carrying the
// server-assigned id and timestamp.
func (c *Coordinator) SendMessage(ctx context.Context, groupID, content string) (*ChatMessage, error) {
	m, err := c.messages.SendMessage(ctx, groupID, content)
	if err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	if m.GroupID != groupID {
		return nil, fmt.Errorf("%w: sent to %s, server returned group %s", ErrMalformedPayload, groupID, m.GroupID)
	}
	if _, err := c.store.AppendLiveMessage(*m); err != nil {
		return nil, err
	}
	return m, nil
}

// RefreshGroups lists the tenant's groups and merges each one. Records older
// than the cached ones are ignored.
func (c *Coordinator) RefreshGroups(ctx context.Context) ([]ChatGroup, error) {
	groups, err := c.groups.ListGroups(ctx)
	if err != nil {
		return nil, err
	}
	for i := range groups {
		if err := groups[i].Validate(); err != nil {
			return nil, err
		}
	}
	for _, g := range groups {
		if _, err := c.store.UpsertGroup(g); err != nil {
			return nil, err
		}
	}
	return groups, nil
}

// RefreshGroup fetches one group's detail and merges it.
func (c *Coordinator) RefreshGroup(ctx context.Context, groupID string) (*ChatGroup, error) {
	g, err := c.groups.GetGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if g == nil {
		return nil, fmt.Errorf("%w: empty group response", ErrMalformedPayload)
	}
	if _, err := c.store.applyGroupNotice(*g, nil); err != nil {
		return nil, err
	}
	return g, nil
}
