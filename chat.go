package chatsync

import (
	"context"

	"github.com/sirupsen/logrus"
)

// Chat wires a Store to its three writers: the pager, the mutation
// coordinator and the push supervisor.
type Chat struct {
	Store     *Store
	Pager     *Pager
	Mutations *Coordinator
	Push      *BridgeSupervisor
}

// ChatOption configures NewChat.
type ChatOption func(*chatOptions)

type chatOptions struct {
	log   *logrus.Entry
	dial  Dialer
	store *Store
}

// WithLogger sets the logger shared by every component.
func WithLogger(log *logrus.Entry) ChatOption {
	return func(o *chatOptions) { o.log = log }
}

// WithDialer sets how push transports are created. Without one the push
// supervisor never connects.
func WithDialer(dial Dialer) ChatOption {
	return func(o *chatOptions) { o.dial = dial }
}

// WithStore uses an existing store instead of a fresh one.
func WithStore(s *Store) ChatOption {
	return func(o *chatOptions) { o.store = s }
}

// NewChat builds a Chat around the given REST collaborators.
func NewChat(groups GroupAPI, messages MessageAPI, opts ...ChatOption) *Chat {
	o := &chatOptions{}
	for _, opt := range opts {
		opt(o)
	}
	if o.log == nil {
		o.log = defaultLogger()
	}
	if o.store == nil {
		o.store = NewStore(o.log)
	}

	return &Chat{
		Store:     o.store,
		Pager:     NewPager(o.store, messages, o.log),
		Mutations: NewCoordinator(o.store, groups, messages, o.log),
		Push:      NewBridgeSupervisor(o.store, o.dial, o.log),
	}
}

// Groups returns the active groups in display order.
func (c *Chat) Groups() []ChatGroup {
	return c.Store.ActiveGroups()
}

// Group returns one cached group.
func (c *Chat) Group(groupID string) (ChatGroup, bool) {
	return c.Store.GetGroup(groupID)
}

// Timeline returns a group's cached messages in chronological order.
func (c *Chat) Timeline(groupID string) []ChatMessage {
	return c.Store.Timeline(groupID)
}

// Open loads a group's newest page unless it is already cached.
func (c *Chat) Open(ctx context.Context, groupID string, pageSize int) error {
	if c.Store.Loaded(groupID) {
		return nil
	}
	_, err := c.Pager.LoadInitial(ctx, groupID, pageSize)
	return err
}

// Leave releases a group's view; an outstanding fetch for it is discarded.
func (c *Chat) Leave(groupID string) {
	c.Pager.Release(groupID)
}

// Close tears down the push channel.
func (c *Chat) Close() error {
	return c.Push.Stop()
}
