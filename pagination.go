package chatsync

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// DefaultPageSize is used by LoadOlder when no LoadInitial set a size.
const DefaultPageSize = 50

// Pager fetches message history backwards with cursor pagination and merges
// each page into the store. At most one fetch per group is outstanding; a
// re-entrant call returns ErrLoadInProgress without fetching.
type Pager struct {
	store *Store
	api   MessageAPI
	log   *logrus.Entry

	mu        sync.Mutex
	tokens    map[string]uint64 // bumped by Release
	inflight  map[string]uint64 // token of the outstanding fetch
	pageSizes map[string]int
}

// NewPager creates a pager writing into store.
func NewPager(store *Store, api MessageAPI, log *logrus.Entry) *Pager {
	if log == nil {
		log = defaultLogger()
	}
	return &Pager{
		store:     store,
		api:       api,
		log:       log.WithField("component", "pager"),
		tokens:    make(map[string]uint64),
		inflight:  make(map[string]uint64),
		pageSizes: make(map[string]int),
	}
}

// LoadInitial fetches the newest pageSize messages of a group.
func (p *Pager) LoadInitial(ctx context.Context, groupID string, pageSize int) (*MessagePage, error) {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	p.mu.Lock()
	p.pageSizes[groupID] = pageSize
	p.mu.Unlock()

	return p.fetch(ctx, ListMessagesRequest{GroupID: groupID, Limit: pageSize}, Newer)
}

// LoadOlder fetches the page preceding the earliest cached message, using
// its id as the cursor. With nothing cached it behaves like LoadInitial; once
// the server has reported no more history it returns an empty page without
// fetching.
func (p *Pager) LoadOlder(ctx context.Context, groupID string) (*MessagePage, error) {
	p.mu.Lock()
	pageSize := p.pageSizes[groupID]
	p.mu.Unlock()
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}

	oldest, ok := p.store.Oldest(groupID)
	if !ok || !p.store.Loaded(groupID) {
		return p.fetch(ctx, ListMessagesRequest{GroupID: groupID, Limit: pageSize}, Newer)
	}
	if !p.store.HasMore(groupID) {
		return &MessagePage{}, nil
	}
	return p.fetch(ctx, ListMessagesRequest{GroupID: groupID, Limit: pageSize, BeforeID: oldest.ID}, Older)
}

// Release marks the group's view as left: any outstanding fetch for it is
// discarded when it returns, and a new load may start immediately.
func (p *Pager) Release(groupID string) {
	p.mu.Lock()
	p.tokens[groupID]++
	delete(p.inflight, groupID)
	p.mu.Unlock()
}

// Loading reports whether a fetch for the group is outstanding.
func (p *Pager) Loading(groupID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.inflight[groupID]
	return ok
}

func (p *Pager) begin(groupID string) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, busy := p.inflight[groupID]; busy {
		return 0, ErrLoadInProgress
	}
	tok := p.tokens[groupID]
	p.inflight[groupID] = tok
	return tok, nil
}

func (p *Pager) finish(groupID string, tok uint64) {
	p.mu.Lock()
	if cur, ok := p.inflight[groupID]; ok && cur == tok {
		delete(p.inflight, groupID)
	}
	p.mu.Unlock()
}

func (p *Pager) current(groupID string, tok uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tokens[groupID] == tok
}

func (p *Pager) fetch(ctx context.Context, req ListMessagesRequest, dir Direction) (*MessagePage, error) {
	tok, err := p.begin(req.GroupID)
	if err != nil {
		return nil, err
	}
	defer p.finish(req.GroupID, tok)

	page, err := p.api.ListMessages(ctx, req)
	if err != nil {
		return nil, err
	}

	fields := logrus.Fields{"group_id": req.GroupID, "direction": dir, "cursor": req.BeforeID}
	if ctx.Err() != nil || !p.current(req.GroupID, tok) {
		p.log.WithFields(fields).Debug("discarding stale page")
		return nil, ErrStaleFetch
	}

	if page == nil {
		return nil, fmt.Errorf("%w: empty page response", ErrMalformedPayload)
	}
	if _, err := p.store.AppendPage(req.GroupID, *page, dir); err != nil {
		return nil, fmt.Errorf("merge page: %w", err)
	}
	p.log.WithFields(fields).WithField("count", len(page.Messages)).Debug("page merged")
	return page, nil
}
