package chatsync

import "sort"

// Direction selects which end of a timeline a fetched page belongs to.
type Direction int

const (
	// Older pages extend history backwards and carry the hasMore flag.
	Older Direction = iota
	// Newer pages hold the latest window of a group, as fetched on open.
	Newer
)

func (d Direction) String() string {
	if d == Newer {
		return "newer"
	}
	return "older"
}

// timeline holds the pages of one group, oldest page first. Flattening the
// pages in order yields an ascending, duplicate-free message sequence.
type timeline struct {
	pages   [][]ChatMessage
	ids     map[string]struct{}
	hasMore bool
	// loaded is set once a fetched page has been merged; a timeline started
	// by live messages alone does not know its history yet.
	loaded bool
	// fetched is the newest message that arrived in a fetched page. Live
	// messages never move it.
	fetched *ChatMessage
}

func newTimeline() *timeline {
	return &timeline{ids: make(map[string]struct{})}
}

func (t *timeline) len() int {
	return len(t.ids)
}

func (t *timeline) has(id string) bool {
	_, ok := t.ids[id]
	return ok
}

func (t *timeline) oldest() *ChatMessage {
	for _, p := range t.pages {
		if len(p) > 0 {
			return &p[0]
		}
	}
	return nil
}

func (t *timeline) newest() *ChatMessage {
	for i := len(t.pages) - 1; i >= 0; i-- {
		if p := t.pages[i]; len(p) > 0 {
			return &p[len(p)-1]
		}
	}
	return nil
}

func (t *timeline) flatten() []ChatMessage {
	out := make([]ChatMessage, 0, len(t.ids))
	for _, p := range t.pages {
		out = append(out, p...)
	}
	return out
}

func (t *timeline) snapshot() []MessagePage {
	out := make([]MessagePage, 0, len(t.pages))
	for i, p := range t.pages {
		out = append(out, MessagePage{
			Messages: append([]ChatMessage(nil), p...),
			HasMore:  i == 0 && t.hasMore,
		})
	}
	return out
}

func (t *timeline) reset() {
	t.pages = nil
	t.ids = make(map[string]struct{})
	t.hasMore = false
	t.loaded = false
	t.fetched = nil
}

// fresh returns the page's messages not yet held, sorted ascending with
// in-page duplicates dropped.
func (t *timeline) fresh(msgs []ChatMessage) []ChatMessage {
	seen := make(map[string]struct{}, len(msgs))
	out := make([]ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		if t.has(m.ID) {
			continue
		}
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].before(&out[j]) })
	return out
}

// mergePage merges a fetched page and reports whether anything changed.
func (t *timeline) mergePage(page MessagePage, dir Direction) bool {
	trimmed := false
	if dir == Newer && page.HasMore && len(page.Messages) > 0 && t.len() > 0 {
		// A newest window that does not reach the fetched history would leave
		// a hole under it; cached messages below the window are dropped and
		// paged back in by LoadOlder.
		first := earliest(page.Messages)
		if t.fetched == nil || t.fetched.before(&first) {
			trimmed = t.trimBefore(first)
		}
	}
	wasEmpty := t.len() == 0
	msgs := t.fresh(page.Messages)
	t.markFetched(page.Messages)

	changed := trimmed
	if !t.loaded || dir == Older {
		if t.hasMore != page.HasMore {
			t.hasMore = page.HasMore
			changed = true
		}
	}
	if !t.loaded {
		t.loaded = true
		changed = true
	}
	if len(msgs) == 0 {
		return changed
	}

	if wasEmpty {
		t.pages = [][]ChatMessage{msgs}
		t.index(msgs)
		return true
	}

	var older, newer []ChatMessage
	oldest, newest := *t.oldest(), *t.newest()
	for _, m := range msgs {
		switch {
		case m.before(&oldest):
			older = append(older, m)
		case newest.before(&m):
			newer = append(newer, m)
		default:
			t.insert(m)
		}
	}
	if len(older) > 0 {
		t.pages = append([][]ChatMessage{older}, t.pages...)
		t.index(older)
	}
	if len(newer) > 0 {
		t.pages = append(t.pages, newer)
		t.index(newer)
	}
	return true
}

// insertLive places one message at its chronological position, normally the
// tail of the newest page. It reports false for a message already held.
func (t *timeline) insertLive(m ChatMessage) bool {
	if t.has(m.ID) {
		return false
	}
	if len(t.pages) == 0 {
		t.pages = [][]ChatMessage{{m}}
		t.ids[m.ID] = struct{}{}
		return true
	}
	if oldest := t.oldest(); m.before(oldest) {
		t.pages[0] = append([]ChatMessage{m}, t.pages[0]...)
		t.ids[m.ID] = struct{}{}
		return true
	}
	t.insert(m)
	return true
}

// insert puts m into the last page whose first message precedes it.
func (t *timeline) insert(m ChatMessage) {
	pi := len(t.pages) - 1
	for pi > 0 && (len(t.pages[pi]) == 0 || m.before(&t.pages[pi][0])) {
		pi--
	}
	page := t.pages[pi]
	at := sort.Search(len(page), func(i int) bool { return m.before(&page[i]) })
	page = append(page, ChatMessage{})
	copy(page[at+1:], page[at:])
	page[at] = m
	t.pages[pi] = page
	t.ids[m.ID] = struct{}{}
}

// trimBefore restarts the timeline from the messages at or after first. It
// reports whether anything was dropped.
func (t *timeline) trimBefore(first ChatMessage) bool {
	all := t.flatten()
	kept := make([]ChatMessage, 0, len(all))
	for _, m := range all {
		if !m.before(&first) {
			kept = append(kept, m)
		}
	}
	if len(kept) == len(all) {
		// Nothing fetched lies below the window, so it starts the history.
		t.loaded = false
		return false
	}
	t.reset()
	if len(kept) > 0 {
		t.pages = [][]ChatMessage{kept}
		t.index(kept)
	}
	return true
}

func (t *timeline) markFetched(msgs []ChatMessage) {
	for i := range msgs {
		if t.fetched == nil || t.fetched.before(&msgs[i]) {
			m := msgs[i]
			t.fetched = &m
		}
	}
}

func earliest(msgs []ChatMessage) ChatMessage {
	first := msgs[0]
	for i := range msgs[1:] {
		if msgs[i+1].before(&first) {
			first = msgs[i+1]
		}
	}
	return first
}

func (t *timeline) index(msgs []ChatMessage) {
	for _, m := range msgs {
		t.ids[m.ID] = struct{}{}
	}
}
