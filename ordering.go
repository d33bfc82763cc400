package chatsync

import "sort"

// OrderGroups derives the active group list: archived groups are dropped and
// the rest sorted by updatedAt descending, ties broken by id ascending.
// The input slice is not modified.
func OrderGroups(groups []ChatGroup) []ChatGroup {
	out := make([]ChatGroup, 0, len(groups))
	for _, g := range groups {
		if !g.IsArchived {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].UpdatedAt, out[j].UpdatedAt
		if !a.Equal(b.Time) {
			return a.After(b.Time)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ActiveGroups returns the current group ordering view of the store.
func (s *Store) ActiveGroups() []ChatGroup {
	return OrderGroups(s.GetGroups())
}
