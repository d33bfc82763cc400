package chatsync

import "testing"

func TestOrderGroups(t *testing.T) {
	t.Run("most recently updated first", func(t *testing.T) {
		got := OrderGroups([]ChatGroup{grp("t1", 1), grp("t3", 3), grp("t2", 2)})
		if !equalIDs(groupIDs(got), []string{"t3", "t2", "t1"}) {
			t.Fatalf("unexpected order: %v", groupIDs(got))
		}
	})

	t.Run("ties broken by id", func(t *testing.T) {
		got := OrderGroups([]ChatGroup{grp("b", 5), grp("a", 5), grp("c", 9)})
		if !equalIDs(groupIDs(got), []string{"c", "a", "b"}) {
			t.Fatalf("unexpected order: %v", groupIDs(got))
		}
	})

	t.Run("archived groups excluded", func(t *testing.T) {
		archived := grp("x", 99)
		archived.IsArchived = true
		in := []ChatGroup{grp("a", 1), archived}

		got := OrderGroups(in)
		if !equalIDs(groupIDs(got), []string{"a"}) {
			t.Fatalf("unexpected groups: %v", groupIDs(got))
		}
		if len(in) != 2 || in[1].ID != "x" {
			t.Fatal("input must not be modified")
		}
	})
}

func TestActiveGroupsFollowLiveMessages(t *testing.T) {
	s, _ := newTestStore()
	s.UpsertGroup(grp("g1", 1))
	s.UpsertGroup(grp("g2", 2))

	if got := groupIDs(s.ActiveGroups()); !equalIDs(got, []string{"g2", "g1"}) {
		t.Fatalf("unexpected initial order: %v", got)
	}

	s.AppendLiveMessage(msg("g1", "m1", 5))
	if got := groupIDs(s.ActiveGroups()); !equalIDs(got, []string{"g1", "g2"}) {
		t.Fatalf("expected g1 to move to the top, got %v", got)
	}
}
