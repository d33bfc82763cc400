package chatsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
)

func newTestChat(groups GroupAPI, messages MessageAPI) *Chat {
	log, _ := testLogger()
	return NewChat(groups, messages, WithLogger(log))
}

func TestCreateSendAndEchoDeduplicate(t *testing.T) {
	groups, messages := newFakeGroups(), newFakeMessages()
	chat := newTestChat(groups, messages)
	ctx := context.Background()

	g, err := chat.Mutations.CreateGroup(ctx, "launch", []string{"u1", "u2"})
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	if cached, ok := chat.Group(g.ID); !ok || cached.Name != "launch" {
		t.Fatalf("expected created group in cache, got %+v", cached)
	}

	m, err := chat.Mutations.SendMessage(ctx, g.ID, "hello")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	// The push echo of our own message arrives after the REST response.
	b := newBridge(Session{UserID: "u1", TenantID: "t", Token: "tok"}, chat.Store, &fakeTransport{}, defaultLogger(), nil)
	b.Handle(MessageNew{Message: *m})

	tl := chat.Timeline(g.ID)
	if len(tl) != 1 || tl[0].ID != m.ID || tl[0].Content != "hello" {
		t.Fatalf("expected exactly the sent message, got %+v", tl)
	}
	if top := chat.Groups(); len(top) != 1 || !top[0].UpdatedAt.Equal(m.CreatedAt.Time) {
		t.Fatalf("expected group updatedAt to follow the message, got %+v", top)
	}
}

func TestMutationFailureLeavesStoreUntouched(t *testing.T) {
	boom := errors.New("backend unavailable")
	groups, messages := newFakeGroups(grp("g1", 10)), newFakeMessages()
	chat := newTestChat(groups, messages)
	ctx := context.Background()

	if _, err := chat.Mutations.RefreshGroups(ctx); err != nil {
		t.Fatalf("RefreshGroups: %v", err)
	}
	rec := &recorder{}
	chat.Store.Subscribe(rec.handle)

	groups.err = boom
	messages.sendErr = boom

	if _, err := chat.Mutations.CreateGroup(ctx, "x", nil); err != boom {
		t.Fatalf("expected error unchanged, got %v", err)
	}
	if _, err := chat.Mutations.UpdateGroup(ctx, "g1", GroupPatch{}); err != boom {
		t.Fatalf("expected error unchanged, got %v", err)
	}
	if _, err := chat.Mutations.ArchiveGroup(ctx, "g1"); err != boom {
		t.Fatalf("expected error unchanged, got %v", err)
	}
	if _, err := chat.Mutations.SendMessage(ctx, "g1", "hi"); err != boom {
		t.Fatalf("expected error unchanged, got %v", err)
	}

	if rec.count() != 0 {
		t.Fatalf("expected no store writes, got %d", rec.count())
	}
	if g, _ := chat.Group("g1"); g.IsArchived || g.Name != "group g1" {
		t.Fatalf("group changed after failures: %+v", g)
	}
}

func TestUpdateGroupReplacesMembers(t *testing.T) {
	groups := newFakeGroups(grp("g1", 10, "u1", "u2"))
	chat := newTestChat(groups, newFakeMessages())
	ctx := context.Background()
	chat.Mutations.RefreshGroups(ctx)

	name := "renamed"
	g, err := chat.Mutations.UpdateGroup(ctx, "g1", GroupPatch{Name: &name, MemberIDs: []string{"u3"}})
	if err != nil {
		t.Fatalf("UpdateGroup: %v", err)
	}

	cached, _ := chat.Group("g1")
	if cached.Name != "renamed" || len(cached.MemberIDs) != 1 || !cached.HasMember("u3") {
		t.Fatalf("unexpected cached group: %+v", cached)
	}
	if !cached.UpdatedAt.Equal(g.UpdatedAt.Time) {
		t.Fatal("expected server updatedAt to be stored")
	}
}

func TestArchiveGroup(t *testing.T) {
	t.Run("tombstones and drops messages", func(t *testing.T) {
		groups, messages := newFakeGroups(grp("g1", 10), grp("g2", 5)), newFakeMessages()
		messages.seed("g1", 3)
		chat := newTestChat(groups, messages)
		ctx := context.Background()

		chat.Mutations.RefreshGroups(ctx)
		chat.Open(ctx, "g1", 10)

		g, err := chat.Mutations.ArchiveGroup(ctx, "g1")
		if err != nil {
			t.Fatalf("ArchiveGroup: %v", err)
		}
		if !g.IsArchived {
			t.Fatal("expected archived record")
		}
		if chat.Timeline("g1") != nil {
			t.Fatal("expected messages to be removed")
		}
		if got := groupIDs(chat.Groups()); !equalIDs(got, []string{"g2"}) {
			t.Fatalf("archived group still listed: %v", got)
		}
		if cached, ok := chat.Group("g1"); !ok || !cached.IsArchived {
			t.Fatal("tombstone should remain readable")
		}

		// A page fetched before the archive lands afterwards.
		chat.Store.AppendPage("g1", MessagePage{Messages: []ChatMessage{msg("g1", "late", 1)}}, Newer)
		if chat.Timeline("g1") != nil {
			t.Fatal("late page repopulated an archived group")
		}
	})

	t.Run("wins over a live-advanced updatedAt", func(t *testing.T) {
		groups := newFakeGroups(grp("g1", 10))
		chat := newTestChat(groups, newFakeMessages())
		ctx := context.Background()

		chat.Mutations.RefreshGroups(ctx)
		// Server archive stamps 101s; a live message pushed the cache to 500s.
		chat.Store.AppendLiveMessage(msg("g1", "m1", 500))

		if _, err := chat.Mutations.ArchiveGroup(ctx, "g1"); err != nil {
			t.Fatalf("ArchiveGroup: %v", err)
		}
		cached, _ := chat.Group("g1")
		if !cached.IsArchived {
			t.Fatal("archive was dropped by the freshness rule")
		}
		if !cached.UpdatedAt.Equal(ts(500).Time) {
			t.Fatalf("expected tombstone at the cached updatedAt, got %v", cached.UpdatedAt)
		}
	})

	t.Run("concurrent live messages cannot outrun the tombstone", func(t *testing.T) {
		for round := 0; round < 200; round++ {
			groups := newFakeGroups(grp("g1", 10))
			chat := newTestChat(groups, newFakeMessages())
			ctx := context.Background()
			chat.Mutations.RefreshGroups(ctx)

			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < 20; i++ {
					chat.Store.AppendLiveMessage(msg("g1", fmt.Sprintf("m%d", i), 1000+i))
				}
			}()
			if _, err := chat.Mutations.ArchiveGroup(ctx, "g1"); err != nil {
				t.Fatalf("ArchiveGroup: %v", err)
			}
			wg.Wait()

			cached, _ := chat.Group("g1")
			if !cached.IsArchived {
				t.Fatalf("round %d: archive lost to a live message", round)
			}
			if len(chat.Groups()) != 0 || chat.Timeline("g1") != nil {
				t.Fatalf("round %d: archived group still active or holding messages", round)
			}
		}
	})
}

func TestStoreArchiveGroup(t *testing.T) {
	s, _ := newTestStore()
	rec := &recorder{}
	s.UpsertGroup(grp("g1", 10))
	s.AppendLiveMessage(msg("g1", "m1", 500))
	s.Subscribe(rec.handle)

	tomb, err := s.ArchiveGroup(grp("g1", 100))
	if err != nil {
		t.Fatalf("ArchiveGroup: %v", err)
	}
	if !tomb.IsArchived || !tomb.UpdatedAt.Equal(ts(500).Time) {
		t.Fatalf("unexpected tombstone: %+v", tomb)
	}
	if cached, _ := s.GetGroup("g1"); !cached.IsArchived {
		t.Fatal("expected stored tombstone")
	}
	if s.GetMessagePages("g1") != nil {
		t.Fatal("expected timeline dropped")
	}
	if rec.count() != 2 {
		t.Fatalf("expected upsert and removal changes, got %d", rec.count())
	}

	if _, err := s.ArchiveGroup(ChatGroup{Name: "no id"}); !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("expected ErrMalformedPayload, got %v", err)
	}
}

func TestSendMessageRejectsForeignGroup(t *testing.T) {
	chat := newTestChat(newFakeGroups(), &misroutingMessages{fakeMessages: newFakeMessages()})

	_, err := chat.Mutations.SendMessage(context.Background(), "g1", "hi")
	if !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("expected ErrMalformedPayload, got %v", err)
	}
	if chat.Timeline("g1") != nil || chat.Timeline("elsewhere") != nil {
		t.Fatal("nothing should be merged")
	}
}

type misroutingMessages struct{ *fakeMessages }

func (m *misroutingMessages) SendMessage(ctx context.Context, _, content string) (*ChatMessage, error) {
	return m.fakeMessages.SendMessage(ctx, "elsewhere", content)
}

func TestRefreshGroups(t *testing.T) {
	t.Run("ignores records older than the cache", func(t *testing.T) {
		groups := newFakeGroups(grp("g1", 10))
		chat := newTestChat(groups, newFakeMessages())
		ctx := context.Background()

		fresher := grp("g1", 50)
		fresher.Name = "from push"
		chat.Store.UpsertGroup(fresher)

		if _, err := chat.Mutations.RefreshGroups(ctx); err != nil {
			t.Fatalf("RefreshGroups: %v", err)
		}
		if g, _ := chat.Group("g1"); g.Name != "from push" {
			t.Fatalf("stale listing overwrote fresher record: %+v", g)
		}
	})

	t.Run("malformed listing merges nothing", func(t *testing.T) {
		groups := newFakeGroups(grp("g1", 10), ChatGroup{ID: "bad"})
		chat := newTestChat(groups, newFakeMessages())

		_, err := chat.Mutations.RefreshGroups(context.Background())
		if !errors.Is(err, ErrMalformedPayload) {
			t.Fatalf("expected ErrMalformedPayload, got %v", err)
		}
		if len(chat.Store.GetGroups()) != 0 {
			t.Fatal("expected all-or-nothing merge")
		}
	})

	t.Run("single group refresh drops archived messages", func(t *testing.T) {
		archived := grp("g1", 10)
		archived.IsArchived = true
		chat := newTestChat(newFakeGroups(archived), newFakeMessages())
		chat.Store.AppendLiveMessage(msg("g1", "m1", 1))

		if _, err := chat.Mutations.RefreshGroup(context.Background(), "g1"); err != nil {
			t.Fatalf("RefreshGroup: %v", err)
		}
		if chat.Timeline("g1") != nil {
			t.Fatal("expected archived group's messages removed")
		}
	})
}
