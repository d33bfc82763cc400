package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/orgdesk/chatsync"
)

var (
	watchPreload     bool
	watchConcurrency int
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow live messages and group changes",
	Long: "Connect the push channel and print every new message and group change.\n" +
		"The group list is reprinted in activity order whenever it changes.",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		s := a.session()
		if !s.Ready() {
			return fmt.Errorf("%w: set auth.user_id and auth.tenant_id", chatsync.ErrNoSession)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		loadCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		groups, err := a.chat.Mutations.RefreshGroups(loadCtx)
		if err == nil && watchPreload {
			err = preload(loadCtx, a, groups)
		}
		cancel()
		if err != nil {
			return err
		}
		printGroups(a.chat.Groups())

		unsubscribe := a.chat.Store.Subscribe(func(c chatsync.Change) {
			switch c.Kind {
			case chatsync.MessageAppended:
				if m, ok := findMessage(a.chat.Timeline(c.GroupID), c.MessageID); ok {
					fmt.Printf("%s %s\n", c.GroupID, formatMessage(m))
				}
				printGroups(a.chat.Groups())
			case chatsync.GroupUpserted:
				printGroups(a.chat.Groups())
			}
		})
		defer unsubscribe()

		a.chat.Push.OnStateChange(func(st chatsync.BridgeState) {
			fmt.Fprintf(os.Stderr, "push: %s\n", st)
		})
		if err := a.chat.Push.Update(ctx, s); err != nil {
			return err
		}
		defer a.chat.Close()

		<-ctx.Done()
		return nil
	},
}

// preload fetches the newest page of every active group, a few at a time.
func preload(ctx context.Context, a *app, groups []chatsync.ChatGroup) error {
	g, gctx := errgroup.WithContext(ctx)
	if watchConcurrency > 0 {
		g.SetLimit(watchConcurrency)
	}
	for _, grp := range groups {
		if grp.IsArchived {
			continue
		}
		id := grp.ID
		g.Go(func() error {
			if _, err := a.chat.Pager.LoadInitial(gctx, id, a.pageSize()); err != nil {
				return fmt.Errorf("load %s: %w", id, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// findMessage looks a message up by id; live inserts need not land last.
func findMessage(msgs []chatsync.ChatMessage, id string) (chatsync.ChatMessage, bool) {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].ID == id {
			return msgs[i], true
		}
	}
	return chatsync.ChatMessage{}, false
}

func printGroups(groups []chatsync.ChatGroup) {
	fmt.Println("Groups:")
	for _, g := range groups {
		fmt.Println(formatGroup(g))
	}
}

func init() {
	watchCmd.Flags().BoolVar(&watchPreload, "preload", true, "Load the newest page of every group before watching")
	watchCmd.Flags().IntVar(&watchConcurrency, "concurrency", 4, "Parallel history loads during preload")
	rootCmd.AddCommand(watchCmd)
}
