package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	messagesLimit int
	messagesPages int
	messagesJSON  bool

	sendJSON bool
)

// ============================================================================
// messages
// ============================================================================

var messagesCmd = &cobra.Command{
	Use:   "messages <group-id>",
	Short: "Show a group's message history",
	Long:  "Fetch the newest page of a group's history, then --pages-1 older pages, and print them oldest first.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		groupID := args[0]
		a, err := newApp()
		if err != nil {
			return err
		}

		limit := messagesLimit
		if limit <= 0 {
			limit = a.pageSize()
		}
		pages := messagesPages
		if pages <= 0 {
			pages = 1
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if _, err := a.chat.Pager.LoadInitial(ctx, groupID, limit); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		for i := 1; i < pages && a.chat.Store.HasMore(groupID); i++ {
			if _, err := a.chat.Pager.LoadOlder(ctx, groupID); err != nil {
				return fmt.Errorf("request failed: %w", err)
			}
		}

		msgs := a.chat.Timeline(groupID)
		if messagesJSON {
			return printJSON(msgs)
		}
		if len(msgs) == 0 {
			fmt.Println("No messages found.")
			return nil
		}
		for _, m := range msgs {
			fmt.Println(formatMessage(m))
		}
		if a.chat.Store.HasMore(groupID) {
			fmt.Println("(older messages available; use --pages)")
		}
		return nil
	},
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <group-id> <message>",
	Short: "Send a message to a group",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		groupID, content := args[0], args[1]
		a, err := newApp()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		m, err := a.chat.Mutations.SendMessage(ctx, groupID, content)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if sendJSON {
			return printJSON(m)
		}
		fmt.Printf("Message sent to group %s\n", groupID)
		fmt.Printf("  Message ID: %s\n", m.ID)
		return nil
	},
}

func init() {
	messagesCmd.Flags().IntVarP(&messagesLimit, "limit", "n", 0, "Messages per page (default from config)")
	messagesCmd.Flags().IntVar(&messagesPages, "pages", 1, "Number of pages to fetch")
	messagesCmd.Flags().BoolVar(&messagesJSON, "json", false, "Output JSON")

	sendCmd.Flags().BoolVar(&sendJSON, "json", false, "Output JSON")

	rootCmd.AddCommand(messagesCmd)
	rootCmd.AddCommand(sendCmd)
}
