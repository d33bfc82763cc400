package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/orgdesk/chatsync"
)

var (
	groupsListJSON     bool
	groupsListArchived bool

	groupsCreateMembers string
	groupsCreateJSON    bool

	groupsUpdateName    string
	groupsUpdateMembers string
	groupsUpdateJSON    bool
)

// ============================================================================
// groups (parent command)
// ============================================================================

var groupsCmd = &cobra.Command{
	Use:   "groups",
	Short: "Manage groups",
	Long:  "List, create, update, and archive chat groups.",
}

// ============================================================================
// groups list
// ============================================================================

var groupsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List groups, most recently active first",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if _, err := a.chat.Mutations.RefreshGroups(ctx); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		groups := a.chat.Groups()
		if groupsListArchived {
			groups = a.chat.Store.GetGroups()
		}

		if groupsListJSON {
			return printJSON(groups)
		}
		if len(groups) == 0 {
			fmt.Println("No groups found.")
			return nil
		}
		for _, g := range groups {
			line := formatGroup(g)
			if g.IsArchived {
				line += " [archived]"
			}
			fmt.Println(line)
		}
		return nil
	},
}

// ============================================================================
// groups create
// ============================================================================

var groupsCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a new group",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		g, err := a.chat.Mutations.CreateGroup(ctx, args[0], splitMembers(groupsCreateMembers))
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if groupsCreateJSON {
			return printJSON(g)
		}
		fmt.Printf("Group created: %s\n", g.ID)
		fmt.Printf("  Name:    %s\n", g.Name)
		fmt.Printf("  Members: %d\n", len(g.MemberIDs))
		return nil
	},
}

// ============================================================================
// groups update
// ============================================================================

var groupsUpdateCmd = &cobra.Command{
	Use:   "update <group-id>",
	Short: "Rename a group or replace its members",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var patch chatsync.GroupPatch
		if cmd.Flags().Changed("name") {
			patch.Name = &groupsUpdateName
		}
		if cmd.Flags().Changed("members") {
			patch.MemberIDs = splitMembers(groupsUpdateMembers)
		}
		if patch.Name == nil && patch.MemberIDs == nil {
			return fmt.Errorf("nothing to update; pass --name or --members")
		}

		a, err := newApp()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		g, err := a.chat.Mutations.UpdateGroup(ctx, args[0], patch)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if groupsUpdateJSON {
			return printJSON(g)
		}
		fmt.Printf("Group updated: %s\n", g.ID)
		fmt.Printf("  Name:    %s\n", g.Name)
		fmt.Printf("  Members: %d\n", len(g.MemberIDs))
		return nil
	},
}

// ============================================================================
// groups archive
// ============================================================================

var groupsArchiveCmd = &cobra.Command{
	Use:   "archive <group-id>",
	Short: "Archive a group",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		g, err := a.chat.Mutations.ArchiveGroup(ctx, args[0])
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Printf("Group archived: %s\n", g.ID)
		return nil
	},
}

func init() {
	groupsListCmd.Flags().BoolVar(&groupsListJSON, "json", false, "Output JSON")
	groupsListCmd.Flags().BoolVar(&groupsListArchived, "all", false, "Include archived groups")

	groupsCreateCmd.Flags().StringVar(&groupsCreateMembers, "members", "", "Comma-separated list of member user IDs")
	groupsCreateCmd.Flags().BoolVar(&groupsCreateJSON, "json", false, "Output JSON")

	groupsUpdateCmd.Flags().StringVar(&groupsUpdateName, "name", "", "New group name")
	groupsUpdateCmd.Flags().StringVar(&groupsUpdateMembers, "members", "", "Comma-separated replacement member list")
	groupsUpdateCmd.Flags().BoolVar(&groupsUpdateJSON, "json", false, "Output JSON")

	groupsCmd.AddCommand(groupsListCmd)
	groupsCmd.AddCommand(groupsCreateCmd)
	groupsCmd.AddCommand(groupsUpdateCmd)
	groupsCmd.AddCommand(groupsArchiveCmd)
	rootCmd.AddCommand(groupsCmd)
}
