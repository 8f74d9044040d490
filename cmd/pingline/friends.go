package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	pingline "github.com/pingline-im/pingline-go"
)

func init() {
	rootCmd.AddCommand(friendsCmd)
	friendsCmd.AddCommand(friendRequestsCmd)
}

var friendsCmd = &cobra.Command{
	Use:   "friends",
	Short: "List friends, online first",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, store, cfg := getClient()
		defer store.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		list, err := client.Friends(ctx)
		if err != nil {
			return fmt.Errorf("failed to fetch friends: %w", err)
		}

		engine := pingline.NewEngine(pingline.EngineConfig{
			SelfID: cfg.Auth.UserID,
			Store:  store,
		})
		engine.SetFriends(list)

		ranked := engine.RankedFriends()
		if len(ranked) == 0 {
			fmt.Println("No friends yet.")
			return nil
		}

		for _, f := range ranked {
			marker := " "
			if f.IsOnline {
				marker = "*"
			}
			line := fmt.Sprintf("%s %-20s", marker, f.DisplayName)
			if n := engine.Ledger().Count(f.ID); n > 0 {
				line += fmt.Sprintf("  [%d unread]", n)
			}
			if f.LastMessagePreview != "" {
				line += "  " + f.LastMessagePreview
			}
			fmt.Println(line)
		}
		return nil
	},
}

var friendRequestsCmd = &cobra.Command{
	Use:   "requests",
	Short: "List pending friend requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, store, _ := getClient()
		defer store.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		reqs, err := client.FriendRequests(ctx)
		if err != nil {
			return fmt.Errorf("failed to fetch friend requests: %w", err)
		}
		if len(reqs) == 0 {
			fmt.Println("No pending friend requests.")
			return nil
		}
		for _, r := range reqs {
			name := r.FromName
			if name == "" {
				name = r.FromID
			}
			fmt.Printf("%s  from %s  (%s)\n", r.ID, name, r.CreatedAt.Format(time.RFC3339))
		}
		return nil
	},
}
