package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	pingline "github.com/pingline-im/pingline-go"
)

func init() {
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream incoming messages and presence changes",
	Long:  "Connect to the realtime relay and print messages and presence updates as they arrive. Press Ctrl-C to stop.",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, store, cfg := getClient()
		defer store.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		ch := client.Channel()
		engine := pingline.NewEngine(pingline.EngineConfig{
			SelfID:  cfg.Auth.UserID,
			Channel: ch,
			Store:   store,
			OnFriendListStale: func() {
				fmt.Println("-- friend list changed --")
			},
			OnFriendRequest: func(req pingline.FriendRequest) {
				name := req.FromName
				if name == "" {
					name = req.FromID
				}
				fmt.Printf("-- friend request from %s --\n", name)
			},
			OnProfileUpdated: func(p pingline.Profile) {
				fmt.Printf("-- %s updated their profile --\n", p.DisplayName)
			},
		})

		names := map[string]string{}
		fetchCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		friends, err := client.Friends(fetchCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("failed to fetch friends: %w", err)
		}
		engine.SetFriends(friends)
		for _, f := range friends {
			names[f.ID] = f.DisplayName
		}
		display := func(id string) string {
			if n, ok := names[id]; ok && n != "" {
				return n
			}
			return id
		}

		ch.OnMessage(func(m pingline.Message) {
			fmt.Printf("[%s] %s: %s\n", m.Timestamp.Format("15:04:05"), display(m.SenderID), m.Preview())
		})
		ch.OnStatusUpdate(func(u pingline.StatusUpdate) {
			state := "offline"
			if u.IsOnline {
				state = "online"
			}
			fmt.Printf("-- %s is %s --\n", display(u.PeerID), state)
		})
		ch.OnConnected(func() {
			fmt.Println("-- connected --")
		})
		ch.OnDisconnected(func(reason string) {
			fmt.Printf("-- disconnected: %s --\n", reason)
		})
		ch.OnReconnecting(func(attempt int, delay time.Duration) {
			fmt.Printf("-- reconnecting (attempt %d, in %s) --\n", attempt, delay)
		})
		ch.OnSendFailed(func(event string, err error) {
			fmt.Fprintf(os.Stderr, "-- send failed (%s): %v --\n", event, err)
		})

		if err := ch.Connect(ctx); err != nil {
			return fmt.Errorf("failed to connect: %w", err)
		}
		defer ch.Close()
		if err := ch.JoinRoom(ctx, cfg.Auth.UserID); err != nil {
			return fmt.Errorf("failed to join room: %w", err)
		}

		fmt.Printf("Watching as %s. Press Ctrl-C to stop.\n", cfg.Auth.Username)
		<-ctx.Done()
		fmt.Println()
		return nil
	},
}
