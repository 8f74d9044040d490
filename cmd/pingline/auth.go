package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var loginPassword string

func init() {
	loginCmd.Flags().StringVar(&loginPassword, "password", "", "Password (prompted when omitted)")
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(statusCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login <username>",
	Short: "Log in to Pingline",
	Long:  "Authenticate with the Pingline backend and store the session locally.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		username := args[0]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		password := loginPassword
		if password == "" {
			fmt.Print("Password: ")
			line, err := bufio.NewReader(os.Stdin).ReadString('\n')
			if err != nil {
				return fmt.Errorf("read password: %w", err)
			}
			password = strings.TrimRight(line, "\r\n")
		}

		client := newClient(cfg, store)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		profile, err := client.Login(ctx, username, password)
		if err != nil {
			return fmt.Errorf("login failed: %w", err)
		}

		cfg.Auth.UserID = profile.ID
		cfg.Auth.Username = profile.Username
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Println("Logged in.")
		fmt.Printf("  User ID:  %s\n", profile.ID)
		fmt.Printf("  Username: %s\n", profile.Username)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Log out and clear the stored session",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		client := newClient(cfg, store)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := client.Logout(ctx); err != nil {
			// Local state is cleared regardless; the revocation error
			// is informational.
			fmt.Fprintf(os.Stderr, "Warning: server-side logout failed: %v\n", err)
		}

		cfg.Auth = ConfigAuth{}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Println("Logged out.")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show session status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		client := newClient(cfg, store)
		if !client.Session().LoggedIn() {
			fmt.Println("Not logged in.")
			return nil
		}

		fmt.Println("Logged in.")
		fmt.Printf("  User ID:  %s\n", cfg.Auth.UserID)
		fmt.Printf("  Username: %s\n", cfg.Auth.Username)

		cred := client.Session().Credential()
		if !cred.ExpiresAt.IsZero() {
			fmt.Printf("  Token expires: %s", cred.ExpiresAt.Format(time.RFC3339))
			if cred.ExpiresSoon(time.Minute) {
				fmt.Print("  (stale — will refresh on next call)")
			}
			fmt.Println()
		}
		return nil
	},
}
