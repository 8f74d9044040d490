package main

import (
	"fmt"
	"os"

	pingline "github.com/pingline-im/pingline-go"
)

// openStore opens the state database under ~/.pingline.
func openStore() (*pingline.StateStore, error) {
	dir, err := configDir()
	if err != nil {
		return nil, err
	}
	store, _, err := pingline.OpenStore(dir)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}
	return store, nil
}

// newClient creates a Pingline client backed by the local state store.
// The stored credential, if any, is picked up automatically.
func newClient(cfg *Config, store *pingline.StateStore) *pingline.Client {
	opts := []pingline.ClientOption{pingline.WithStore(store)}
	if cfg.Default.BaseURL != "" {
		opts = append(opts, pingline.WithBaseURL(cfg.Default.BaseURL))
	}
	return pingline.NewClient(opts...)
}

// getClient loads config, opens the store and requires a live session.
// The caller must Close the returned store.
func getClient() (*pingline.Client, *pingline.StateStore, *Config) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	store, err := openStore()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open state store: %v\n", err)
		os.Exit(1)
	}
	client := newClient(cfg, store)
	if !client.Session().LoggedIn() {
		store.Close()
		fmt.Fprintln(os.Stderr, "Not logged in. Run 'pingline login <username>' first.")
		os.Exit(1)
	}
	return client, store, cfg
}
