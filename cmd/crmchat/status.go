package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/crmdesk/chatsync"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and chat status",
	Long:  "Display the current configuration and session claims, then check the chat API and the realtime socket.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:    %s\n", valueOrDefault(cfg.Default.BaseURL, chatsync.DefaultBaseURL+" (default)"))
		fmt.Printf("  Tenant:      %s\n", valueOrDefault(cfg.Default.TenantID, "(not set)"))
		if cfg.Auth.Token != "" {
			fmt.Printf("  Token:       %s\n", maskKey(cfg.Auth.Token))
		} else {
			fmt.Println("  Token:       (not set)")
		}
		fmt.Printf("  Desktop:     %t\n", cfg.Notify.Desktop)
		fmt.Printf("  Read on:     %s\n", valueOrDefault(strings.Join(cfg.Read.Triggers, ", "), chatsync.TriggerComposerFocus.String()))

		if cfg.Auth.Token == "" {
			return nil
		}

		fmt.Println()
		fmt.Println("Session:")
		sess, err := sessionFromConfig(cfg)
		if err != nil {
			fmt.Printf("  Error: %v\n", err)
			return nil
		}
		fmt.Printf("  User:        %s\n", sess.UserID)
		fmt.Printf("  Tenant:      %s\n", sess.TenantID)
		fmt.Printf("  Role:        %s\n", valueOrDefault(string(sess.Role), "(none)"))
		if sess.Privileged() {
			fmt.Println("  Chat:        read-only (privileged role, no realtime socket)")
		}

		client, _, _ := getClient()
		engine, err := newEngine(client, cfg)
		if err != nil {
			return err
		}

		fmt.Println()
		fmt.Println("Live status:")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		page, err := client.ListConversations(ctx, 1, 1)
		if err != nil {
			fmt.Printf("  Error fetching conversations: %v\n", err)
			return nil
		}
		fmt.Printf("  Conversations: %s\n", humanize.Comma(int64(page.Total)))
		if len(page.Data) > 0 {
			fmt.Printf("  Last activity: %s\n", humanize.Time(page.Data[0].ActivityAt()))
		}

		if sess.Privileged() {
			return nil
		}

		connected := make(chan struct{}, 1)
		engine.Bus().OnStatusChanged(func(ev chatsync.ConnectionStatusChangedEvent) {
			if ev.Status == chatsync.StatusConnected {
				select {
				case connected <- struct{}{}:
				default:
				}
			}
		})
		if err := engine.Login(ctx, sess); err != nil {
			return err
		}
		defer engine.Logout()

		if engine.Status() != chatsync.StatusConnected {
			select {
			case <-connected:
			case <-ctx.Done():
			}
		}
		fmt.Printf("  Socket:        %s\n", engine.Status())
		return nil
	},
}

// maskKey shows the first 8 and last 4 characters of a token.
func maskKey(key string) string {
	if len(key) <= 12 {
		return strings.Repeat("*", len(key))
	}
	return key[:8] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
