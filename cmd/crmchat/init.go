package main

import (
	"fmt"

	"github.com/crmdesk/chatsync"
	"github.com/spf13/cobra"
)

var initBaseURL string

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().StringVar(&initBaseURL, "base-url", "", "API base URL (e.g. https://acme.crm.example.com/api)")
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store the session token in ~/.crmchat/config.toml",
	Long:  "Initialize crmchat by storing your session token. The tenant from the token becomes the default tenant.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token := args[0]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		sess, err := chatsync.ParseSession(token, cfg.Default.TenantID)
		if err != nil {
			return fmt.Errorf("invalid token: %w", err)
		}

		cfg.Auth.Token = token
		if cfg.Default.TenantID == "" {
			cfg.Default.TenantID = sess.TenantID
		}
		if initBaseURL != "" {
			cfg.Default.BaseURL = initBaseURL
		}
		if cfg.Notify.PreviewLength == 0 {
			cfg.Notify.PreviewLength = chatsync.PreviewLength
		}
		if len(cfg.Read.Triggers) == 0 {
			cfg.Read.Triggers = []string{chatsync.TriggerComposerFocus.String()}
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Token for %s (%s) saved to %s\n", sess.UserID, sess.TenantID, path)
		return nil
	},
}
