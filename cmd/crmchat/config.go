package main

import (
	"fmt"
	"io"
	"os"

	"github.com/crmdesk/chatsync"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage crmchat configuration",
	Long:  "View or modify the crmchat configuration stored in ~/.crmchat/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				fmt.Println("No configuration file found. Run 'crmchat init <token>' to create one.")
				return nil
			}
			return fmt.Errorf("cannot read config file: %w", err)
		}
		fmt.Print(string(data))

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		printResolved(os.Stdout, cfg)
		return nil
	},
}

// printResolved shows what the session will actually use: the tenant picked
// from the API host or the stored default, and the socket endpoint.
func printResolved(w io.Writer, cfg *Config) {
	base := valueOrDefault(cfg.Default.BaseURL, chatsync.DefaultBaseURL)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "# resolved")
	fmt.Fprintf(w, "# socket:  %s\n", chatsync.NewClient("", chatsync.WithBaseURL(base)).WebSocketURL())
	if cfg.Auth.Token == "" {
		return
	}
	sess, err := sessionFromConfig(cfg)
	if err != nil {
		fmt.Fprintf(w, "# session: %v\n", err)
		return
	}
	fmt.Fprintf(w, "# tenant:  %s\n", sess.TenantID)
	fmt.Fprintf(w, "# user:    %s (%s)\n", sess.UserID, valueOrDefault(string(sess.Role), "no role"))
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: "Set a configuration value using dot notation.\n" +
		"Keys: default.base_url, default.tenant_id, auth.token, notify.desktop, notify.preview_length, read.triggers\n" +
		"Example: crmchat config set read.triggers composer_focus,scrolled_to_bottom",
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}
