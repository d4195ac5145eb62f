package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/crmdesk/chatsync"
	"github.com/dustin/go-humanize"
	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// contacts
	contactsSearch string
	contactsPage   int
	contactsJSON   bool

	// conversations list
	conversationsPage   int
	conversationsSearch string
	conversationsUnread bool
	conversationsJSON   bool

	// conversations start
	conversationsStartJSON bool

	// messages
	messagesPage int
	messagesJSON bool
)

func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode output")
	}
	fmt.Println(string(out))
	return nil
}

// ============================================================================
// contacts
// ============================================================================

var contactsCmd = &cobra.Command{
	Use:   "contacts",
	Short: "List users you can start a conversation with",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		page, err := client.ListContacts(ctx, contactsPage, client.PageSize(), contactsSearch)
		if err != nil {
			return errors.Wrap(err, "request failed")
		}

		if contactsJSON {
			return printJSON(page)
		}

		if len(page.Data) == 0 {
			fmt.Println("No contacts found.")
			return nil
		}

		for _, c := range page.Data {
			online := ""
			if c.IsOnline {
				online = " [online]"
			}
			fmt.Printf("  %s: %s <%s> - %s%s\n", c.ID, c.Name, c.Email, c.Role, online)
		}
		if shown := (contactsPage-1)*client.PageSize() + len(page.Data); shown < page.Total {
			fmt.Printf("\n  Showing %d of %d. Use --page %d for more.\n", shown, page.Total, contactsPage+1)
		}
		return nil
	},
}

// ============================================================================
// conversations
// ============================================================================

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "Conversation commands",
}

var conversationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversations, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, sess, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		page, err := client.ListConversations(ctx, conversationsPage, client.PageSize())
		if err != nil {
			return errors.Wrap(err, "request failed")
		}

		list := chatsync.ConversationList{Pages: []chatsync.Page[chatsync.Conversation]{*page}}
		convs := chatsync.FilterConversations(list.Items(), conversationsSearch)
		if conversationsUnread {
			unread := convs[:0]
			for _, c := range convs {
				if c.UnreadCount > 0 {
					unread = append(unread, c)
				}
			}
			convs = unread
		}

		if conversationsJSON {
			return printJSON(convs)
		}

		if len(convs) == 0 {
			fmt.Println("No conversations found.")
			return nil
		}

		for _, c := range convs {
			printConversation(c, sess.UserID)
		}
		return nil
	},
}

var conversationsStartCmd = &cobra.Command{
	Use:   "start <user-id>",
	Short: "Open (or create) a direct conversation with a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, sess, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		conv, err := client.InitConversation(ctx, args[0])
		if err != nil {
			return errors.Wrap(err, "request failed")
		}

		if conversationsStartJSON {
			return printJSON(conv)
		}
		printConversation(*conv, sess.UserID)
		return nil
	},
}

func printConversation(c chatsync.Conversation, selfID string) {
	unread := ""
	if c.UnreadCount > 0 {
		unread = fmt.Sprintf(" (%d unread)", c.UnreadCount)
	}
	last := ""
	if c.LastMessage != nil {
		last = " - " + chatsync.Preview(c.LastMessage.Content, 40)
	}
	fmt.Printf("  %s: %s%s, %s%s\n", c.ID, c.Title(selfID), unread, humanize.Time(c.ActivityAt()), last)
}

// ============================================================================
// messages
// ============================================================================

var messagesCmd = &cobra.Command{
	Use:   "messages <conversation-id>",
	Short: "Print a page of conversation history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, sess, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		page, err := client.GetMessages(ctx, args[0], messagesPage, client.PageSize())
		if err != nil {
			return errors.Wrap(err, "request failed")
		}

		if messagesJSON {
			return printJSON(page)
		}

		cache := chatsync.MessageCache{ConversationID: args[0], Pages: []chatsync.Page[chatsync.Message]{*page}}
		msgs := cache.Messages()
		if len(msgs) == 0 {
			fmt.Println("No messages found.")
			return nil
		}

		names := chatsync.NewDirectory()
		for _, m := range msgs {
			if m.Sender != nil {
				names.Remember(*m.Sender)
			}
		}
		for _, m := range msgs {
			printMessage(m, names, sess.UserID)
		}
		return nil
	},
}

func printMessage(m chatsync.Message, names *chatsync.Directory, selfID string) {
	who := names.DisplayName(m.SenderID)
	if m.SenderID == selfID {
		who = "you"
	}
	fmt.Printf("  [%s] %s: %s\n", m.CreatedAt.Local().Format("Jan 2 15:04"), who, strings.TrimSpace(m.Content))
}

func init() {
	// contacts
	contactsCmd.Flags().StringVarP(&contactsSearch, "search", "s", "", "Filter contacts by name")
	contactsCmd.Flags().IntVar(&contactsPage, "page", 1, "Page number")
	contactsCmd.Flags().BoolVar(&contactsJSON, "json", false, "Output JSON")

	// conversations list
	conversationsListCmd.Flags().IntVar(&conversationsPage, "page", 1, "Page number")
	conversationsListCmd.Flags().StringVarP(&conversationsSearch, "search", "s", "", "Filter by conversation name or last message")
	conversationsListCmd.Flags().BoolVar(&conversationsUnread, "unread", false, "Show only unread conversations")
	conversationsListCmd.Flags().BoolVar(&conversationsJSON, "json", false, "Output JSON")

	// conversations start
	conversationsStartCmd.Flags().BoolVar(&conversationsStartJSON, "json", false, "Output JSON")

	// messages
	messagesCmd.Flags().IntVar(&messagesPage, "page", 1, "Page number (1 is the newest)")
	messagesCmd.Flags().BoolVar(&messagesJSON, "json", false, "Output JSON")

	conversationsCmd.AddCommand(conversationsListCmd)
	conversationsCmd.AddCommand(conversationsStartCmd)

	rootCmd.AddCommand(contactsCmd)
	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(messagesCmd)
}
