package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/crmdesk/chatsync"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(watchCmd)
}

// startSession logs the engine in and returns a context cancelled on
// SIGINT/SIGTERM. The caller must call the returned stop func.
func startSession() (*chatsync.Engine, chatsync.Session, context.Context, func(), error) {
	client, sess, cfg := getClient()
	engine, err := newEngine(client, cfg)
	if err != nil {
		return nil, sess, nil, nil, err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	engine.Bus().OnStatusChanged(func(ev chatsync.ConnectionStatusChangedEvent) {
		fmt.Printf("  * socket %s\n", ev.Status)
	})

	loginCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := engine.Login(loginCtx, sess); err != nil {
		stop()
		return nil, sess, nil, nil, errors.Wrap(err, "login")
	}
	if sess.Privileged() {
		fmt.Println("  * privileged session: read-only, no realtime updates")
	}

	return engine, sess, ctx, func() {
		engine.Logout()
		stop()
	}, nil
}

// ============================================================================
// watch
// ============================================================================

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stay online and show notifications and presence changes",
	Long:  "Keep a realtime session open. New messages are shown as notifications and presence changes are printed until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, _, ctx, stop, err := startSession()
		if err != nil {
			return err
		}
		defer stop()

		engine.Bus().OnPresenceChanged(func(ev chatsync.PresenceChangedEvent) {
			state := "offline"
			if ev.IsOnline {
				state = "online"
			}
			fmt.Printf("  * %s is %s\n", engine.Directory().DisplayName(ev.UserID), state)
		})

		fmt.Println("Watching for messages. Press Ctrl+C to stop.")
		<-ctx.Done()
		return nil
	},
}

// ============================================================================
// chat
// ============================================================================

var chatCmd = &cobra.Command{
	Use:   "chat <conversation-id>",
	Short: "Open a conversation and chat in real time",
	Long: "Open a conversation, print its history and send each line typed on stdin.\n" +
		"Commands: /older loads earlier messages, /read marks the conversation read, /quit exits.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, sess, ctx, stop, err := startSession()
		if err != nil {
			return err
		}
		defer stop()

		screen := engine.NewChatScreen()
		screen.OnMessage = func(m chatsync.Message) {
			printMessage(m, engine.Directory(), sess.UserID)
		}
		screen.OnRead = func(ev chatsync.ConversationReadEvent) {
			fmt.Printf("  * read by %s\n", engine.Directory().DisplayName(ev.ReadByUserID))
		}
		screen.OnError = func(err error) {
			fmt.Fprintf(os.Stderr, "  ! %v\n", err)
		}
		screen.Mount()
		defer screen.Unmount()

		if err := screen.LoadConversations(ctx); err != nil {
			return errors.Wrap(err, "load conversations")
		}
		if err := screen.Open(ctx, args[0]); err != nil {
			return errors.Wrap(err, "open conversation")
		}
		printHistory(screen, engine.Directory(), sess.UserID)
		if !screen.CanSend() {
			fmt.Println("  * sending is disabled for this session")
		}

		lines := make(chan string)
		go readLines(ctx, os.Stdin, lines)

		focused := false
		for {
			select {
			case <-ctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				if !focused {
					focused = true
					screen.FocusComposer(ctx)
				}
				quit, err := handleInput(ctx, screen, engine, sess.UserID, line)
				if err != nil {
					fmt.Fprintf(os.Stderr, "  ! %v\n", err)
				}
				if quit {
					return nil
				}
			}
		}
	},
}

// readLines forwards r line by line until EOF or ctx is done.
func readLines(ctx context.Context, r io.Reader, out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		select {
		case out <- scanner.Text():
		case <-ctx.Done():
			return
		}
	}
}

func handleInput(ctx context.Context, screen *chatsync.ChatScreen, engine *chatsync.Engine, selfID, line string) (bool, error) {
	switch strings.TrimSpace(line) {
	case "":
		return false, nil
	case "/quit":
		return true, nil
	case "/read":
		if !screen.ScrolledToBottom(ctx) && !screen.FocusComposer(ctx) {
			fmt.Println("  * nothing to mark read")
		}
		return false, nil
	case "/older":
		before := screen.Cache().Loaded()
		if err := screen.LoadOlder(ctx); err != nil {
			return false, err
		}
		if screen.Cache().Loaded() == before {
			fmt.Println("  * no older messages")
			return false, nil
		}
		printHistory(screen, engine.Directory(), selfID)
		return false, nil
	}

	sendCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return false, screen.Send(sendCtx, line)
}

func printHistory(screen *chatsync.ChatScreen, names *chatsync.Directory, selfID string) {
	conv, _ := screen.Active()
	cache := screen.Cache()
	fmt.Printf("%s (%d of %d messages)\n", conv.Title(selfID), cache.Loaded(), cache.Total())
	sep := screen.SeparatorIndex()
	for i, m := range screen.Messages() {
		if i == sep {
			fmt.Println("  ---- new messages ----")
		}
		printMessage(m, names, selfID)
	}
}
