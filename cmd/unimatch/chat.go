package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	realtime "github.com/unimatch/realtime-go"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// chat history
	chatHistoryJSON bool

	// chat send
	chatSendWait time.Duration
	chatSendJSON bool
)

// ============================================================================
// Root chat command
// ============================================================================

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat commands",
	Long:  "Read, send and follow messages in a conversation, and block or clear it.",
}

// openChat opens chatID on a fresh core. The caller must Close the core.
func openChat(ctx context.Context, chatID string) (*realtime.Core, error) {
	core, _, err := newCore()
	if err != nil {
		return nil, err
	}
	if err := core.Messenger.Open(ctx, chatID); err != nil {
		core.Close()
		return nil, fmt.Errorf("failed to open chat %s: %w", chatID, err)
	}
	return core, nil
}

// ============================================================================
// chat history
// ============================================================================

var chatHistoryCmd = &cobra.Command{
	Use:   "history <chat-id>",
	Short: "Print the messages of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		core, err := openChat(ctx, args[0])
		if err != nil {
			return err
		}
		defer core.Close()

		msgs := core.Messenger.Messages(args[0])
		if chatHistoryJSON {
			return printJSON(msgs)
		}
		if state, ok := core.Gate.State(args[0]); ok && !state.Active {
			fmt.Println("Conversation is blocked.")
			return nil
		}
		if len(msgs) == 0 {
			fmt.Println("No messages found.")
			return nil
		}
		for _, m := range msgs {
			fmt.Println(formatMessage(m))
		}
		return nil
	},
}

// ============================================================================
// chat send
// ============================================================================

var chatSendCmd = &cobra.Command{
	Use:   "send <chat-id> <message>",
	Short: "Send a message",
	Long:  "Send a message over the realtime channel when it is open, or over REST otherwise.",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		chatID, content := args[0], strings.Join(args[1:], " ")

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second+chatSendWait)
		defer cancel()

		core, err := openChat(ctx, chatID)
		if err != nil {
			return err
		}
		defer core.Close()

		changed := make(chan struct{}, 1)
		defer core.Messenger.OnUpdate(func(u realtime.ConversationUpdate) {
			if u.ChatID != chatID {
				return
			}
			select {
			case changed <- struct{}{}:
			default:
			}
		})()

		msg, err := core.Messenger.Send(ctx, chatID, content)
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}

		// Wait for the push echo to settle the entry.
		deadline := time.After(chatSendWait)
	wait:
		for msg.State == realtime.StateSending {
			if m, ok := findByTempID(core.Messenger.Messages(chatID), msg.TempID); ok {
				msg = m
			}
			if msg.State != realtime.StateSending {
				break
			}
			select {
			case <-changed:
			case <-deadline:
				break wait
			case <-ctx.Done():
				break wait
			}
		}

		if chatSendJSON {
			return printJSON(msg)
		}
		fmt.Println(formatMessage(msg))
		if msg.State == realtime.StateFailed {
			return fmt.Errorf("message not delivered: %s", msg.Error)
		}
		return nil
	},
}

func findByTempID(msgs []realtime.Message, tempID string) (realtime.Message, bool) {
	for _, m := range msgs {
		if m.TempID == tempID {
			return m, true
		}
	}
	return realtime.Message{}, false
}

// ============================================================================
// chat tail
// ============================================================================

var chatTailCmd = &cobra.Command{
	Use:   "tail <chat-id>",
	Short: "Follow a conversation until interrupted",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		chatID := args[0]
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		core, err := openChat(ctx, chatID)
		if err != nil {
			return err
		}
		defer core.Close()

		printed := make(map[string]bool)
		printNew := func(msgs []realtime.Message) {
			for _, m := range msgs {
				if m.Pending() || printed[m.ID] {
					continue
				}
				printed[m.ID] = true
				fmt.Println(formatMessage(m))
			}
		}
		printNew(core.Messenger.Messages(chatID))

		updates := make(chan []realtime.Message, 16)
		defer core.Messenger.OnUpdate(func(u realtime.ConversationUpdate) {
			if u.ChatID == chatID {
				select {
				case updates <- u.Messages:
				default:
				}
			}
		})()
		defer core.Messenger.OnError(func(err error) {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		})()

		for {
			select {
			case <-ctx.Done():
				return nil
			case msgs := <-updates:
				printNew(msgs)
			}
		}
	},
}

// ============================================================================
// chat block / unblock / clear
// ============================================================================

var chatBlockCmd = &cobra.Command{
	Use:   "block <chat-id>",
	Short: "Block the other participant of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		core, _, err := newCore()
		if err != nil {
			return err
		}
		defer core.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := core.Gate.Block(ctx, args[0]); err != nil {
			return fmt.Errorf("block failed: %w", err)
		}
		fmt.Printf("Blocked chat %s\n", args[0])
		return nil
	},
}

var chatUnblockCmd = &cobra.Command{
	Use:   "unblock <chat-id>",
	Short: "Lift a block you placed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		core, _, err := newCore()
		if err != nil {
			return err
		}
		defer core.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := core.Gate.Unblock(ctx, args[0]); err != nil {
			return fmt.Errorf("unblock failed: %w", err)
		}
		fmt.Printf("Unblocked chat %s\n", args[0])
		return nil
	},
}

var chatClearCmd = &cobra.Command{
	Use:   "clear <chat-id>",
	Short: "Delete every message of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		core, err := openChat(ctx, args[0])
		if err != nil {
			return err
		}
		defer core.Close()

		if err := core.Messenger.Clear(ctx, args[0]); err != nil {
			return fmt.Errorf("clear failed: %w", err)
		}
		fmt.Printf("Cleared chat %s\n", args[0])
		return nil
	},
}

// ============================================================================
// Registration
// ============================================================================

func init() {
	chatHistoryCmd.Flags().BoolVar(&chatHistoryJSON, "json", false, "Output JSON")

	chatSendCmd.Flags().DurationVar(&chatSendWait, "wait", 10*time.Second, "How long to wait for the server echo")
	chatSendCmd.Flags().BoolVar(&chatSendJSON, "json", false, "Output JSON")

	chatCmd.AddCommand(chatHistoryCmd)
	chatCmd.AddCommand(chatSendCmd)
	chatCmd.AddCommand(chatTailCmd)
	chatCmd.AddCommand(chatBlockCmd)
	chatCmd.AddCommand(chatUnblockCmd)
	chatCmd.AddCommand(chatClearCmd)

	rootCmd.AddCommand(chatCmd)
}
