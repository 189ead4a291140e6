package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	realtime "github.com/unimatch/realtime-go"
)

var (
	// notifications list
	notificationsListJSON   bool
	notificationsListUnread bool

	// notifications read
	notificationsReadAll bool
)

var notificationsCmd = &cobra.Command{
	Use:     "notifications",
	Aliases: []string{"notif"},
	Short:   "Notification feed commands",
}

// loadedFeed returns a core whose notification feed holds the current list.
func loadedFeed(ctx context.Context) (*realtime.Core, error) {
	core, _, err := newCore()
	if err != nil {
		return nil, err
	}
	if err := core.Notifications.Refresh(ctx); err != nil {
		core.Close()
		return nil, fmt.Errorf("failed to load notifications: %w", err)
	}
	return core, nil
}

var notificationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List notifications, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		core, err := loadedFeed(ctx)
		if err != nil {
			return err
		}
		defer core.Close()

		events := core.Notifications.Events()
		if notificationsListUnread {
			unread := events[:0]
			for _, ev := range events {
				if !ev.Read {
					unread = append(unread, ev)
				}
			}
			events = unread
		}
		if notificationsListJSON {
			return printJSON(events)
		}
		if len(events) == 0 {
			fmt.Println("No notifications.")
			return nil
		}
		for _, ev := range events {
			fmt.Println(formatEvent(ev))
		}
		fmt.Printf("\n%d unread\n", core.Notifications.UnreadCount())
		return nil
	},
}

var notificationsFollowCmd = &cobra.Command{
	Use:   "follow",
	Short: "Print notifications as they arrive until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		core, _, err := newCore()
		if err != nil {
			return err
		}
		defer core.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		added := make(chan realtime.NotificationEvent, 64)
		id := core.Notifications.Subscribe(func(u realtime.FeedUpdate) {
			if u.Change != realtime.FeedAdded {
				return
			}
			select {
			case added <- u.Event:
			default:
			}
		})
		defer core.Notifications.Unsubscribe(id)
		defer core.Notifications.OnError(func(err error) {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		})()

		if err := core.Notifications.Connect(ctx); err != nil {
			return fmt.Errorf("failed to connect: %w", err)
		}

		for {
			select {
			case <-ctx.Done():
				return nil
			case ev := <-added:
				fmt.Println(formatEvent(ev))
			}
		}
	},
}

var notificationsReadCmd = &cobra.Command{
	Use:   "read [notification-id]",
	Short: "Mark a notification, or all of them, as read",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !notificationsReadAll && len(args) == 0 {
			return fmt.Errorf("pass a notification id or --all")
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		core, err := loadedFeed(ctx)
		if err != nil {
			return err
		}
		defer core.Close()

		if notificationsReadAll {
			if err := core.Notifications.MarkAllAsRead(ctx); err != nil {
				return fmt.Errorf("mark all read failed: %w", err)
			}
			fmt.Println("All notifications marked as read.")
			return nil
		}
		if err := core.Notifications.MarkAsRead(ctx, args[0]); err != nil {
			return fmt.Errorf("mark read failed: %w", err)
		}
		fmt.Printf("Notification %s marked as read.\n", args[0])
		return nil
	},
}

var notificationsDismissCmd = &cobra.Command{
	Use:   "dismiss <notification-id>",
	Short: "Delete a notification",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		core, err := loadedFeed(ctx)
		if err != nil {
			return err
		}
		defer core.Close()

		if err := core.Notifications.Dismiss(ctx, args[0]); err != nil {
			return fmt.Errorf("dismiss failed: %w", err)
		}
		fmt.Printf("Notification %s dismissed.\n", args[0])
		return nil
	},
}

func init() {
	notificationsListCmd.Flags().BoolVar(&notificationsListJSON, "json", false, "Output JSON")
	notificationsListCmd.Flags().BoolVar(&notificationsListUnread, "unread", false, "Show only unread notifications")
	notificationsReadCmd.Flags().BoolVar(&notificationsReadAll, "all", false, "Mark every notification as read")

	notificationsCmd.AddCommand(notificationsListCmd)
	notificationsCmd.AddCommand(notificationsFollowCmd)
	notificationsCmd.AddCommand(notificationsReadCmd)
	notificationsCmd.AddCommand(notificationsDismissCmd)

	rootCmd.AddCommand(notificationsCmd)
}
