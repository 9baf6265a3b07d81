package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/bullcommunity/bullroom"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	jsonOutput bool

	// history
	historyPages int

	// send
	sendReplyTo string
)

func init() {
	for _, c := range []*cobra.Command{roomsCmd, historyCmd} {
		c.Flags().BoolVar(&jsonOutput, "json", false, "print JSON")
	}
	historyCmd.Flags().IntVar(&historyPages, "pages", 1, "number of pages to load")
	sendCmd.Flags().StringVar(&sendReplyTo, "reply-to", "", "id of the message being answered")

	rootCmd.AddCommand(roomsCmd, historyCmd, sendCmd, editCmd, deleteCmd, reactCmd, tailCmd)
}

// openRoom builds an engine over the gateway and opens roomRef, which may be
// an id or a slug.
func openRoom(ctx context.Context, roomRef string, realtime bool) (*bullroom.Engine, *bullroom.Room, error) {
	client, session, err := getClient(false)
	if err != nil {
		return nil, nil, err
	}
	room, err := client.GetRoom(ctx, roomRef)
	if err != nil {
		return nil, nil, fmt.Errorf("room %s: %w", roomRef, err)
	}

	cfg := bullroom.EngineConfig{
		Backend:    client,
		Moderation: client,
		Profiles:   client,
		Session:    session,
	}
	if realtime {
		cfg.Transport = client.Realtime()
	}
	engine, err := bullroom.NewEngine(cfg, bullroom.WithLogger(logger))
	if err != nil {
		return nil, nil, err
	}
	if err := engine.Start(ctx); err != nil {
		engine.Close()
		return nil, nil, err
	}
	r, err := engine.Switch(ctx, room.ID)
	if err != nil {
		engine.Close()
		return nil, nil, err
	}
	return engine, r, nil
}

func formatMessage(m bullroom.Message) string {
	name := valueOrDefault(m.DisplayName, bullroom.FallbackDisplayName)
	var b strings.Builder
	fmt.Fprintf(&b, "%-14s %s  %s", humanize.Time(m.CreatedAt), name, m.Body)
	if m.Attachment != nil {
		fmt.Fprintf(&b, " [%s %s, %s]", m.Kind, valueOrDefault(m.Attachment.Name, m.Attachment.URL), humanize.Bytes(uint64(m.Attachment.Size)))
	}
	if m.Edited {
		b.WriteString(" (edited)")
	}
	for emoji := range m.Reactions {
		fmt.Fprintf(&b, " %s%d", emoji, m.Reactions.Count(emoji))
	}
	if m.ReplyToID != "" {
		fmt.Fprintf(&b, " ↩%s", m.ReplyToID)
	}
	return fmt.Sprintf("#%-6s %s", m.ID, b.String())
}

// ============================================================================
// rooms
// ============================================================================

var roomsCmd = &cobra.Command{
	Use:   "rooms",
	Short: "List rooms",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := getClient(false)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		rooms, err := client.ListRooms(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if jsonOutput {
			return printJSON(rooms)
		}
		if len(rooms) == 0 {
			fmt.Println("No rooms.")
			return nil
		}
		for _, r := range rooms {
			fmt.Printf("%-16s %-24s %8s messages, active %s\n",
				r.Slug, r.Name, humanize.Comma(int64(r.MessageCount)), humanize.Time(r.LastActivityAt))
		}
		return nil
	},
}

// ============================================================================
// history
// ============================================================================

var historyCmd = &cobra.Command{
	Use:   "history <room>",
	Short: "Print recent messages of a room",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		engine, room, err := openRoom(ctx, args[0], false)
		if err != nil {
			return err
		}
		defer engine.Close()

		for i := 0; i < historyPages; i++ {
			res, err := room.LoadMore(ctx, nil)
			if err != nil {
				return err
			}
			if !res.HasMore {
				break
			}
		}
		msgs := room.Snapshot()
		if jsonOutput {
			return printJSON(msgs)
		}
		for i := len(msgs) - 1; i >= 0; i-- {
			fmt.Println(formatMessage(msgs[i]))
		}
		if room.PageState().HasMore {
			fmt.Println("(more history available, use --pages)")
		}
		return nil
	},
}

// ============================================================================
// send / edit / delete / react
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <room> <message>",
	Short: "Send a message",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		engine, room, err := openRoom(ctx, args[0], false)
		if err != nil {
			return err
		}
		defer engine.Close()

		msg, err := room.Send(ctx, strings.Join(args[1:], " "), sendReplyTo, nil)
		if err != nil {
			return err
		}
		fmt.Printf("Sent #%s\n", msg.ID)
		return nil
	},
}

var editCmd = &cobra.Command{
	Use:   "edit <room> <message-id> <body>",
	Short: "Edit one of your messages",
	Args:  cobra.MinimumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		engine, room, err := openRoom(ctx, args[0], false)
		if err != nil {
			return err
		}
		defer engine.Close()
		if err := loadUntil(ctx, room, args[1]); err != nil {
			return err
		}
		msg, err := room.Edit(ctx, args[1], strings.Join(args[2:], " "))
		if err != nil {
			return err
		}
		fmt.Println(formatMessage(msg))
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <room> <message-id>",
	Short: "Delete one of your messages",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		engine, room, err := openRoom(ctx, args[0], false)
		if err != nil {
			return err
		}
		defer engine.Close()
		if err := loadUntil(ctx, room, args[1]); err != nil {
			return err
		}
		if err := room.Delete(ctx, args[1]); err != nil {
			return err
		}
		fmt.Printf("Deleted #%s\n", args[1])
		return nil
	},
}

var reactCmd = &cobra.Command{
	Use:   "react <room> <message-id> <emoji>",
	Short: "Toggle a reaction",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		engine, room, err := openRoom(ctx, args[0], false)
		if err != nil {
			return err
		}
		defer engine.Close()
		if err := loadUntil(ctx, room, args[1]); err != nil {
			return err
		}
		added, err := room.ToggleReaction(ctx, args[1], args[2])
		if err != nil {
			return err
		}
		if added {
			fmt.Printf("Reacted %s on #%s\n", args[2], args[1])
		} else {
			fmt.Printf("Removed %s from #%s\n", args[2], args[1])
		}
		return nil
	},
}

// loadUntil pages back until messageID is cached or history runs out.
func loadUntil(ctx context.Context, room *bullroom.Room, messageID string) error {
	for {
		for _, m := range room.Snapshot() {
			if m.ID == messageID {
				return nil
			}
		}
		res, err := room.LoadMore(ctx, nil)
		if err != nil {
			return err
		}
		if res.Exhausted || (!res.HasMore && res.Added == 0) {
			return fmt.Errorf("message #%s is not in the retained history", messageID)
		}
	}
}

// ============================================================================
// tail
// ============================================================================

var tailCmd = &cobra.Command{
	Use:   "tail <room>",
	Short: "Follow a room live",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		engine, room, err := openRoom(ctx, args[0], true)
		if err != nil {
			return err
		}
		defer engine.Close()

		var mu sync.Mutex
		seen := make(map[string]bool)
		printNew := func() {
			mu.Lock()
			defer mu.Unlock()
			msgs := room.Snapshot()
			for i := len(msgs) - 1; i >= 0; i-- {
				m := msgs[i]
				if seen[m.ID] || m.IsProvisional() {
					continue
				}
				seen[m.ID] = true
				fmt.Println(formatMessage(m))
			}
		}
		room.OnChange(printNew)
		engine.On(bullroom.NotifyTypingChanged, func(_ string, _ any) {
			users := room.TypingUsers()
			if len(users) == 0 {
				return
			}
			names := make([]string, len(users))
			for i, u := range users {
				names[i] = u.DisplayName
			}
			fmt.Fprintf(os.Stderr, "%s typing…\n", strings.Join(names, ", "))
		})

		if _, err := room.LoadMore(ctx, nil); err != nil {
			return err
		}
		printNew()
		<-ctx.Done()
		return nil
	},
}
