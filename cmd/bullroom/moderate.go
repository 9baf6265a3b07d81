package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/bullcommunity/bullroom"
)

var (
	muteReason string
	muteHours  int
)

func init() {
	muteCmd.Flags().StringVar(&muteReason, "reason", "", "reason shown to moderators")
	muteCmd.Flags().IntVar(&muteHours, "hours", 0, "mute duration in hours (0 mutes indefinitely)")
	rootCmd.AddCommand(mutesCmd, muteCmd, unmuteCmd, purgeCmd)
}

// moderator returns the admin operations for the configured session.
func moderator(ctx context.Context) (*bullroom.Engine, *bullroom.Moderator, error) {
	client, session, err := getClient(true)
	if err != nil {
		return nil, nil, err
	}
	if !session.IsAdmin() {
		return nil, nil, errors.New("the configured token is not an admin session")
	}
	engine, err := bullroom.NewEngine(bullroom.EngineConfig{
		Backend:    client,
		Moderation: client,
		Profiles:   client,
		Session:    session,
	}, bullroom.WithLogger(logger))
	if err != nil {
		return nil, nil, err
	}
	if err := engine.Start(ctx); err != nil {
		engine.Close()
		return nil, nil, err
	}
	return engine, engine.Moderator(), nil
}

var mutesCmd = &cobra.Command{
	Use:   "mutes",
	Short: "List muted users",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		engine, _, err := moderator(ctx)
		if err != nil {
			return err
		}
		defer engine.Close()

		muted := engine.Tracker().MutedUsers()
		if len(muted) == 0 {
			fmt.Println("Nobody is muted.")
			return nil
		}
		for _, r := range muted {
			until := "indefinitely"
			if r.ExpiresAt != nil {
				until = "until " + humanize.Time(*r.ExpiresAt)
			}
			fmt.Printf("%-24s %-16s %s\n", r.UserID, until, r.Reason)
		}
		return nil
	},
}

var muteCmd = &cobra.Command{
	Use:   "mute <user-id>",
	Short: "Mute a user in every room",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		engine, mod, err := moderator(ctx)
		if err != nil {
			return err
		}
		defer engine.Close()

		var hours *int
		if muteHours > 0 {
			hours = &muteHours
		}
		if err := mod.Mute(ctx, args[0], muteReason, hours); err != nil {
			return err
		}
		fmt.Printf("Muted %s\n", args[0])
		return nil
	},
}

var unmuteCmd = &cobra.Command{
	Use:   "unmute <user-id>",
	Short: "Lift a mute",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		engine, mod, err := moderator(ctx)
		if err != nil {
			return err
		}
		defer engine.Close()

		if err := mod.Unmute(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("Unmuted %s\n", args[0])
		return nil
	},
}

var purgeCmd = &cobra.Command{
	Use:   "purge <room-id> <user-id>",
	Short: "Delete every message a user posted in a room",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		engine, mod, err := moderator(ctx)
		if err != nil {
			return err
		}
		defer engine.Close()

		n, err := mod.DeleteAllFrom(ctx, args[1], args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Deleted %s messages\n", humanize.Comma(int64(n)))
		return nil
	},
}
