package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/pioner22/client-web-sub000/internal/api"
	"github.com/spf13/cobra"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

var (
	historyForce bool
	historyDelta int
	loginToken   string
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show connection and auth state",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			st, err := c.Status(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				outputJSON(st)
				return nil
			}
			f := st.GetFields()
			fmt.Printf("Session:   %s\n", f["session"].GetStringValue())
			fmt.Printf("Transport: %s\n", f["transport"].GetStringValue())
			fmt.Printf("Auth:      %s\n", f["auth"].GetStringValue())
			fmt.Printf("User:      %s\n", f["user"].GetStringValue())
			fmt.Printf("Active:    %s\n", f["active"].GetStringValue())
			fmt.Printf("Outbox:    %d\n", int(f["outbox"].GetNumberValue()))
			fmt.Printf("Uptime:    %dms\n", int64(f["uptime_ms"].GetNumberValue()))
			return nil
		})
	},
}

var loginCmd = &cobra.Command{
	Use:   "login <user-id>",
	Short: "Sign in and authenticate on the current connection",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			if err := c.Login(ctx, args[0], loginToken); err != nil {
				return err
			}
			fmt.Printf("Signed in as %s\n", args[0])
			return nil
		})
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Persist state and sign out",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			if err := c.Logout(ctx); err != nil {
				return err
			}
			fmt.Println("Signed out")
			return nil
		})
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <key> <text...>",
	Short: "Queue a text message",
	Long:  "Queue a text message for a conversation key (dm:<peer> or room:<id>). It is delivered as soon as the session is ready.",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(_ *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			localID, err := c.SendText(ctx, args[0], strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			fmt.Println(localID)
			return nil
		})
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <key>",
	Short: "Fetch the latest page or a delta for a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			issued, err := c.RequestHistory(ctx, args[0], historyForce, historyDelta)
			if err != nil {
				return err
			}
			printIssued(issued)
			return nil
		})
	},
}

var moreCmd = &cobra.Command{
	Use:   "more <key>",
	Short: "Fetch the next older page",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			issued, err := c.RequestMoreHistory(ctx, args[0])
			if err != nil {
				return err
			}
			printIssued(issued)
			return nil
		})
	},
}

var openCmd = &cobra.Command{
	Use:   "open [key]",
	Short: "Set the active conversation; no key closes it",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		key := ""
		if len(args) == 1 {
			key = args[0]
		}
		return withClient(func(ctx context.Context, c *api.Client) error {
			return c.SetActive(ctx, key)
		})
	},
}

var draftCmd = &cobra.Command{
	Use:   "draft <key> [text...]",
	Short: "Save composer text; no text clears the draft",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			return c.SetDraft(ctx, args[0], strings.Join(args[1:], " "))
		})
	},
}

var pinCmd = &cobra.Command{
	Use:   "pin <key>",
	Short: "Toggle a pinned conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			pinned, err := c.TogglePin(ctx, args[0])
			if err != nil {
				return err
			}
			printPinned(pinned)
			return nil
		})
	},
}

var pinMessageCmd = &cobra.Command{
	Use:   "pin-message <key> <id>",
	Short: "Toggle a pinned message",
	Args:  cobra.ExactArgs(2),
	RunE: func(_ *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid message id %q", args[1])
		}
		return withClient(func(ctx context.Context, c *api.Client) error {
			pinned, err := c.TogglePinnedMessage(ctx, args[0], id)
			if err != nil {
				return err
			}
			printPinned(pinned)
			return nil
		})
	},
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot [key]",
	Short: "Dump engine state, optionally for one conversation",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		key := ""
		if len(args) == 1 {
			key = args[0]
		}
		return withClient(func(ctx context.Context, c *api.Client) error {
			snap, err := c.Snapshot(ctx, key)
			if err != nil {
				return err
			}
			if jsonOutput || key == "" {
				outputJSON(snap)
				return nil
			}
			printTranscript(snap, key)
			return nil
		})
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch [prefix...]",
	Short: "Stream engine events until interrupted",
	RunE: func(_ *cobra.Command, args []string) error {
		c, err := connect()
		if err != nil {
			return err
		}
		defer func() { _ = c.Close() }()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		recv, err := c.WatchEvents(ctx, args...)
		if err != nil {
			return err
		}
		for {
			evt, err := recv()
			if errors.Is(err, io.EOF) || grpcstatus.Code(err) == codes.Canceled {
				return nil
			}
			if err != nil {
				return err
			}
			if jsonOutput {
				outputJSON(evt)
				continue
			}
			f := evt.GetFields()
			fmt.Printf("%s  %s\n", f["ts"].GetStringValue(), f["kind"].GetStringValue())
		}
	},
}

func init() {
	loginCmd.Flags().StringVar(&loginToken, "token", "", "session token")
	historyCmd.Flags().BoolVar(&historyForce, "force", false, "bypass the loaded check")
	historyCmd.Flags().IntVar(&historyDelta, "delta", 0, "fetch at most N messages newer than the newest known")
}

func printIssued(issued bool) {
	if issued {
		fmt.Println("requested")
	} else {
		fmt.Println("skipped")
	}
}

func printPinned(pinned bool) {
	if pinned {
		fmt.Println("pinned")
	} else {
		fmt.Println("unpinned")
	}
}

func printTranscript(snap *structpb.Struct, key string) {
	convs := snap.GetFields()["conversations"].GetStructValue().GetFields()
	for _, v := range convs[key].GetListValue().GetValues() {
		m := v.GetStructValue().GetFields()
		id := "-"
		if n := m["id"].GetNumberValue(); n > 0 {
			id = strconv.FormatInt(int64(n), 10)
		}
		state := m["status"].GetStringValue()
		if state == "" {
			state = m["direction"].GetStringValue()
		}
		fmt.Printf("%8s  %-10s %-12s %s\n", id, state, m["sender_id"].GetStringValue(), m["text"].GetStringValue())
	}
}
