package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/pioner22/client-web-sub000/internal/api"
	"github.com/pioner22/client-web-sub000/internal/lock"
	"github.com/pioner22/client-web-sub000/internal/session"
	"github.com/spf13/cobra"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

var (
	sessionFlag string
	jsonOutput  bool
	timeout     time.Duration
)

var rootCmd = &cobra.Command{
	Use:           "chatctl",
	Short:         "Control a running chatd session",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&sessionFlag, "session", "", "session name (overrides config default)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "request timeout")

	rootCmd.AddCommand(statusCmd, loginCmd, logoutCmd, sendCmd, historyCmd, moreCmd,
		openCmd, draftCmd, pinCmd, pinMessageCmd, snapshotCmd, watchCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// connect dials the daemon serving the selected session, at the socket it
// recorded in the session lock.
func connect() (*api.Client, error) {
	name, err := session.Resolve(sessionFlag, "")
	if err != nil {
		return nil, err
	}
	paths := session.For(name)
	holder, running := lock.Inspect(paths.Dir)
	if !running {
		return nil, fmt.Errorf("chatd is not running for session %q", name)
	}
	socket := holder.Socket
	if socket == "" {
		socket = paths.Socket
	}
	c, err := api.Dial(socket)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to daemon for session %q: %w", name, err)
	}
	return c, nil
}

// withClient runs fn with a connected client and a request deadline.
func withClient(fn func(ctx context.Context, c *api.Client) error) error {
	c, err := connect()
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return fn(ctx, c)
}

func outputJSON(msg proto.Message) {
	data, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(msg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return
	}
	fmt.Println(string(data))
}
