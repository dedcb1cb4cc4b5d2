package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

// Defaults used when neither a flag nor the environment sets a value
const (
	DefaultServerURL = "ws://localhost:8080/ws"
	DefaultSTUN      = "stun:stun.l.google.com:19302"
	DefaultCodec     = "json"
	DefaultReconnect = 30 * time.Second
)

var (
	flagServer    string
	flagCodec     string
	flagSTUN      []string
	flagReconnect time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "peerctl",
	Short: "Talk to strangers through a duet relay from the terminal",
	Long: `peerctl is a command-line participant for the duet relay. It queues for a
random partner or joins a group room, negotiates a WebRTC connection with
every peer and carries the room chat over the relay.

Examples:
  peerctl match --name sam --filter-country DE
  peerctl rooms
  peerctl create --name "night owls" --topic music
  peerctl join 3f0c2a9e-... --password hunter2`,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&flagServer, "server", "s", "", "relay websocket URL (env DUET_SERVER_URL)")
	flags.StringVar(&flagCodec, "codec", "", "wire codec: json or msgpack (env DUET_CODEC)")
	flags.StringSliceVar(&flagSTUN, "stun", nil, "STUN server URLs (env DUET_STUN_SERVERS, comma separated)")
	flags.DurationVar(&flagReconnect, "reconnect", DefaultReconnect, "how long to keep redialling a dropped relay connection, 0 to disable")

	rootCmd.AddCommand(matchCmd, joinCmd, createCmd, roomsCmd)
}

// Settings is the resolved client configuration
type Settings struct {
	ServerURL string
	Codec     string
	STUN      []string
	Reconnect time.Duration
}

// loadSettings resolves each value as flag, then environment, then default
func loadSettings() Settings {
	s := Settings{
		ServerURL: firstNonEmpty(flagServer, os.Getenv("DUET_SERVER_URL"), DefaultServerURL),
		Codec:     firstNonEmpty(flagCodec, os.Getenv("DUET_CODEC"), DefaultCodec),
		STUN:      flagSTUN,
		Reconnect: flagReconnect,
	}
	if len(s.STUN) == 0 {
		if env := os.Getenv("DUET_STUN_SERVERS"); env != "" {
			for _, url := range strings.Split(env, ",") {
				if url = strings.TrimSpace(url); url != "" {
					s.STUN = append(s.STUN, url)
				}
			}
		}
	}
	if len(s.STUN) == 0 {
		s.STUN = []string{DefaultSTUN}
	}
	return s
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// Execute runs the root command until it finishes or the process is interrupted
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		PrintError(err.Error())
		stop()
		os.Exit(1)
	}
}
