package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"duet/internal/client"
	"duet/internal/models"
	"duet/internal/protocol"
	"duet/pkg/logger"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	flagName          string
	flagAge           int
	flagGender        string
	flagCountry       string
	flagFilterGender  string
	flagFilterCountry string

	flagPassword string
	flagTopic    string
	flagRoomName string
)

const listRoomsTimeout = 5 * time.Second

var matchCmd = &cobra.Command{
	Use:     "match",
	Aliases: []string{"m"},
	Short:   "Meet a random partner",
	Long: `Queue for a random one-to-one partner. Filters only match partners whose
profile has the requested gender or country.

Examples:
  peerctl match
  peerctl match --name sam --country US --filter-country DE`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		profile := models.Profile{Name: flagName, Age: flagAge, Gender: flagGender, Country: flagCountry}
		filters := models.Filters{Gender: flagFilterGender, Country: flagFilterCountry}
		return interactive(cmd.Context(), func(p *participant) error {
			return p.manager.StartLooking(profile, filters)
		})
	},
}

var joinCmd = &cobra.Command{
	Use:     "join <room-id>",
	Aliases: []string{"j"},
	Short:   "Join a group room",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		roomID := args[0]
		return interactive(cmd.Context(), func(p *participant) error {
			return p.manager.JoinRoom(roomID, flagPassword)
		})
	},
}

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a group room and join it",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		meta := models.RoomMeta{Name: flagRoomName, Topic: flagTopic, Password: flagPassword}
		return interactive(cmd.Context(), func(p *participant) error {
			p.joinCreated = true
			p.password = flagPassword
			return p.manager.CreateRoom(meta)
		})
	},
}

var roomsCmd = &cobra.Command{
	Use:     "rooms",
	Aliases: []string{"ls"},
	Short:   "List group rooms",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		rooms, err := listRooms(cmd.Context(), loadSettings())
		if err != nil {
			return err
		}
		fmt.Println(RoomTable(rooms))
		return nil
	},
}

func init() {
	matchCmd.Flags().StringVar(&flagName, "name", "", "display name shown to partners")
	matchCmd.Flags().IntVar(&flagAge, "age", 0, "age shown to partners")
	matchCmd.Flags().StringVar(&flagGender, "gender", "", "your gender, used by partners' filters")
	matchCmd.Flags().StringVar(&flagCountry, "country", "", "your country code, used by partners' filters")
	matchCmd.Flags().StringVar(&flagFilterGender, "filter-gender", "", "only match partners of this gender")
	matchCmd.Flags().StringVar(&flagFilterCountry, "filter-country", "", "only match partners from this country")

	joinCmd.Flags().StringVarP(&flagPassword, "password", "p", "", "room password")

	createCmd.Flags().StringVar(&flagRoomName, "name", "", "room name")
	createCmd.Flags().StringVar(&flagTopic, "topic", "", "room topic")
	createCmd.Flags().StringVarP(&flagPassword, "password", "p", "", "protect the room with a password")
	_ = createCmd.MarkFlagRequired("name")
}

// interactive connects, performs start and then hands the terminal to the
// participant until the user quits
func interactive(ctx context.Context, start func(p *participant) error) error {
	s := loadSettings()
	PrintInfo("Connecting to " + s.ServerURL + "...")

	session, p, err := connect(ctx, s)
	if err != nil {
		return err
	}
	defer session.Close()
	defer p.close()

	PrintSuccess("Connected as " + PeerStyle.Render(shortID(session.ID())) + ". Type /help for commands.")
	if err := start(p); err != nil {
		return err
	}

	p.run(ctx, os.Stdin, session.Done())
	if err := session.Err(); err != nil && !errors.Is(err, client.ErrClosed) {
		return err
	}
	return nil
}

// listRooms asks the relay for its group rooms over a short-lived session
func listRooms(ctx context.Context, s Settings) ([]models.RoomSummary, error) {
	ctx, cancel := context.WithTimeout(ctx, listRoomsTimeout)
	defer cancel()

	session, err := client.Dial(ctx, client.Options{
		ServerURL: s.ServerURL,
		Codec:     s.Codec,
		Logger:    logrus.NewEntry(logger.Get()).WithField("component", "session"),
	})
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", s.ServerURL, err)
	}
	defer session.Close()

	result := make(chan []models.RoomSummary, 1)
	session.On(protocol.EventRoomList, func(env *protocol.Envelope) {
		select {
		case result <- env.Rooms:
		default:
		}
	})
	if err := session.Send(protocol.New(protocol.EventListRooms)); err != nil {
		return nil, err
	}

	select {
	case rooms := <-result:
		return rooms, nil
	case <-session.Done():
		if err := session.Err(); err != nil {
			return nil, fmt.Errorf("relay closed the connection: %w", err)
		}
		return nil, errors.New("relay closed the connection")
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for room list: %w", ctx.Err())
	}
}
