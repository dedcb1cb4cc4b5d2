package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"duet/internal/chat"
	"duet/internal/client"
	"duet/internal/models"
	"duet/internal/peer"
	"duet/internal/protocol"
	"duet/pkg/logger"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

var errUnknownCommand = errors.New("unknown command, try /help")

// participant ties one relay session to its peer connections and room chat
// and renders everything that happens to out
type participant struct {
	session peer.Session
	media   *peer.LocalMedia
	manager *peer.Manager
	chat    *chat.Conversation

	outMu sync.Mutex
	out   io.Writer

	// joinCreated makes a freshly created room the one we enter
	joinCreated bool
	password    string
}

func newParticipant(session peer.Session, media *peer.LocalMedia, cfg peer.Config, out io.Writer) *participant {
	p := &participant{session: session, media: media, out: out}
	log := cfg.Logger
	if log == nil {
		log = logrus.NewEntry(logger.Get())
	}

	p.manager = peer.NewManager(session, media, cfg, peer.ManagerEvents{
		OnQueueStatus: func(q protocol.QueueStatus) {
			p.println(MutedStyle.Render(fmt.Sprintf("%s Waiting for a partner (%d of %d in queue)", IconWaiting, q.Position, q.QueueSize)))
		},
		OnMatched: func(m protocol.MatchInfo) {
			p.println(MatchBox(m.PartnerID, m.PartnerName, m.PartnerAge, m.PartnerCountry))
		},
		OnRoomCreated: func(summary models.RoomSummary) {
			p.println(SuccessStyle.Render(IconSuccess) + " Room created: " + TitleStyle.Render(summary.ID))
			if p.joinCreated {
				p.joinCreated = false
				if err := p.manager.JoinRoom(summary.ID, p.password); err != nil {
					p.printErr(err)
				}
			}
		},
		OnRoomJoined: func(roomID string, members []models.Member) {
			p.println(fmt.Sprintf("%s Joined room %s with %d other participant(s)", IconRoom, TitleStyle.Render(roomID), len(members)))
		},
		OnPeerState: func(remoteID string, state peer.State, reason peer.CloseReason) {
			line := fmt.Sprintf("%s %s is %s", IconPeer, shortID(remoteID), state)
			if state == peer.StateClosed && reason != "" {
				line += " (" + string(reason) + ")"
			}
			p.println(MutedStyle.Render(line))
			if reason == peer.ReasonRemoteLeft {
				p.println(MutedStyle.Render("Type /skip to meet someone new or /quit to stop"))
			}
		},
		OnError: func(info protocol.ErrorInfo) {
			p.println(ErrorStyle.Render(IconError+" "+info.Code) + " " + info.Message)
		},
	})

	p.chat = chat.NewConversation(session, chat.Options{Logger: log, AutoDeliver: true}, chat.Events{
		OnMessage: func(m models.Message) { p.println(MessageLine(m, session.ID())) },
		OnUpdate:  func(m models.Message) { p.println(MessageLine(m, session.ID())) },
		OnTyping: func(participant string, typing bool) {
			if typing {
				p.println(MutedStyle.Render(shortID(participant) + " is typing..."))
			}
		},
	})
	return p
}

func (p *participant) println(line string) {
	p.outMu.Lock()
	defer p.outMu.Unlock()
	fmt.Fprintln(p.out, line)
}

func (p *participant) printErr(err error) {
	p.println(ErrorStyle.Render(IconError + " " + err.Error()))
}

// handle executes one line of user input and reports whether the user quit
func (p *participant) handle(line string) (bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, "/") {
		m, err := p.chat.Send(line, models.MessageTypeText)
		if err != nil {
			return false, err
		}
		p.println(MessageLine(m, p.session.ID()))
		return false, nil
	}

	cmd, rest, _ := strings.Cut(line[1:], " ")
	rest = strings.TrimSpace(rest)
	switch cmd {
	case "quit", "exit":
		return true, nil
	case "help":
		p.println(helpText)
	case "skip":
		return false, p.manager.Skip()
	case "leave":
		return false, p.manager.LeaveRoom()
	case "peers":
		p.showPeers()
	case "history":
		for _, m := range p.chat.Messages() {
			p.println(MessageLine(m, p.session.ID()))
		}
	case "edit":
		ref, text, _ := strings.Cut(rest, " ")
		m, err := p.resolve(ref)
		if err != nil {
			return false, err
		}
		m, err = p.chat.Edit(m.ID, strings.TrimSpace(text))
		if err != nil {
			return false, err
		}
		p.println(MessageLine(m, p.session.ID()))
	case "delete":
		m, err := p.resolve(rest)
		if err != nil {
			return false, err
		}
		if m, err = p.chat.Delete(m.ID); err != nil {
			return false, err
		}
		p.println(MessageLine(m, p.session.ID()))
	case "react":
		ref, emoji, _ := strings.Cut(rest, " ")
		m, err := p.resolve(ref)
		if err != nil {
			return false, err
		}
		if m, err = p.chat.React(m.ID, strings.TrimSpace(emoji)); err != nil {
			return false, err
		}
		p.println(MessageLine(m, p.session.ID()))
	case "seen":
		m, err := p.resolve(rest)
		if err != nil {
			return false, err
		}
		return false, p.chat.MarkSeen(m.ID)
	default:
		return false, fmt.Errorf("/%s: %w", cmd, errUnknownCommand)
	}
	return false, nil
}

func (p *participant) resolve(ref string) (models.Message, error) {
	if ref == "" {
		return models.Message{}, errors.New("message id is required")
	}
	m, ok := p.chat.Message(ref)
	if !ok {
		return models.Message{}, fmt.Errorf("%s: %w", ref, chat.ErrUnknownMessage)
	}
	return m, nil
}

func (p *participant) showPeers() {
	peers := p.manager.Peers()
	if len(peers) == 0 {
		p.println(MutedStyle.Render("No peers"))
		return
	}
	ids := make([]string, 0, len(peers))
	for id := range peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		p.println(fmt.Sprintf("%s %s %s", IconPeer, shortID(id), peers[id]))
	}
}

// run reads commands from in until the user quits, input ends, ctx is
// cancelled or the relay session is lost for good
func (p *participant) run(ctx context.Context, in io.Reader, sessionDone <-chan struct{}) {
	lines := make(chan string)
	stop := make(chan struct{})
	defer close(stop)

	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-stop:
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sessionDone:
			PrintWarning("Connection to the relay was lost")
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			quit, err := p.handle(line)
			if err != nil {
				p.printErr(err)
			}
			if quit {
				return
			}
		}
	}
}

// close tears down peer connections and stops local media
func (p *participant) close() {
	p.manager.Close()
	if err := p.media.Release(); err != nil {
		logger.WithError(err).Debug("Failed to release local media")
	}
}

// connect dials the relay and assembles a participant around the session
func connect(ctx context.Context, s Settings) (*client.Session, *participant, error) {
	log := logrus.NewEntry(logger.Get())

	session, err := client.Dial(ctx, client.Options{
		ServerURL:        s.ServerURL,
		Codec:            s.Codec,
		Logger:           log.WithField("component", "session"),
		ReconnectTimeout: s.Reconnect,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("connect to %s: %w", s.ServerURL, err)
	}

	cfg := peer.DefaultConfig()
	cfg.ICEServers = []webrtc.ICEServer{{URLs: s.STUN}}
	cfg.Logger = log.WithField("component", "peer")

	media := peer.NewLocalMedia(&peer.SilenceSource{})
	return session, newParticipant(session, media, cfg, os.Stdout), nil
}
