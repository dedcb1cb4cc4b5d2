package main

import (
	"fmt"
	"strings"

	"duet/internal/models"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

var (
	Primary   = lipgloss.Color("#22d3ee")
	Secondary = lipgloss.Color("#7C3AED")
	Success   = lipgloss.Color("#10B981")
	Warning   = lipgloss.Color("#F59E0B")
	Error     = lipgloss.Color("#EF4444")
	Muted     = lipgloss.Color("#6B7280")
)

var (
	TitleStyle   = lipgloss.NewStyle().Bold(true).Foreground(Primary)
	SuccessStyle = lipgloss.NewStyle().Foreground(Success).Bold(true)
	ErrorStyle   = lipgloss.NewStyle().Foreground(Error).Bold(true)
	WarningStyle = lipgloss.NewStyle().Foreground(Warning)
	MutedStyle   = lipgloss.NewStyle().Foreground(Muted)
	SelfStyle    = lipgloss.NewStyle().Foreground(Secondary).Bold(true)
	PeerStyle    = lipgloss.NewStyle().Foreground(Primary).Bold(true)

	TableHeaderStyle = lipgloss.NewStyle().Bold(true).Foreground(Primary).Align(lipgloss.Center)
	tableCellStyle   = lipgloss.NewStyle().Padding(0, 1)
	TableRowStyle    = tableCellStyle.Foreground(lipgloss.Color("255"))
	TableRowAltStyle = tableCellStyle.Foreground(lipgloss.Color("245"))

	BoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(Primary).
			Padding(0, 2)
)

const (
	IconSuccess = "✅"
	IconError   = "❌"
	IconWarning = "⚠️"
	IconInfo    = "ℹ️"
	IconPeer    = "👤"
	IconRoom    = "🚪"
	IconWaiting = "⏳"
	IconLock    = "🔒"
)

func PrintError(msg string) {
	fmt.Printf("%s %s\n", ErrorStyle.Render(IconError), ErrorStyle.Render(msg))
}

func PrintWarning(msg string) {
	fmt.Printf("%s %s\n", WarningStyle.Render(IconWarning), WarningStyle.Render(msg))
}

func PrintSuccess(msg string) {
	fmt.Printf("%s %s\n", SuccessStyle.Render(IconSuccess), msg)
}

func PrintInfo(msg string) {
	fmt.Printf("%s %s\n", IconInfo, msg)
}

func PrintMuted(msg string) {
	fmt.Println(MutedStyle.Render(msg))
}

// shortID abbreviates ids for display; chat commands accept the prefix back
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// RoomTable renders a room listing
func RoomTable(rooms []models.RoomSummary) string {
	if len(rooms) == 0 {
		return MutedStyle.Render("No rooms yet. Create one with: peerctl create --name <name>")
	}

	rows := make([][]string, 0, len(rooms))
	for _, r := range rooms {
		lock := ""
		if r.HasPassword {
			lock = IconLock
		}
		rows = append(rows, []string{
			r.ID,
			r.Name,
			r.Topic,
			fmt.Sprintf("%d", r.MemberCount),
			lock,
			r.CreatedAt.Local().Format("15:04"),
		})
	}

	tbl := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(Primary)).
		Headers("ID", "Name", "Topic", "Members", "", "Created").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return TableHeaderStyle
			case row%2 == 0:
				return TableRowStyle
			default:
				return TableRowAltStyle
			}
		})
	return tbl.Render()
}

// MessageLine renders one chat message as seen by self
func MessageLine(m models.Message, self string) string {
	who := PeerStyle.Render(shortID(m.SenderID))
	if m.SenderID == self {
		who = SelfStyle.Render("you")
	}

	var body string
	switch {
	case m.Deleted:
		body = MutedStyle.Render("message deleted")
	case m.Type != models.MessageTypeText && m.Type != "":
		body = fmt.Sprintf("[%s] %s", m.Type, m.Content)
	default:
		body = m.Content
	}

	var tags []string
	if m.Edited && !m.Deleted {
		tags = append(tags, "edited")
	}
	if m.SenderID == self {
		tags = append(tags, string(m.Status))
	}
	for participant, emoji := range m.Reactions {
		tags = append(tags, emoji+" "+shortID(participant))
	}

	line := fmt.Sprintf("%s %s: %s", MutedStyle.Render(shortID(m.ID)), who, body)
	if len(tags) > 0 {
		line += " " + MutedStyle.Render("("+strings.Join(tags, ", ")+")")
	}
	return line
}

// MatchBox announces a new partner
func MatchBox(partnerID, name string, age int, country string) string {
	details := []string{IconPeer + " " + PeerStyle.Render(shortID(partnerID))}
	if name != "" {
		details = append(details, "Name:    "+name)
	}
	if age > 0 {
		details = append(details, fmt.Sprintf("Age:     %d", age))
	}
	if country != "" {
		details = append(details, "Country: "+country)
	}
	return BoxStyle.Render(TitleStyle.Render("Matched!") + "\n\n" + strings.Join(details, "\n"))
}

const helpText = `Commands:
  <text>                 send a chat message
  /skip                  leave this partner and find another
  /leave                 leave the current room
  /edit <id> <text>      edit one of your messages
  /delete <id>           delete one of your messages
  /react <id> <emoji>    react to a message, no emoji clears it
  /seen <id>             mark a message as seen
  /peers                 show peer connection states
  /history               show the room's messages
  /quit                  disconnect`
