package internal

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
)

var (
	appTitleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("213")).Padding(0, 1)
	subtitleStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("110")).MarginTop(1)
	counterBoxStyle  = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("63")).Padding(1, 4).MarginTop(1)
	counterStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
	menuHintStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("244")).MarginTop(1)
	messageBoxStyle  = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("60")).Padding(1, 2).MarginTop(1)
	statusStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("109")).MarginTop(1)
	connectedStyle   = statusStyle.Copy().Foreground(lipgloss.Color("42")).Bold(true)
	connectingStyle  = statusStyle.Copy().Foreground(lipgloss.Color("178")).Italic(true)
	errorStyle       = statusStyle.Copy().Foreground(lipgloss.Color("196")).Bold(true)
	timestampStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	onlineEventStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	offlineEvtStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	usernameStyle    = lipgloss.NewStyle().Bold(true)
	systemStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("244")).Italic(true)
	dividerStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("237")).Render(" ┃ ")
)

func (model *MonitorModel) View() string {
	title := appTitleStyle.Render("realtime presence")
	channel := model.statsChannel
	if channel == "" {
		channel = DefaultStatsChannel
	}
	subtitle := subtitleStyle.Render(fmt.Sprintf("%s on %s", channel, model.serverURL))

	counter := counterBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Center,
		counterStyle.Render(fmt.Sprintf("%d", model.usersOnline)),
		"users online",
	))

	sections := []string{lipgloss.JoinVertical(lipgloss.Left, title, subtitle), counter}
	sections = append(sections, messageBoxStyle.Render(model.renderHistory()))
	sections = append(sections, model.renderStatus())
	sections = append(sections, menuHintStyle.Render("c) Clear log  •  q) Quit"))
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (model *MonitorModel) renderHistory() string {
	if len(model.history) == 0 {
		return systemStyle.Render("No presence changes yet.")
	}
	lines := make([]string, 0, len(model.history))
	for _, entry := range model.history {
		eventStyle := onlineEventStyle
		label := "online "
		if entry.Event == model.eventNames.UserOffline {
			eventStyle = offlineEvtStyle
			label = "offline"
		}
		lines = append(lines, timestampStyle.Render(entry.At.Format("15:04:05"))+dividerStyle+
			eventStyle.Render(label)+dividerStyle+
			usernameStyle.Render(entry.User)+
			timestampStyle.Render(fmt.Sprintf("  (%d online)", entry.UsersOnline)))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func (model *MonitorModel) renderStatus() string {
	switch {
	case model.isConnected:
		return connectedStyle.Render("● subscribed")
	case model.connectionError != nil:
		return errorStyle.Render(fmt.Sprintf("disconnected: %v (retrying)", model.connectionError))
	default:
		return connectingStyle.Render(model.spinner.View() + " connecting…")
	}
}
