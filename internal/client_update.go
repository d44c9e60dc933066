package internal

import (
	"errors"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
)

type (
	connectedMsg     struct{}
	connectFailedMsg struct{ err error }
	disconnectedMsg  struct{ err error }
	reconnectMsg     struct{}
	ignoredMsg       struct{}
	snapshotMsg      StatsSnapshot
	presenceMsg      struct {
		event string
		PresenceEvent
	}
)

func (model *MonitorModel) Update(message tea.Msg) (tea.Model, tea.Cmd) {
	switch typedMessage := message.(type) {
	case tea.KeyMsg:
		switch typedMessage.String() {
		case "ctrl+c", "esc", "q":
			model.closeConn()
			return model, tea.Quit
		case "c":
			model.history = model.history[:0]
		}
		return model, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		model.spinner, cmd = model.spinner.Update(typedMessage)
		return model, cmd

	case connectedMsg:
		model.isConnected = true
		model.connectionError = nil
		return model, model.readOnceCmd()

	case connectFailedMsg:
		model.isConnected = false
		model.connectionError = typedMessage.err
		if errors.Is(typedMessage.err, ErrUnauthorized) {
			return model, tea.Quit
		}
		return model, model.scheduleReconnect()

	case disconnectedMsg:
		model.isConnected = false
		model.connectionError = typedMessage.err
		model.closeConn()
		return model, model.scheduleReconnect()

	case reconnectMsg:
		if !model.isConnected {
			return model, model.connectCmd()
		}
		return model, nil

	case snapshotMsg:
		model.usersOnline = typedMessage.UsersOnline
		model.statsChannel = typedMessage.StatsChannel
		if typedMessage.EventNames.UserOnline != "" {
			model.eventNames = typedMessage.EventNames
		}
		return model, model.readOnceCmd()

	case presenceMsg:
		model.usersOnline = typedMessage.UsersOnline
		model.record(presenceLogEntry{
			Event:       typedMessage.event,
			User:        typedMessage.User,
			UsersOnline: typedMessage.UsersOnline,
			At:          model.now(),
		})
		return model, model.readOnceCmd()

	case ignoredMsg:
		return model, model.readOnceCmd()
	}
	return model, nil
}
