package internal

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"
)

const monitorRetryDelay = 2 * time.Second

// statsFrame is an envelope read off the stats channel with its data left
// for the event-specific decoder.
type statsFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func (model *MonitorModel) scheduleReconnect() tea.Cmd {
	return tea.Tick(monitorRetryDelay, func(time.Time) tea.Msg {
		return reconnectMsg{}
	})
}

func (model *MonitorModel) connectCmd() tea.Cmd {
	return func() tea.Msg {
		socketURL, err := statsSocketURL(model.serverURL, model.token)
		if err != nil {
			return connectFailedMsg{err: err}
		}
		header := http.Header{}
		if model.token != "" {
			header.Set("Authorization", "Bearer "+model.token)
		}
		conn, resp, err := websocket.DefaultDialer.Dial(socketURL, header)
		if err != nil {
			if resp != nil && resp.StatusCode == http.StatusUnauthorized {
				err = ErrUnauthorized
			}
			return connectFailedMsg{err: err}
		}
		model.connMutex.Lock()
		model.websocketConn = conn
		model.connMutex.Unlock()
		return connectedMsg{}
	}
}

func (model *MonitorModel) readOnceCmd() tea.Cmd {
	return func() tea.Msg {
		model.connMutex.Lock()
		conn := model.websocketConn
		model.connMutex.Unlock()
		if conn == nil {
			return disconnectedMsg{err: fmt.Errorf("websocket not connected")}
		}
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return disconnectedMsg{err: err}
		}
		return decodeStatsFrame(payload, model.eventNames)
	}
}

func decodeStatsFrame(payload []byte, names StatsEventNames) tea.Msg {
	var frame statsFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		return ignoredMsg{}
	}
	switch frame.Event {
	case statsSnapshotEvent:
		var snapshot StatsSnapshot
		if err := json.Unmarshal(frame.Data, &snapshot); err != nil {
			return ignoredMsg{}
		}
		return snapshotMsg(snapshot)
	case names.UserOnline, names.UserOffline:
		var event PresenceEvent
		if err := json.Unmarshal(frame.Data, &event); err != nil {
			return ignoredMsg{}
		}
		return presenceMsg{event: frame.Event, PresenceEvent: event}
	}
	return ignoredMsg{}
}

// RunMonitor opens the presence monitor against serverURL.
func RunMonitor(serverURL, token string) error {
	if token == "" {
		return ErrUnauthorized
	}
	program := tea.NewProgram(NewMonitorModel(serverURL, token))
	_, err := program.Run()
	return err
}
