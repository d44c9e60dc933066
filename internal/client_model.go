package internal

import (
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"
)

const monitorHistory = 12

// presenceLogEntry is one line of the monitor's rolling event log.
type presenceLogEntry struct {
	Event       string
	User        string
	UsersOnline int
	At          time.Time
}

// MonitorModel is the bubbletea model behind `realtime monitor`. It follows
// the stats channel and renders the online count and recent transitions.
type MonitorModel struct {
	spinner         spinner.Model
	serverURL       string
	token           string
	websocketConn   *websocket.Conn
	connMutex       sync.Mutex
	isConnected     bool
	connectionError error
	usersOnline     int
	statsChannel    string
	eventNames      StatsEventNames
	history         []presenceLogEntry
	now             func() time.Time
}

func NewMonitorModel(serverURL, token string) *MonitorModel {
	spin := spinner.New()
	spin.Spinner = spinner.Dot
	spin.Style = connectingStyle

	defaults := DefaultEventNames()
	return &MonitorModel{
		spinner:   spin,
		serverURL: serverURL,
		token:     token,
		eventNames: StatsEventNames{
			UserOnline:  defaults.Online,
			UserOffline: defaults.Offline,
			NewMessage:  defaults.Message,
		},
		history: make([]presenceLogEntry, 0, monitorHistory),
		now:     time.Now,
	}
}

func (model *MonitorModel) Init() tea.Cmd {
	return tea.Batch(model.spinner.Tick, model.connectCmd())
}

func (model *MonitorModel) record(entry presenceLogEntry) {
	if len(model.history) == monitorHistory {
		copy(model.history, model.history[1:])
		model.history = model.history[:monitorHistory-1]
	}
	model.history = append(model.history, entry)
}

func (model *MonitorModel) closeConn() {
	model.connMutex.Lock()
	defer model.connMutex.Unlock()
	if model.websocketConn == nil {
		return
	}
	_ = model.websocketConn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = model.websocketConn.Close()
	model.websocketConn = nil
}
