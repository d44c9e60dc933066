package internal

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type connectResponse struct {
	Message   string `json:"message"`
	Namespace string `json:"namespace"`
}

type emitResponse struct {
	User      string `json:"user"`
	Delivered int    `json:"delivered"`
}

type statsResponse struct {
	StatsSnapshot
	Subscribers int            `json:"subscribers"`
	Metrics     map[string]any `json:"metrics"`
}

// HandleConnect opens the caller's namespace and greets any live
// connections it already has.
func (s *Server) HandleConnect(c *gin.Context) {
	userID, err := s.auth.Authenticate(c.Request)
	if err != nil {
		writeError(c, http.StatusUnauthorized, err)
		return
	}
	s.hub.OpenNamespace(userID)
	s.hub.Welcome(userID)
	s.log.Info("namespace created", zap.String("user", userID))
	c.JSON(http.StatusOK, connectResponse{
		Message:   "namespace created: " + userID,
		Namespace: "/" + userID,
	})
}

func (s *Server) HandleStats(c *gin.Context) {
	c.JSON(http.StatusOK, statsResponse{
		StatsSnapshot: s.hub.Stats().Snapshot(),
		Subscribers:   s.hub.Stats().Subscribers(),
		Metrics:       s.metrics.Snapshot(),
	})
}

// HandleEmit pushes the request body to every connection of :user. A JSON
// body is forwarded as-is; anything else is sent as text.
func (s *Server) HandleEmit(c *gin.Context) {
	userID := strings.TrimSpace(c.Param("user"))
	if userID == "" {
		writeError(c, http.StatusBadRequest, errMissingUser)
		return
	}
	body, err := c.GetRawData()
	if err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}
	var payload any = string(body)
	if json.Valid(body) {
		payload = json.RawMessage(body)
	}
	delivered := s.hub.Emit(userID, payload)
	c.JSON(http.StatusOK, emitResponse{User: userID, Delivered: delivered})
}

func writeError(c *gin.Context, status int, err error) {
	c.JSON(status, gin.H{"error": err.Error()})
}
