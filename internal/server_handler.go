package internal

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const statsSubscriberUser = "stats"

// ServeWS upgrades an authenticated user connection and registers it with
// the hub until the socket closes.
func (s *Server) ServeWS(c *gin.Context) {
	userID, err := s.auth.Authenticate(c.Request)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	if s.requireNamespace && !s.hub.HasNamespace(userID) {
		c.JSON(http.StatusForbidden, gin.H{"error": ErrNamespaceMissing.Error()})
		return
	}
	websocketConn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("upgrade failed", zap.String("user", userID), zap.Error(err))
		return
	}

	client := newClient(userID, websocketConn, s.metrics)
	if err := s.hub.Connect(client); err != nil {
		s.log.Warn("connection refused", zap.String("user", userID), zap.Error(err))
		closeMsg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error())
		_ = websocketConn.WriteMessage(websocket.CloseMessage, closeMsg)
		_ = websocketConn.Close()
		return
	}

	go client.writePump()
	go client.readPump(
		func(frame inboundFrame) { s.dispatch(client, frame) },
		func() {
			s.hub.Disconnect(context.Background(), client)
			if !s.hub.IsOnline(userID) {
				s.limiter.Forget(userID)
			}
		},
	)
}

// ServeStatsWS subscribes a monitoring client to the stats channel.
func (s *Server) ServeStatsWS(c *gin.Context) {
	websocketConn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("stats upgrade failed", zap.Error(err))
		return
	}
	client := newClient(statsSubscriberUser, websocketConn, s.metrics)
	if err := s.hub.Stats().Subscribe(client); err != nil {
		s.log.Warn("stats subscribe failed", zap.Error(err))
		_ = websocketConn.Close()
		return
	}
	s.log.Debug("stats subscriber joined", zap.String("conn", client.ID()))

	go client.writePump()
	go client.readPump(nil, func() {
		s.hub.Stats().Unsubscribe(client.ID())
		s.log.Debug("stats subscriber left", zap.String("conn", client.ID()))
	})
}
