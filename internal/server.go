package internal

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrUnauthorized     = errors.New("unauthorized")
	ErrNamespaceMissing = errors.New("namespace not opened")

	errMissingUser = errors.New("user required")
)

const (
	DefaultUserHeader = "X-User-Id"
	userQueryParam    = "user"
	tokenQueryParam   = "token"
)

// Authenticator resolves the user id behind a request.
type Authenticator interface {
	Authenticate(r *http.Request) (string, error)
}

// HeaderAuthenticator trusts an upstream proxy to set the user id header.
// The user query parameter is accepted for websocket clients that cannot
// set headers.
type HeaderAuthenticator struct {
	Header string
}

func (a HeaderAuthenticator) Authenticate(r *http.Request) (string, error) {
	header := a.Header
	if header == "" {
		header = DefaultUserHeader
	}
	userID := strings.TrimSpace(r.Header.Get(header))
	if userID == "" {
		userID = strings.TrimSpace(r.URL.Query().Get(userQueryParam))
	}
	if userID == "" {
		return "", ErrUnauthorized
	}
	return userID, nil
}

// AdminGate admits privileged requests carrying a token that matches a
// bcrypt hash. With no hash configured every request is refused.
type AdminGate struct {
	hash []byte
}

func NewAdminGate(hash string) *AdminGate {
	return &AdminGate{hash: []byte(strings.TrimSpace(hash))}
}

func (g *AdminGate) Allow(r *http.Request) bool {
	if g == nil || len(g.hash) == 0 {
		return false
	}
	token := bearerToken(r)
	if token == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword(g.hash, []byte(token)) == nil
}

func bearerToken(r *http.Request) string {
	if authz := strings.TrimSpace(r.Header.Get("Authorization")); authz != "" {
		if strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			return strings.TrimSpace(authz[len("bearer "):])
		}
	}
	return strings.TrimSpace(r.URL.Query().Get(tokenQueryParam))
}

// ServerConfig holds the HTTP boundary settings.
type ServerConfig struct {
	UserHeader       string
	AdminTokenHash   string
	RequireNamespace bool
	RateLimitBurst   int
	RateLimitWindow  time.Duration
}

// Server is the HTTP and websocket boundary in front of a Hub.
type Server struct {
	hub              *Hub
	metrics          *Metrics
	limiter          *RateLimiter
	auth             Authenticator
	admin            *AdminGate
	requireNamespace bool
	log              *zap.Logger
	upgrader         websocket.Upgrader
}

func NewServer(hub *Hub, cfg ServerConfig, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	burst := cfg.RateLimitBurst
	if burst <= 0 {
		burst = 20
	}
	window := cfg.RateLimitWindow
	if window <= 0 {
		window = 10 * time.Second
	}
	return &Server{
		hub:              hub,
		metrics:          hub.Metrics(),
		limiter:          NewRateLimiter(burst, window),
		auth:             HeaderAuthenticator{Header: cfg.UserHeader},
		admin:            NewAdminGate(cfg.AdminTokenHash),
		requireNamespace: cfg.RequireNamespace,
		log:              log.Named("http"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// SetAuthenticator replaces the default header authenticator.
func (s *Server) SetAuthenticator(auth Authenticator) {
	s.auth = auth
}

func (s *Server) Hub() *Hub {
	return s.hub
}

// Router builds the gin engine serving every route.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/connect/me", s.HandleConnect)
	r.GET("/ws", s.ServeWS)
	r.GET("/metrics", gin.WrapH(s.metrics))

	privileged := r.Group("/", s.requireAdmin())
	privileged.GET("/stats", s.HandleStats)
	privileged.GET("/stats/ws", s.ServeStatsWS)
	privileged.POST("/emit/:user", s.HandleEmit)
	return r
}

func (s *Server) requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.admin.Allow(c.Request) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": ErrUnauthorized.Error()})
			return
		}
		c.Next()
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("took", time.Since(start)))
	}
}
