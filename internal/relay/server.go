package relay

import (
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/huddle/internal/config"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/relay/store"
)

func init() {
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		_ = v.RegisterValidation("roomcode", func(fl validator.FieldLevel) bool {
			_, err := domain.ParseRoomID(fl.Field().String())
			return err == nil
		})
	}
}

type Server struct {
	cfg   *config.Config
	store *store.Store
	hub   *Hub
}

func NewServer(cfg *config.Config, st *store.Store) *Server {
	return &Server{cfg: cfg, store: st, hub: NewHub()}
}

// ClientTokenMiddleware hands every browser a stable token cookie; it
// backs the user id when the client does not supply one.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = uuid.NewString()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

func (s *Server) Router() *gin.Engine {
	if s.cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if s.cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	if s.cfg.Secret != "" {
		sessionStore := cookie.NewStore([]byte(s.cfg.Secret))
		r.Use(sessions.Sessions("HuddleSessions", sessionStore))
	}
	r.Use(ClientTokenMiddleware())

	r.Static("/uploads", s.cfg.UploadPath)

	log.Info().Str("module", "relay").Str("uploads", s.cfg.UploadPath).Msg("router setup")

	api := r.Group("/api")
	api.GET("/", s.handleRoot)
	api.GET("/health", s.handleHealth)
	api.POST("/rooms", s.handleCreateRoom)
	api.GET("/rooms", s.handleListRooms)
	api.GET("/rooms/:room", s.handleGetRoom)
	api.GET("/rooms/:room/messages", s.handleGetMessages)
	api.POST("/rooms/:room/messages", s.handlePostMessage)
	api.POST("/rooms/:room/upload", s.handleUpload)
	api.GET("/ws/:room", s.handleSignal)

	return r
}
