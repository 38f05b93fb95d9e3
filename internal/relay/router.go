package relay

import (
	"context"
	"strings"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/callsheet/voicemesh/internal/config"
)

// ClientTokenMiddleware resolves the client identity: a bearer token when
// presented, otherwise a cookie minted on first contact.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if token == "" {
			token, _ = c.Cookie("ct")
		}
		if token == "" {
			token = uuid.NewString()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.ServerConfig, srv *Server) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("VoicemeshSessions", store))
	r.Use(ClientTokenMiddleware())

	log.Info().Str("module", "relay").Msg("router setup")

	api := r.Group("/api")
	api.GET("/ws/signal", func(c *gin.Context) {
		log.Info().Str("module", "relay").Str("sid", c.GetString("client_token")).Msg("ws signal endpoint hit")
		srv.HandleSignal(ctx, c)
	})
	api.GET("/voice/channels/:channel/participants", srv.HandleParticipants)

	return r
}
