package http

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Call/internal/adapters/relay"
	"github.com/dkeye/Call/internal/auth"
	"github.com/dkeye/Call/internal/config"
	"github.com/dkeye/Call/internal/domain"
)

const userKey = "user"

// TokenMiddleware authenticates the request with a bearer token from the
// Authorization header or the token query parameter.
func TokenMiddleware(v *auth.Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if token == "" || token == c.GetHeader("Authorization") {
			token = c.Query("token")
		}
		user, err := v.Verify(token)
		if err != nil {
			log.Warn().Err(err).Str("module", "adapters.http").Str("path", c.FullPath()).Msg("unauthorized")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Set(userKey, *user)
		c.Next()
	}
}

func userOf(c *gin.Context) domain.User {
	u, _ := c.Get(userKey)
	user, _ := u.(domain.User)
	return user
}

func SetupRouter(ctx context.Context, cfg *config.Server, rl *relay.Relay, v *auth.Verifier) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("CallSessions", store))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "connections": rl.Registry.Connections()})
	})

	api := r.Group("/api", TokenMiddleware(v))

	api.GET("/whoami", func(c *gin.Context) {
		user := userOf(c)
		s := sessions.Default(c)
		connects, _ := s.Get("connects").(int)
		c.JSON(http.StatusOK, gin.H{"id": user.ID, "name": user.Name, "connects": connects})
	})

	api.GET("/ws/signal", func(c *gin.Context) {
		user := userOf(c)
		s := sessions.Default(c)
		connects, _ := s.Get("connects").(int)
		s.Set("connects", connects+1)
		if err := s.Save(); err != nil {
			log.Warn().Err(err).Str("module", "adapters.http").Msg("session save")
		}
		log.Info().Str("module", "adapters.http").Str("user", string(user.ID)).Msg("ws signal endpoint hit")
		rl.ServeWS(ctx, c.Writer, c.Request, user)
	})

	log.Info().Str("module", "adapters.http").Str("mode", cfg.Mode).Msg("router setup")
	return r
}
