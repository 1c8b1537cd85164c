package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"cipherchat/internal/websocket"
	"cipherchat/pkg/types"
)

const identityContextKey = "identity"

// requestLogger emits one structured line per request
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		event := log.Debug()
		switch {
		case status >= http.StatusInternalServerError:
			event = log.Error()
		case status >= http.StatusBadRequest:
			event = log.Info()
		}
		event.Str("module", "api").
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("request")
	}
}

// ARCHITECTURAL DISCOVERY: CORS middleware enables web client access
// Allows all origins; bearer tokens rather than cookies carry credentials
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// authenticate verifies the bearer token and resolves its identity
func (s *Server) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := websocket.TokenFromRequest(c.Request)
		if token == "" {
			failErr(c, types.ErrUnauthenticated)
			return
		}

		claims, err := s.issuer.Verify(token)
		if err != nil {
			log.Debug().Str("module", "api").Err(err).Msg("token rejected")
			failErr(c, types.ErrUnauthenticated)
			return
		}

		identity, err := s.chat.ResolveIdentity(c.Request.Context(), claims)
		if err != nil {
			failErr(c, err)
			return
		}

		c.Set(identityContextKey, identity)
		c.Next()
	}
}

func currentIdentity(c *gin.Context) *types.Identity {
	if v, found := c.Get(identityContextKey); found {
		if identity, valid := v.(*types.Identity); valid {
			return identity
		}
	}
	return nil
}

func clientIPKey(c *gin.Context) string {
	return "http:ip:" + c.ClientIP()
}

func identityKey(c *gin.Context) string {
	if identity := currentIdentity(c); identity != nil {
		return "http:id:" + strconv.FormatInt(identity.ID, 10)
	}
	return clientIPKey(c)
}

// rateLimit applies the boundary request policy under the key chosen by keyFn
func (s *Server) rateLimit(keyFn func(*gin.Context) string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.policy.Max <= 0 || s.policy.Window <= 0 {
			c.Next()
			return
		}

		decision := s.limiter.AllowPolicy(keyFn(c), s.policy)
		if !decision.Allowed {
			failErr(c, &types.RateLimitError{RetryAfter: decision.RetryAfter})
			return
		}
		c.Next()
	}
}
