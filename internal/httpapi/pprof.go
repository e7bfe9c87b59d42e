package httpapi

import (
	"crypto/subtle"
	"net/http"
	hpprof "net/http/pprof"
	"strings"

	"github.com/gin-gonic/gin"
)

const pprofPrefix = "/debug/pprof"

// mountPprof serves net/http/pprof under /debug/pprof. With a token, requests need
// "Authorization: Bearer <token>" or "?token=<token>".
func mountPprof(r *gin.Engine, token string) {
	g := r.Group(pprofPrefix, pprofAuth(token))
	g.GET("/", gin.WrapF(hpprof.Index))
	g.GET("/cmdline", gin.WrapF(hpprof.Cmdline))
	g.GET("/profile", gin.WrapF(hpprof.Profile))
	g.GET("/symbol", gin.WrapF(hpprof.Symbol))
	g.POST("/symbol", gin.WrapF(hpprof.Symbol))
	g.GET("/trace", gin.WrapF(hpprof.Trace))
	// Named profiles (heap, goroutine, block...) go through Index.
	g.GET("/:profile", gin.WrapF(hpprof.Index))
}

func pprofAuth(token string) gin.HandlerFunc {
	tok := strings.TrimSpace(token)
	return func(c *gin.Context) {
		if tok == "" {
			c.Next()
			return
		}
		got := c.Query("token")
		if got == "" {
			got, _ = bearer(c.GetHeader("Authorization"))
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(tok)) != 1 {
			c.Header("WWW-Authenticate", "Bearer")
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody("unauthorized"))
			return
		}
		c.Next()
	}
}
