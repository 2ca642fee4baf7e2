package security

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"FamLink/tools/errs"
	"FamLink/tools/security"
)

// CtxUserIDKey is where the middleware leaves the verified user id.
const CtxUserIDKey = "userID"

type Options struct {
	Secret []byte
	// Bearer tokens are also accepted via ?token= for websocket clients
	// that cannot set headers.
	AllowQueryToken bool
}

// Middleware verifies the bearer token and stores its subject in the gin
// context. Requests without a valid token stop here.
func Middleware(opts Options) gin.HandlerFunc {
	verify := security.Options{Secret: opts.Secret}
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" && opts.AllowQueryToken {
			token = strings.TrimSpace(c.Query("token"))
		}
		if token == "" {
			abortUnauthorized(c, "missing token")
			return
		}
		claims, err := security.Verify(verify, token)
		if err != nil {
			abortUnauthorized(c, "invalid token")
			return
		}
		sub, err := security.Subject(claims)
		if err != nil {
			abortUnauthorized(c, "token has no subject")
			return
		}
		c.Set(CtxUserIDKey, sub)
		c.Next()
	}
}

// UserID reads the verified subject set by Middleware.
func UserID(c *gin.Context) string {
	return c.GetString(CtxUserIDKey)
}

func bearerToken(c *gin.Context) string {
	authz := strings.TrimSpace(c.GetHeader("Authorization"))
	if authz == "" {
		return ""
	}
	if !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
		return ""
	}
	return strings.TrimSpace(authz[len("bearer "):])
}

func abortUnauthorized(c *gin.Context, detail string) {
	e := errs.ErrUnauthorized.WithDetail(detail)
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"code": e.Code,
		"msg":  e.Msg,
	})
}
