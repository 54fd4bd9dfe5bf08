package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/lyrics-approvals-api/internal/models"
	appErrors "github.com/noah-isme/lyrics-approvals-api/pkg/errors"
	"github.com/noah-isme/lyrics-approvals-api/pkg/response"
)

// ContextSessionKey is the gin context key storing the authenticated session.
const ContextSessionKey = "currentSession"

// accessTokenParam carries the token for browser websocket upgrades, which cannot set headers.
const accessTokenParam = "access_token"

// Authenticator turns an access token into a session.
type Authenticator interface {
	Authenticate(token string) (*models.Session, error)
}

// JWT protects routes by requiring a valid access token. The session is attached to
// both the gin context and the request context.
func JWT(auth Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := bearerToken(c)
		if err != nil {
			response.Error(c, err)
			c.Abort()
			return
		}

		session, err := auth.Authenticate(token)
		if err != nil {
			response.Error(c, err)
			c.Abort()
			return
		}

		attach(c, session)
		c.Next()
	}
}

// OptionalJWT attaches the session when a valid token is present but does not block.
func OptionalJWT(auth Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := bearerToken(c)
		if err != nil {
			c.Next()
			return
		}
		if session, err := auth.Authenticate(token); err == nil {
			attach(c, session)
		}
		c.Next()
	}
}

func bearerToken(c *gin.Context) (string, error) {
	header := c.GetHeader("Authorization")
	if header == "" {
		if token := c.Query(accessTokenParam); token != "" {
			return token, nil
		}
		return "", appErrors.ErrUnauthorized
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", appErrors.Clone(appErrors.ErrUnauthorized, "invalid authorization header")
	}
	return strings.TrimSpace(parts[1]), nil
}

func attach(c *gin.Context, session *models.Session) {
	c.Set(ContextSessionKey, session)
	c.Request = c.Request.WithContext(models.WithSession(c.Request.Context(), session))
}

// SessionFromGin returns the session stored by JWT, nil when absent.
func SessionFromGin(c *gin.Context) *models.Session {
	value, exists := c.Get(ContextSessionKey)
	if !exists {
		return nil
	}
	session, _ := value.(*models.Session)
	return session
}
