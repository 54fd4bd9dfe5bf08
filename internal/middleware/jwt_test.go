package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/lyrics-approvals-api/internal/models"
	appErrors "github.com/noah-isme/lyrics-approvals-api/pkg/errors"
)

type tokenAuth map[string]*models.Session

func (a tokenAuth) Authenticate(token string) (*models.Session, error) {
	if s, ok := a[token]; ok {
		return s, nil
	}
	return nil, appErrors.Clone(appErrors.ErrUnauthorized, "invalid token")
}

var testSessions = tokenAuth{
	"admin-token":    {UserID: "admin-1", Role: models.RoleAdmin},
	"reviewer-token": {UserID: "rev-1", Role: models.RoleReviewer},
}

func sessionEcho(c *gin.Context) {
	fromGin := SessionFromGin(c)
	fromCtx := models.SessionFromContext(c.Request.Context())
	if fromGin == nil || fromCtx == nil || fromGin.UserID != fromCtx.UserID {
		c.String(http.StatusOK, "")
		return
	}
	c.String(http.StatusOK, fromGin.UserID)
}

func run(r http.Handler, path, authorization string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestJWTAttachesSession(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/x", JWT(testSessions), sessionEcho)

	tests := []struct {
		name   string
		path   string
		header string
		status int
		body   string
	}{
		{"bearer header", "/x", "Bearer admin-token", http.StatusOK, "admin-1"},
		{"lowercase scheme", "/x", "bearer reviewer-token", http.StatusOK, "rev-1"},
		{"query token", "/x?access_token=admin-token", "", http.StatusOK, "admin-1"},
		{"missing token", "/x", "", http.StatusUnauthorized, ""},
		{"malformed header", "/x", "Token admin-token", http.StatusUnauthorized, ""},
		{"unknown token", "/x", "Bearer nope", http.StatusUnauthorized, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := run(r, tc.path, tc.header)
			require.Equal(t, tc.status, w.Code)
			if tc.status == http.StatusOK {
				assert.Equal(t, tc.body, w.Body.String())
			}
		})
	}
}

func TestOptionalJWTNeverBlocks(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/x", OptionalJWT(testSessions), sessionEcho)

	w := run(r, "/x", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Body.String())

	w = run(r, "/x", "Bearer nope")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Body.String())

	w = run(r, "/x?access_token=reviewer-token", "")
	assert.Equal(t, "rev-1", w.Body.String())
}

func TestBearerTokenPrefersHeader(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodGet, "/x?access_token=query", nil)
	c.Request.Header.Set("Authorization", "Bearer header")

	token, err := bearerToken(c)
	require.NoError(t, err)
	assert.Equal(t, "header", token)

	c.Request.Header.Set("Authorization", "Bearer   ")
	_, err = bearerToken(c)
	assert.True(t, errors.Is(err, appErrors.ErrUnauthorized))
}
