package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/noah-isme/lyrics-approvals-api/internal/middleware"
	"github.com/noah-isme/lyrics-approvals-api/internal/models"
)

func sessionFromContext(c *gin.Context) *models.Session {
	if session := middleware.SessionFromGin(c); session != nil {
		return session
	}
	return models.SessionFromContext(c.Request.Context())
}
