package models

import (
	"context"

	"github.com/golang-jwt/jwt/v5"
)

// UserRole represents the roles allowed on the admin surface.
type UserRole string

const (
	RoleSuperAdmin UserRole = "SUPERADMIN"
	RoleAdmin      UserRole = "ADMIN"
	RoleReviewer   UserRole = "REVIEWER"
)

// JWTClaims represents the JWT payload issued by the managed backend.
type JWTClaims struct {
	UserID string   `json:"user_id"`
	Role   UserRole `json:"role"`
	Email  string   `json:"email"`
	jwt.RegisteredClaims
}

// Session is the authenticated actor behind a request or live connection.
type Session struct {
	UserID string
	Role   UserRole
	Email  string
}

// SessionFromClaims converts validated claims into a session.
func SessionFromClaims(claims *JWTClaims) *Session {
	if claims == nil {
		return nil
	}
	userID := claims.UserID
	if userID == "" {
		userID = claims.Subject
	}
	if userID == "" {
		return nil
	}
	return &Session{UserID: userID, Role: claims.Role, Email: claims.Email}
}

type sessionKey struct{}

// WithSession attaches the session to a context.
func WithSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

// SessionFromContext returns the session attached to ctx, nil when absent.
func SessionFromContext(ctx context.Context) *Session {
	if ctx == nil {
		return nil
	}
	s, _ := ctx.Value(sessionKey{}).(*Session)
	return s
}
